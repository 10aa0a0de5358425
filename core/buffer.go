package core

import (
	"strings"

	"pkt.systems/kmdash/internal/ansichunk"
	"pkt.systems/kmdash/schema"
)

const defaultMaxLines = schema.DefaultBufferMaxLines

// LineBuffer reconstructs display lines from arbitrarily chunked output.
//
// A fragment starting with '\r' overwrites the last line. Otherwise the
// first newline-separated segment continues the last line and every further
// segment starts a new one. Only the newest maxLines lines are kept.
type LineBuffer struct {
	lines    []string
	maxLines int
}

// NewLineBuffer returns a buffer bounded to maxLines (default when <= 0).
func NewLineBuffer(maxLines int) *LineBuffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &LineBuffer{maxLines: maxLines}
}

// Append feeds one output fragment into the buffer.
func (b *LineBuffer) Append(fragment string) {
	if rest, ok := strings.CutPrefix(fragment, "\r"); ok {
		segments := strings.Split(rest, "\n")
		if len(b.lines) == 0 {
			b.lines = append(b.lines, segments[0])
		} else {
			b.lines[len(b.lines)-1] = segments[0]
		}
		b.lines = append(b.lines, segments[1:]...)
		b.trim()
		return
	}
	segments := strings.Split(fragment, "\n")
	if len(b.lines) == 0 {
		b.lines = append(b.lines, segments...)
	} else {
		b.lines[len(b.lines)-1] += segments[0]
		b.lines = append(b.lines, segments[1:]...)
	}
	b.trim()
}

// Replay feeds a stored transcript. Each '\r' in the transcript starts an
// overwrite of the current line, matching how the output was streamed.
func (b *LineBuffer) Replay(transcript string) {
	if transcript == "" {
		return
	}
	parts := strings.Split(transcript, "\r")
	b.Append(parts[0])
	for _, part := range parts[1:] {
		b.Append("\r" + part)
	}
}

// Reset clears all lines.
func (b *LineBuffer) Reset() {
	b.lines = nil
}

// Len returns the number of lines held.
func (b *LineBuffer) Len() int {
	return len(b.lines)
}

// Snapshot returns a copy of the lines in display order.
func (b *LineBuffer) Snapshot() []string {
	return append([]string(nil), b.lines...)
}

// Render returns the lines cut into rows of at most width visible cells.
func (b *LineBuffer) Render(width int) []string {
	rows := make([]string, 0, len(b.lines))
	for _, line := range b.lines {
		if ansichunk.Width(line) <= width && width > 0 {
			rows = append(rows, line)
			continue
		}
		segments := ansichunk.Split(line, width)
		// Split always emits a trailing segment; drop it when it holds nothing visible.
		if n := len(segments); n > 1 && ansichunk.Width(segments[n-1]) == 0 {
			segments[n-2] += segments[n-1]
			segments = segments[:n-1]
		}
		rows = append(rows, segments...)
	}
	return rows
}

func (b *LineBuffer) trim() {
	if len(b.lines) > b.maxLines {
		trim := len(b.lines) - b.maxLines
		b.lines = append([]string(nil), b.lines[trim:]...)
	}
}
