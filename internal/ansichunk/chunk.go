// Package ansichunk splits ANSI-decorated strings into fixed-width segments.
package ansichunk

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// DefaultWidth is the visible width used when a non-positive width is given.
const DefaultWidth = 80

// Split cuts s into segments of at most width visible cells.
//
// Escape sequences are copied whole into the current segment and occupy no
// cells. A segment closes as soon as its visible width reaches width, and the
// trailing segment is always emitted, so the result is never empty and
// strings.Join(Split(s, w), "") == s.
//
// Split does not carry active styles across segments: a color opened in one
// segment and closed in a later one leaves the middle segments unstyled when
// rendered in isolation.
func Split(s string, width int) []string {
	if width <= 0 {
		width = DefaultWidth
	}
	var (
		segments []string
		current  strings.Builder
		visible  int
		state    byte
	)
	flush := func() {
		segments = append(segments, current.String())
		current.Reset()
		visible = 0
	}
	remaining := s
	for len(remaining) > 0 {
		seq, cells, n, newState := ansi.DecodeSequence(remaining, state, nil)
		state = newState
		if n <= 0 {
			// Never stall on an undecodable byte; copy it as a control.
			seq, n = remaining[:1], 1
			cells = 0
		}
		remaining = remaining[n:]
		if cells == 0 {
			current.WriteString(seq)
			continue
		}
		// Wide graphemes never straddle a boundary.
		if visible > 0 && visible+cells > width {
			flush()
		}
		current.WriteString(seq)
		visible += cells
		if visible >= width {
			flush()
		}
	}
	segments = append(segments, current.String())
	return segments
}

// Width reports the visible cell width of s, ignoring escape sequences.
func Width(s string) int {
	return ansi.StringWidth(s)
}
