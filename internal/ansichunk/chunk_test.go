package ansichunk

import (
	"strings"
	"testing"
)

func TestSplitKeepsEscapesAtomic(t *testing.T) {
	input := "\x1b[31mHELLO\x1b[0m"
	got := Split(input, 3)
	want := []string{"\x1b[31mHEL", "LO\x1b[0m"}
	if len(got) != len(want) {
		t.Fatalf("expected %d segments, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if strings.Join(got, "") != input {
		t.Fatalf("segments do not reproduce input: %q", got)
	}
	for _, seg := range got {
		if strings.Count(seg, "\x1b[") != strings.Count(seg, "m") {
			t.Fatalf("escape split across segments: %q", got)
		}
	}
}

func TestSplitEmitsTrailingSegment(t *testing.T) {
	got := Split("abcdef", 3)
	if len(got) != 3 || got[0] != "abc" || got[1] != "def" || got[2] != "" {
		t.Fatalf("unexpected segments %q", got)
	}
	empty := Split("", 10)
	if len(empty) != 1 || empty[0] != "" {
		t.Fatalf("expected single empty segment, got %q", empty)
	}
}

func TestSplitEscapesDoNotCountTowardWidth(t *testing.T) {
	input := "\x1b[1m\x1b[32mab\x1b[0mcd"
	got := Split(input, 4)
	if got[0] != "\x1b[1m\x1b[32mab\x1b[0mcd" {
		t.Fatalf("expected one full segment first, got %q", got)
	}
	for _, seg := range got {
		if w := Width(seg); w > 4 {
			t.Fatalf("segment %q exceeds width: %d", seg, w)
		}
	}
}

func TestSplitDefaultsWidth(t *testing.T) {
	line := strings.Repeat("x", 200)
	got := Split(line, 0)
	if len(got) != 3 || Width(got[0]) != DefaultWidth || Width(got[2]) != 40 {
		t.Fatalf("unexpected default split widths: %d segments", len(got))
	}
}

func TestSplitWideGraphemesStayWhole(t *testing.T) {
	got := Split("a漢字", 2)
	if strings.Join(got, "") != "a漢字" {
		t.Fatalf("segments do not reproduce input: %q", got)
	}
	for _, seg := range got {
		if Width(seg) > 2 {
			t.Fatalf("segment %q exceeds width", seg)
		}
	}
}
