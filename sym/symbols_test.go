package sym

import (
	"testing"
	"unicode/utf8"
)

func TestStageSymbolsAreSingleGlyphs(t *testing.T) {
	for stage, glyph := range StageSymbols {
		if utf8.RuneCountInString(glyph) != 1 {
			t.Errorf("symbol for %q should be a single rune, got %q", stage, glyph)
		}
	}
}

func TestForStage(t *testing.T) {
	if got := ForStage("building"); got != Building {
		t.Errorf("ForStage(building) = %q, want %q", got, Building)
	}
	if got := ForStage("nope"); got != Scheduler {
		t.Errorf("ForStage(unknown) = %q, want %q", got, Scheduler)
	}
}
