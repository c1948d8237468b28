package grid

import (
	"errors"
	"testing"
)

func TestValidatePositionBounds(t *testing.T) {
	valid := [][2]int{{0, 0}, {Rows - 1, Columns - 1}, {50, 82}}
	for _, position := range valid {
		if err := ValidatePosition(position[0], position[1]); err != nil {
			t.Fatalf("expected (%d,%d) to be valid: %v", position[0], position[1], err)
		}
	}
	invalid := [][2]int{{-1, 0}, {0, -1}, {Rows, 0}, {0, Columns}, {Rows, Columns}}
	for _, position := range invalid {
		if err := ValidatePosition(position[0], position[1]); !errors.Is(err, ErrInvalidPosition) {
			t.Fatalf("expected (%d,%d) to be rejected, got %v", position[0], position[1], err)
		}
	}
}

func TestValidateColorAcceptsClearAndPaletteRange(t *testing.T) {
	if err := ValidateColor(nil); err != nil {
		t.Fatalf("expected nil colour to clear: %v", err)
	}
	if err := ValidateColor(Color(0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateColor(Color(ColorCount - 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, candidate := range []int{-1, ColorCount, 255} {
		if err := ValidateColor(Color(candidate)); !errors.Is(err, ErrInvalidColor) {
			t.Fatalf("expected colour %d to be rejected, got %v", candidate, err)
		}
	}
}

func TestCellWriteValidateRequiresAuthor(t *testing.T) {
	write := CellWrite{Row: 1, Col: 2, ColorIndex: Color(3), AuthorUserID: "  "}
	if err := write.Validate(); !errors.Is(err, ErrInvalidAuthor) {
		t.Fatalf("expected missing author error, got %v", err)
	}
	write.AuthorUserID = "user-1"
	if err := write.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCellCoverage(t *testing.T) {
	if (Cell{}).IsCovered() {
		t.Fatalf("expected empty cell to be uncovered")
	}
	if !(Cell{ColorIndex: Color(7)}).IsCovered() {
		t.Fatalf("expected coloured cell to be covered")
	}
	if (Cell{Row: Rows, Col: 0}).InBounds() {
		t.Fatalf("expected row %d to be out of bounds", Rows)
	}
}
