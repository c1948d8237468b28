package grid

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Rows is the number of addressable grid rows.
	Rows = 100
	// Columns is the number of addressable grid columns.
	Columns = 165
	// ColorCount is the size of the colour palette; valid indexes are [0, ColorCount).
	ColorCount = 32
	// TableName names the table backing grid cells and the change feed channel for them.
	TableName = "grid_cells"
)

var (
	// ErrInvalidPosition indicates row/col fall outside the grid.
	ErrInvalidPosition = errors.New("grid: invalid position")
	// ErrInvalidColor indicates a colour index outside the palette.
	ErrInvalidColor = errors.New("grid: invalid color index")
	// ErrInvalidAuthor indicates a write without an author identifier.
	ErrInvalidAuthor = errors.New("grid: invalid author")
)

// Cell is the persisted state of one grid position. A nil ColorIndex means uncovered.
type Cell struct {
	Row             int    `gorm:"column:row_index;primaryKey;autoIncrement:false" json:"row"`
	Col             int    `gorm:"column:col_index;primaryKey;autoIncrement:false" json:"col"`
	ColorIndex      *int   `gorm:"column:color_index" json:"color_index"`
	AuthorUserID    string `gorm:"column:author_user_id;size:190;not null" json:"author_user_id"`
	AuthorUsername  string `gorm:"column:author_username;size:320;not null;default:''" json:"author_username"`
	WrittenAtMillis int64  `gorm:"column:written_at_ms;not null;index:idx_grid_cells_written" json:"written_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Cell) TableName() string {
	return TableName
}

// IsCovered reports whether the cell carries a colour.
func (c Cell) IsCovered() bool {
	return c.ColorIndex != nil
}

// CellWrite describes a single upsert keyed on (Row, Col).
type CellWrite struct {
	Row            int
	Col            int
	ColorIndex     *int
	AuthorUserID   string
	AuthorUsername string
}

// Color returns a pointer to the provided colour index.
func Color(index int) *int {
	value := index
	return &value
}

// ValidatePosition checks 0 <= row < Rows and 0 <= col < Columns.
func ValidatePosition(row, col int) error {
	if row < 0 || row >= Rows {
		return fmt.Errorf("%w: row %d outside [0,%d)", ErrInvalidPosition, row, Rows)
	}
	if col < 0 || col >= Columns {
		return fmt.Errorf("%w: col %d outside [0,%d)", ErrInvalidPosition, col, Columns)
	}
	return nil
}

// ValidateColor accepts nil (clear) or an index within the palette.
func ValidateColor(colorIndex *int) error {
	if colorIndex == nil {
		return nil
	}
	if *colorIndex < 0 || *colorIndex >= ColorCount {
		return fmt.Errorf("%w: %d outside [0,%d)", ErrInvalidColor, *colorIndex, ColorCount)
	}
	return nil
}

// Validate checks the write's position, colour and author.
func (w CellWrite) Validate() error {
	if err := ValidatePosition(w.Row, w.Col); err != nil {
		return err
	}
	if err := ValidateColor(w.ColorIndex); err != nil {
		return err
	}
	if strings.TrimSpace(w.AuthorUserID) == "" {
		return ErrInvalidAuthor
	}
	return nil
}

// InBounds reports whether the cell's position lies within the grid.
func (c Cell) InBounds() bool {
	return ValidatePosition(c.Row, c.Col) == nil
}
