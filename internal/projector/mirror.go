package projector

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/feed"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
)

// Mirror is a dense in-memory copy of the grid. Stored cells are never mutated in place,
// so clones may share them.
type Mirror struct {
	slots  [grid.Rows][grid.Columns]*grid.Cell
	filled int
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{}
}

// Load replaces the mirror contents with a snapshot. Uncovered cells leave their slot empty.
func (m *Mirror) Load(cells []grid.Cell) {
	m.slots = [grid.Rows][grid.Columns]*grid.Cell{}
	m.filled = 0
	for index := range cells {
		m.set(cells[index])
	}
}

// Apply patches the mirror with one change event and reports whether a slot changed.
// Events for other tables, undecodable images and out-of-bounds positions are ignored.
func (m *Mirror) Apply(event feed.Event) bool {
	if event.Table != grid.TableName {
		return false
	}
	switch event.Kind {
	case feed.KindDelete:
		var old grid.Cell
		if len(event.Old) == 0 || json.Unmarshal(event.Old, &old) != nil {
			return false
		}
		return m.clear(old.Row, old.Col)
	case feed.KindInsert, feed.KindUpdate:
		var cell grid.Cell
		if len(event.New) == 0 || json.Unmarshal(event.New, &cell) != nil {
			return false
		}
		return m.set(cell)
	default:
		return false
	}
}

// Cell returns the covered cell at (row, col).
func (m *Mirror) Cell(row, col int) (grid.Cell, bool) {
	if grid.ValidatePosition(row, col) != nil {
		return grid.Cell{}, false
	}
	slot := m.slots[row][col]
	if slot == nil {
		return grid.Cell{}, false
	}
	return *slot, true
}

// Filled counts covered slots.
func (m *Mirror) Filled() int {
	return m.filled
}

// Cells lists covered cells in row-major order.
func (m *Mirror) Cells() []grid.Cell {
	out := make([]grid.Cell, 0, m.filled)
	for row := range m.slots {
		for col := range m.slots[row] {
			if slot := m.slots[row][col]; slot != nil {
				out = append(out, *slot)
			}
		}
	}
	return out
}

// Clone returns an independent copy.
func (m *Mirror) Clone() *Mirror {
	clone := *m
	return &clone
}

type mirrorExport struct {
	Rows    int         `json:"rows"`
	Columns int         `json:"columns"`
	Filled  int         `json:"filled"`
	Cells   []grid.Cell `json:"cells"`
}

// Export renders the mirror as indented JSON.
func (m *Mirror) Export() ([]byte, error) {
	return json.MarshalIndent(mirrorExport{
		Rows:    grid.Rows,
		Columns: grid.Columns,
		Filled:  m.filled,
		Cells:   m.Cells(),
	}, "", "  ")
}

func (m *Mirror) set(cell grid.Cell) bool {
	if !cell.InBounds() {
		return false
	}
	if cell.ColorIndex == nil {
		return m.clear(cell.Row, cell.Col)
	}
	stored := cell
	if m.slots[cell.Row][cell.Col] == nil {
		m.filled++
	}
	m.slots[cell.Row][cell.Col] = &stored
	return true
}

func (m *Mirror) clear(row, col int) bool {
	if grid.ValidatePosition(row, col) != nil {
		return false
	}
	if m.slots[row][col] == nil {
		return false
	}
	m.slots[row][col] = nil
	m.filled--
	return true
}
