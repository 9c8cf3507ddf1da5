package grid

import (
	"strconv"
	"strings"
)

// Grid is a rectangular slice of sheet data. Cells are raw display strings;
// formula evaluation belongs to the host, not the engine.
type Grid [][]string

// CellEdit is one proposed cell update. Immutable once emitted; the host
// applies or discards it.
type CellEdit struct {
	Target  string `json:"target"`
	Formula string `json:"formula"`
	Sheet   string `json:"sheet,omitempty"`
}

// NonEmptyCount returns the number of cells holding a non-blank value.
func (g Grid) NonEmptyCount() int {
	count := 0
	for _, row := range g {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				count++
			}
		}
	}
	return count
}

// TrimTrailing drops trailing rows that are entirely empty and, per row,
// trailing empty cells. Leading and interior empties are preserved so cell
// addresses stay stable.
func (g Grid) TrimTrailing() Grid {
	last := len(g)
	for last > 0 && rowEmpty(g[last-1]) {
		last--
	}
	out := make(Grid, last)
	for i := 0; i < last; i++ {
		row := g[i]
		end := len(row)
		for end > 0 && strings.TrimSpace(row[end-1]) == "" {
			end--
		}
		out[i] = row[:end]
	}
	return out
}

// Column extracts a single 0-based column as a vertical grid.
func (g Grid) Column(index int) Grid {
	out := make(Grid, 0, len(g))
	for _, row := range g {
		if index < len(row) {
			out = append(out, []string{row[index]})
		} else {
			out = append(out, []string{""})
		}
	}
	return out
}

// ToCSV renders the grid as RFC-4180ish CSV for the sandbox runtime.
func (g Grid) ToCSV() string {
	var b strings.Builder
	for _, row := range g {
		for i, cell := range row {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(escapeCSV(cell))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func escapeCSV(value string) string {
	if strings.ContainsAny(value, ",\"\n\r") {
		return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
	return value
}

func rowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// CellKind classifies a cell value for the header heuristics.
type CellKind int

const (
	KindEmpty CellKind = iota
	KindNumber
	KindText
)

func Classify(value string) CellKind {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return KindEmpty
	}
	if _, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64); err == nil {
		return KindNumber
	}
	return KindText
}
