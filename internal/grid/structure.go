package grid

import "strings"

// StructureSummary describes the shape of a sheet without its full contents.
// Phase 1 sends this to the model instead of cell data.
type StructureSummary struct {
	RowCount      int      `json:"rowCount"`
	ColumnCount   int      `json:"columnCount"`
	NonEmptyCells int      `json:"nonEmptyCells"`
	ColumnLabels  []string `json:"columnLabels,omitempty"`
	HasHeaders    bool     `json:"hasHeaders"`
	Tables        []Table  `json:"tables,omitempty"`
}

// Table is a detected contiguous data block.
type Table struct {
	Range      string `json:"range"`
	RowCount   int    `json:"rowCount"`
	HasHeaders bool   `json:"hasHeaders"`
}

// Summarize builds a StructureSummary from raw sheet data.
func Summarize(g Grid) StructureSummary {
	trimmed := g.TrimTrailing()
	summary := StructureSummary{
		RowCount:      len(trimmed),
		NonEmptyCells: trimmed.NonEmptyCount(),
	}
	for _, row := range trimmed {
		if len(row) > summary.ColumnCount {
			summary.ColumnCount = len(row)
		}
	}
	summary.HasHeaders = HasHeaderRow(trimmed)
	if summary.HasHeaders && len(trimmed) > 0 {
		labels := make([]string, 0, len(trimmed[0]))
		for _, cell := range trimmed[0] {
			labels = append(labels, strings.TrimSpace(cell))
		}
		summary.ColumnLabels = labels
	}
	summary.Tables = detectTables(trimmed)
	return summary
}

// HasHeaderRow reports whether the first row looks like column headers:
// either it is string-typed across more than 70% of its non-empty cells, or
// more than half of its cells differ in kind from the row below.
func HasHeaderRow(g Grid) bool {
	if len(g) < 2 || len(g[0]) == 0 {
		return false
	}
	first := g[0]
	second := g[1]

	compared := 0
	textCells := 0
	for _, cell := range first {
		kind := Classify(cell)
		if kind == KindEmpty {
			continue
		}
		compared++
		if kind == KindText {
			textCells++
		}
	}
	if compared > 0 && float64(textCells)/float64(compared) > 0.7 {
		return true
	}

	differing := 0
	pairs := 0
	for i, cell := range first {
		var below string
		if i < len(second) {
			below = second[i]
		}
		firstKind := Classify(cell)
		belowKind := Classify(below)
		if firstKind == KindEmpty && belowKind == KindEmpty {
			continue
		}
		pairs++
		if firstKind != belowKind {
			differing++
		}
	}
	return pairs > 0 && float64(differing)/float64(pairs) > 0.5
}

// detectTables finds vertically contiguous runs of non-empty rows and
// reports each as a table candidate anchored at its bounding range.
func detectTables(g Grid) []Table {
	var tables []Table
	start := -1
	maxCol := 0
	flush := func(end int) {
		if start < 0 {
			return
		}
		block := Range{
			Start: Ref{Column: 0, Row: start + 1},
			End:   Ref{Column: maxCol, Row: end},
		}
		sub := make(Grid, 0, end-start)
		for i := start; i < end; i++ {
			sub = append(sub, g[i])
		}
		tables = append(tables, Table{
			Range:      block.String(),
			RowCount:   end - start,
			HasHeaders: HasHeaderRow(sub),
		})
		start = -1
		maxCol = 0
	}
	for i, row := range g {
		if rowEmpty(row) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
		if len(row)-1 > maxCol {
			maxCol = len(row) - 1
		}
	}
	flush(len(g))
	return tables
}
