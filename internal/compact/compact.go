// Package compact renders tabular data into a bounded, model-consumable
// string without losing cell addressability, and structures sandbox output
// back into cell edits.
package compact

import (
	"fmt"
	"strings"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

const (
	// DefaultMaxCells is the non-empty-cell count above which rendering
	// switches to a representative sample.
	DefaultMaxCells = 500
	// leading/trailing data rows always included in a sample.
	sampleEdgeRows = 2
	// evenly spaced interior rows included in a sample.
	sampleMiddleRows = 6
)

// Options controls one rendering pass.
type Options struct {
	// MaxCells overrides DefaultMaxCells when positive.
	MaxCells int
	// Start anchors the grid's top-left cell in sheet coordinates. The
	// zero value anchors at A1.
	Start grid.Ref
	// ColumnLetter, when set, renders a single-column projection using the
	// original column letter so references survive the projection.
	ColumnLetter string
}

// Render produces the tagged-cell representation of a grid. Every non-empty
// cell is wrapped as <B3>value</B3>; trailing empty rows and cells are
// elided. Output is deterministic for identical input.
func Render(g grid.Grid, opts Options) string {
	maxCells := opts.MaxCells
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}
	trimmed := g.TrimTrailing()
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed.NonEmptyCount() <= maxCells {
		return renderRows(trimmed, allRows(len(trimmed)), opts)
	}
	return renderSample(trimmed, opts)
}

func allRows(n int) []int {
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	return rows
}

// renderSample keeps the header row when one is detected, the first and last
// data rows, and an evenly spaced subset in between, with an explicit count
// of everything omitted.
func renderSample(g grid.Grid, opts Options) string {
	dataStart := 0
	var headerRows []int
	if grid.HasHeaderRow(g) {
		headerRows = []int{0}
		dataStart = 1
	}
	dataRows := len(g) - dataStart
	if dataRows <= sampleEdgeRows*2+sampleMiddleRows {
		return renderRows(g, allRows(len(g)), opts)
	}

	included := append([]int{}, headerRows...)
	for i := 0; i < sampleEdgeRows; i++ {
		included = append(included, dataStart+i)
	}
	middleStart := dataStart + sampleEdgeRows
	middleLen := dataRows - sampleEdgeRows*2
	for i := 1; i <= sampleMiddleRows; i++ {
		included = append(included, middleStart+i*middleLen/(sampleMiddleRows+1))
	}
	for i := sampleEdgeRows; i > 0; i-- {
		included = append(included, len(g)-i)
	}

	omitted := len(g) - len(included)
	head := renderRows(g, included[:len(included)-sampleEdgeRows], opts)
	tail := renderRows(g, included[len(included)-sampleEdgeRows:], opts)
	// The omitted rows are interleaved between the sampled interior rows,
	// so the annotation says so rather than implying one contiguous gap.
	return head + "\n" + fmt.Sprintf("[%d rows omitted from the interior]", omitted) + "\n" + tail
}

func renderRows(g grid.Grid, rows []int, opts Options) string {
	var lines []string
	for _, r := range rows {
		line := renderRow(g[r], r, opts)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func renderRow(row []string, index int, opts Options) string {
	var b strings.Builder
	for c, cell := range row {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		ref := cellRef(index, c, opts)
		b.WriteString("<")
		b.WriteString(ref)
		b.WriteString(">")
		b.WriteString(cell)
		b.WriteString("</")
		b.WriteString(ref)
		b.WriteString(">")
	}
	return b.String()
}

func cellRef(rowIndex, colIndex int, opts Options) string {
	row := opts.Start.Row
	if row < 1 {
		row = 1
	}
	row += rowIndex
	if opts.ColumnLetter != "" {
		return strings.ToUpper(opts.ColumnLetter) + fmt.Sprint(row)
	}
	return grid.ColumnLetter(opts.Start.Column+colIndex) + fmt.Sprint(row)
}
