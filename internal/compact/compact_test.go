package compact

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

func makeGrid(rows, cols int, withHeaders bool) grid.Grid {
	g := make(grid.Grid, rows)
	for r := range g {
		g[r] = make([]string, cols)
		for c := range g[r] {
			if withHeaders && r == 0 {
				g[r][c] = fmt.Sprintf("Col%d", c+1)
				continue
			}
			g[r][c] = fmt.Sprintf("%d", (r+1)*100+c)
		}
	}
	return g
}

func TestRenderSmallGridIncludesEveryCell(t *testing.T) {
	g := makeGrid(10, 3, true)
	out := Render(g, Options{})

	assert.Equal(t, 30, strings.Count(out, "</"))
	assert.NotContains(t, out, "omitted")
	assert.Contains(t, out, "<A1>Col1</A1>")
	assert.Contains(t, out, "<C10>1002</C10>")
}

func TestRenderIsDeterministic(t *testing.T) {
	g := makeGrid(40, 30, true) // 1200 cells, above threshold
	first := Render(g, Options{})
	second := Render(g, Options{})
	assert.Equal(t, first, second)
	assert.Contains(t, first, "omitted")
}

func TestRenderOversizedGridSamples(t *testing.T) {
	g := makeGrid(1000, 2, true)
	out := Render(g, Options{})

	lines := strings.Split(out, "\n")
	// header + 2 first + 6 middle + annotation + 2 last
	require.Len(t, lines, 12)
	assert.Contains(t, out, "<A1>Col1</A1>")
	assert.Contains(t, out, "<A2>200</A2>")
	assert.Contains(t, out, "<A3>300</A3>")
	assert.Contains(t, out, "<A999>99900</A999>")
	assert.Contains(t, out, "<A1000>100000</A1000>")
	assert.Contains(t, out, "[989 rows omitted from the interior]")
}

func TestRenderRespectsMaxCellsOverride(t *testing.T) {
	g := makeGrid(30, 2, false) // 60 cells
	full := Render(g, Options{})
	assert.NotContains(t, full, "omitted")

	sampled := Render(g, Options{MaxCells: 10})
	assert.Contains(t, sampled, "omitted")
}

func TestRenderColumnKeepsOriginalLetter(t *testing.T) {
	sheet := makeGrid(5, 6, false)
	col := sheet.Column(5)
	out := Render(col, Options{ColumnLetter: "F"})

	for row := 1; row <= 5; row++ {
		assert.Contains(t, out, fmt.Sprintf("<F%d>", row))
	}
	assert.NotContains(t, out, "<A1>")
}

func TestRenderStartOffset(t *testing.T) {
	g := grid.Grid{{"x", "y"}, {"z", ""}}
	out := Render(g, Options{Start: grid.Ref{Column: 2, Row: 10}})
	assert.Contains(t, out, "<C10>x</C10>")
	assert.Contains(t, out, "<D10>y</D10>")
	assert.Contains(t, out, "<C11>z</C11>")
}

func TestRenderElidesTrailingEmpties(t *testing.T) {
	g := grid.Grid{
		{"a", ""},
		{"", ""},
	}
	out := Render(g, Options{})
	assert.Equal(t, "<A1>a</A1>", out)
}

func TestParseOutputCSV(t *testing.T) {
	anchor := grid.Ref{Column: 1, Row: 5} // B5
	edits := ParseOutput("name,total\nwidgets,12\n", anchor)
	require.Len(t, edits, 4)
	assert.Equal(t, grid.CellEdit{Target: "B5", Formula: "name"}, edits[0])
	assert.Equal(t, grid.CellEdit{Target: "C5", Formula: "total"}, edits[1])
	assert.Equal(t, grid.CellEdit{Target: "B6", Formula: "widgets"}, edits[2])
	assert.Equal(t, grid.CellEdit{Target: "C6", Formula: "12"}, edits[3])
}

func TestParseOutputSkipsBlankLines(t *testing.T) {
	edits := ParseOutput("a\tb\n\n\nc\td\n", grid.Ref{Column: 0, Row: 1})
	require.Len(t, edits, 4)
	assert.Equal(t, "A2", edits[2].Target)
	assert.Equal(t, "c", edits[2].Formula)
}

func TestParseOutputWhitespaceFallback(t *testing.T) {
	edits := ParseOutput("alpha   42", grid.Ref{Column: 0, Row: 1})
	require.Len(t, edits, 2)
	assert.Equal(t, "A1", edits[0].Target)
	assert.Equal(t, "B1", edits[1].Target)
	assert.Equal(t, "42", edits[1].Formula)
}

func TestParseOutputQuotedComma(t *testing.T) {
	edits := ParseOutput(`"a, b",2`, grid.Ref{Column: 0, Row: 1})
	require.Len(t, edits, 2)
	assert.Equal(t, "a, b", edits[0].Formula)
}
