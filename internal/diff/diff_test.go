package diff

import (
	"strings"
	"testing"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

func TestCellDiffClassifiesLines(t *testing.T) {
	before := "A1: 1\nA2: 2\nA3: 3\n"
	after := "A1: 1\nA2: 20\nA3: 3\n"
	lines := CellDiff(before, after)

	var added, removed, context int
	for _, line := range lines {
		switch line.Type {
		case LineAdded:
			added++
			if line.Text != "A2: 20" {
				t.Errorf("unexpected added line %q", line.Text)
			}
		case LineRemoved:
			removed++
		case LineContext:
			context++
		}
	}
	if added != 1 || removed != 1 || context != 2 {
		t.Fatalf("added=%d removed=%d context=%d", added, removed, context)
	}
}

func TestEditSummaryCountsAndTargets(t *testing.T) {
	before := map[string]string{"A1": "1", "B1": "2"}
	edits := []grid.CellEdit{
		{Target: "A1", Formula: "10"},
		{Target: "B1", Formula: "20"},
	}
	summary := EditSummary(before, edits)
	if !strings.HasPrefix(summary, "Updated 2 cells (A1, B1).") {
		t.Fatalf("summary = %q", summary)
	}
	if !strings.Contains(summary, "A1: 10") || !strings.Contains(summary, "B1: 20") {
		t.Fatalf("summary missing changed lines: %q", summary)
	}
}

func TestEditSummarySingleCell(t *testing.T) {
	summary := EditSummary(nil, []grid.CellEdit{{Target: "C3", Formula: "=SUM(A1:A5)"}})
	if !strings.HasPrefix(summary, "Updated 1 cell (C3).") {
		t.Fatalf("summary = %q", summary)
	}
}

func TestEditSummaryCompressesManyTargets(t *testing.T) {
	edits := []grid.CellEdit{
		{Target: "A1", Formula: "1"},
		{Target: "A2", Formula: "2"},
		{Target: "A3", Formula: "3"},
		{Target: "A4", Formula: "4"},
	}
	summary := EditSummary(nil, edits)
	if !strings.Contains(summary, "A1..A4") {
		t.Fatalf("summary = %q", summary)
	}
}

func TestEditSummaryEmpty(t *testing.T) {
	if got := EditSummary(nil, nil); got != "No cells updated." {
		t.Fatalf("got %q", got)
	}
}
