// Package diff produces human-readable summaries of proposed cell changes,
// built on diffmatchpatch line diffs.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

type Line struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

// CellDiff diffs two "ref: value" renderings line by line.
func CellDiff(before, after string) []Line {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	for _, d := range diffs {
		chunk := strings.Split(d.Text, "\n")
		if len(chunk) > 0 && chunk[len(chunk)-1] == "" {
			chunk = chunk[:len(chunk)-1]
		}
		for _, text := range chunk {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: text})
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: text})
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: text})
			}
		}
	}
	return lines
}

// EditSummary renders a short human-readable summary of cell edits against
// the previous values. Unchanged targets are dropped; the summary leads
// with an update count so response text and structured edits stay in step.
func EditSummary(before map[string]string, edits []grid.CellEdit) string {
	if len(edits) == 0 {
		return "No cells updated."
	}
	beforeLines := make([]string, 0, len(edits))
	afterLines := make([]string, 0, len(edits))
	targets := make([]string, 0, len(edits))
	for _, edit := range edits {
		targets = append(targets, edit.Target)
		beforeLines = append(beforeLines, edit.Target+": "+before[edit.Target])
		afterLines = append(afterLines, edit.Target+": "+edit.Formula)
	}

	var changed []string
	for _, line := range CellDiff(strings.Join(beforeLines, "\n")+"\n", strings.Join(afterLines, "\n")+"\n") {
		if line.Type == LineAdded {
			changed = append(changed, line.Text)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Updated %d cell%s (%s).", len(edits), plural(len(edits)), targetSpan(targets))
	if len(changed) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(changed, "\n"))
	}
	return b.String()
}

// targetSpan compresses a target list into "A1..C3" when more than three
// cells are touched.
func targetSpan(targets []string) string {
	if len(targets) <= 3 {
		return strings.Join(targets, ", ")
	}
	sorted := append([]string{}, targets...)
	sort.Strings(sorted)
	return sorted[0] + ".." + sorted[len(sorted)-1]
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
