package compact

import (
	"encoding/csv"
	"strings"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

// ParseOutput structures free-text tabular output (typically sandbox stdout)
// into cell edits anchored at the given start cell. Comma-separated lines
// are parsed as CSV; otherwise tabs, then runs of whitespace, delimit
// columns. Blank lines are skipped without advancing the target row.
func ParseOutput(output string, anchor grid.Ref) []grid.CellEdit {
	var edits []grid.CellEdit
	rowOffset := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		for colOffset, field := range splitFields(line) {
			target := anchor.Offset(colOffset, rowOffset)
			edits = append(edits, grid.CellEdit{
				Target:  target.String(),
				Formula: field,
			})
		}
		rowOffset++
	}
	return edits
}

func splitFields(line string) []string {
	if strings.Contains(line, ",") {
		reader := csv.NewReader(strings.NewReader(line))
		reader.TrimLeadingSpace = true
		if fields, err := reader.Read(); err == nil {
			return fields
		}
	}
	if strings.Contains(line, "\t") {
		fields := strings.Split(line, "\t")
		for i, field := range fields {
			fields[i] = strings.TrimSpace(field)
		}
		return fields
	}
	return strings.Fields(line)
}
