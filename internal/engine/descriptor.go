package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PragmaticMachineLearning/probly/internal/grid"
)

const descriptorSchemaVersion = 1

// Selection kinds. The descriptor is a tagged union: exactly the fields for
// its kind are meaningful.
const (
	SelectionRange  = "range"
	SelectionColumn = "column"
	SelectionRow    = "row"
	SelectionTable  = "table"
	SelectionSearch = "search"
)

// DataSelectionDescriptor is phase 1's output: which data subset the model
// wants, threaded back into phase 2 by the caller alongside the resolved
// slice.
type DataSelectionDescriptor struct {
	SchemaVersion int    `json:"schema_version"`
	Kind          string `json:"kind"`
	Range         string `json:"range,omitempty"`
	Column        string `json:"column,omitempty"`
	Row           int    `json:"row,omitempty"`
	TableAnchor   string `json:"table_anchor,omitempty"`
	HasHeaders    bool   `json:"has_headers,omitempty"`
	SearchTerm    string `json:"search_term,omitempty"`
	AnalysisType  string `json:"analysis_type,omitempty"`
	Rationale     string `json:"rationale,omitempty"`
	Fallback      bool   `json:"fallback"`
}

// fallbackDescriptor is the degraded phase-1 result: a bounded default window
// and a summary analysis. Selection failure is never fatal.
func fallbackDescriptor(defaultRange, reason string) DataSelectionDescriptor {
	return DataSelectionDescriptor{
		SchemaVersion: descriptorSchemaVersion,
		Kind:          SelectionRange,
		Range:         defaultRange,
		AnalysisType:  "summary",
		Rationale:     "Using a default selection: " + reason,
		Fallback:      true,
	}
}

// parseDescriptorArgs turns the select_data tool arguments into a validated
// descriptor. Any shape problem is an error for the caller to map to the
// fallback; it never panics on model output.
func parseDescriptorArgs(rawArguments string) (DataSelectionDescriptor, error) {
	var desc DataSelectionDescriptor
	if err := json.Unmarshal([]byte(rawArguments), &desc); err != nil {
		return DataSelectionDescriptor{}, fmt.Errorf("selection arguments are not valid JSON: %w", err)
	}
	desc.SchemaVersion = descriptorSchemaVersion
	desc.Kind = strings.ToLower(strings.TrimSpace(desc.Kind))
	switch desc.Kind {
	case SelectionRange:
		if _, err := grid.ParseRange(desc.Range); err != nil {
			return DataSelectionDescriptor{}, fmt.Errorf("invalid range %q: %w", desc.Range, err)
		}
	case SelectionColumn:
		if _, err := grid.ColumnIndex(desc.Column); err != nil {
			return DataSelectionDescriptor{}, fmt.Errorf("invalid column %q: %w", desc.Column, err)
		}
		desc.Column = strings.ToUpper(strings.TrimSpace(desc.Column))
	case SelectionRow:
		if desc.Row < 1 {
			return DataSelectionDescriptor{}, fmt.Errorf("invalid row %d", desc.Row)
		}
	case SelectionTable:
		if _, err := grid.ParseRef(desc.TableAnchor); err != nil {
			return DataSelectionDescriptor{}, fmt.Errorf("invalid table anchor %q: %w", desc.TableAnchor, err)
		}
	case SelectionSearch:
		if strings.TrimSpace(desc.SearchTerm) == "" {
			return DataSelectionDescriptor{}, fmt.Errorf("empty search term")
		}
	default:
		return DataSelectionDescriptor{}, fmt.Errorf("unknown selection kind %q", desc.Kind)
	}
	return desc, nil
}
