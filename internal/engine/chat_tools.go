package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PragmaticMachineLearning/probly/internal/compact"
	"github.com/PragmaticMachineLearning/probly/internal/diff"
	"github.com/PragmaticMachineLearning/probly/internal/grid"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

const (
	toolSelectData       = "select_data"
	toolAnalyzeStructure = "analyze_structure"
	toolSetCells         = "set_cells"
	toolCreateChart      = "create_chart"
	toolExecuteCode      = "execute_code"
	toolDocumentExtract  = "document_extract"
	toolSheetAdd         = "sheet_add"
	toolSheetRemove      = "sheet_remove"
	toolSheetRename      = "sheet_rename"
	toolSheetClear       = "sheet_clear"
	toolSheetInfo        = "sheet_info"
)

var chartTypes = map[string]bool{
	"line":    true,
	"bar":     true,
	"pie":     true,
	"scatter": true,
}

type setCellsArgs struct {
	Edits []grid.CellEdit `json:"edits"`
}

type createChartArgs struct {
	Type  string     `json:"type"`
	Title string     `json:"title"`
	Data  [][]string `json:"data"`
}

type executeCodeArgs struct {
	Code string `json:"code"`
}

type documentExtractArgs struct {
	Instructions string `json:"instructions"`
}

type sheetOpArgs struct {
	Sheet   string `json:"sheet"`
	NewName string `json:"new_name"`
}

// ToolInvocation is the typed form of one model-proposed tool call, parsed
// once at the dispatch boundary. Exactly one variant pointer is set; a parse
// failure sets ParseErr instead and dispatch substitutes the tool's fallback.
type ToolInvocation struct {
	Name            string
	CallID          string
	SelectData      *DataSelectionDescriptor
	SetCells        *setCellsArgs
	CreateChart     *createChartArgs
	ExecuteCode     *executeCodeArgs
	DocumentExtract *documentExtractArgs
	Sheet           *sheetOpArgs
	ParseErr        error
}

func parseToolInvocation(call llm.ToolCall) ToolInvocation {
	inv := ToolInvocation{Name: call.Function.Name, CallID: call.ID}
	raw := call.Function.Arguments
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	fail := func(err error) ToolInvocation {
		inv.ParseErr = err
		return inv
	}
	switch call.Function.Name {
	case toolSelectData:
		desc, err := parseDescriptorArgs(raw)
		if err != nil {
			return fail(err)
		}
		inv.SelectData = &desc
	case toolAnalyzeStructure:
		// No arguments.
	case toolSetCells:
		var args setCellsArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(err)
		}
		if len(args.Edits) == 0 {
			return fail(fmt.Errorf("no edits provided"))
		}
		for _, edit := range args.Edits {
			if _, err := grid.ParseRef(edit.Target); err != nil {
				return fail(fmt.Errorf("invalid target %q: %w", edit.Target, err))
			}
		}
		inv.SetCells = &args
	case toolCreateChart:
		var args createChartArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(err)
		}
		args.Type = strings.ToLower(strings.TrimSpace(args.Type))
		if !chartTypes[args.Type] {
			return fail(fmt.Errorf("unsupported chart type %q", args.Type))
		}
		if len(args.Data) < 2 || len(args.Data[0]) == 0 {
			return fail(fmt.Errorf("chart data must be a non-empty 2D array with a header row"))
		}
		inv.CreateChart = &args
	case toolExecuteCode:
		var args executeCodeArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(err)
		}
		if strings.TrimSpace(args.Code) == "" {
			return fail(fmt.Errorf("empty code"))
		}
		inv.ExecuteCode = &args
	case toolDocumentExtract:
		var args documentExtractArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(err)
		}
		inv.DocumentExtract = &args
	case toolSheetAdd, toolSheetRemove, toolSheetRename, toolSheetClear, toolSheetInfo:
		var args sheetOpArgs
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fail(err)
		}
		inv.Sheet = &args
	default:
		return fail(fmt.Errorf("unknown tool %q", call.Function.Name))
	}
	return inv
}

// ToolResult is a validated handler outcome: response text plus at most one
// structured payload. It is never partially valid.
type ToolResult struct {
	Response  string
	Updates   []grid.CellEdit
	Chart     *ChartSpec
	SheetOp   *SheetOperation
	Structure *grid.StructureSummary
	Trace     *AnalysisTrace
	Err       string
}

// dispatchContext carries the turn-scoped inputs tool handlers need.
type dispatchContext struct {
	data           grid.Grid
	dataStart      grid.Ref
	anchor         grid.Ref
	document       *documentPayload
	activeSheet    string
	sandboxTimeout time.Duration
}

type documentPayload struct {
	MediaType string
	Data      []byte
}

// dispatchTool executes one typed invocation. A malformed invocation yields
// the tool's documented fallback; only transport cancellation escapes as an
// error.
func (e *Engine) dispatchTool(ctx context.Context, dc dispatchContext, inv ToolInvocation) ToolResult {
	if inv.ParseErr != nil {
		return e.toolFallback(inv)
	}
	switch inv.Name {
	case toolAnalyzeStructure:
		summary := grid.Summarize(dc.data)
		return ToolResult{
			Response:  structureResponse(summary),
			Structure: &summary,
		}
	case toolSetCells:
		return e.handleSetCells(dc, inv.SetCells)
	case toolCreateChart:
		return ToolResult{
			Response: fmt.Sprintf("Created a %s chart with %d data rows.", inv.CreateChart.Type, len(inv.CreateChart.Data)-1),
			Chart: &ChartSpec{
				Type:  inv.CreateChart.Type,
				Title: inv.CreateChart.Title,
				Data:  inv.CreateChart.Data,
			},
		}
	case toolExecuteCode:
		return e.handleExecuteCode(ctx, dc, inv.ExecuteCode)
	case toolDocumentExtract:
		return e.handleDocumentExtract(dc, inv.DocumentExtract)
	case toolSheetAdd, toolSheetRemove, toolSheetRename, toolSheetClear, toolSheetInfo:
		return handleSheetOp(dc, inv.Name, inv.Sheet)
	default:
		return e.toolFallback(inv)
	}
}

// toolFallback is the documented degraded result per tool. Logged, never
// thrown.
func (e *Engine) toolFallback(inv ToolInvocation) ToolResult {
	reason := "malformed arguments"
	if inv.ParseErr != nil {
		reason = inv.ParseErr.Error()
	}
	e.logger.Warn("chat.tool_fallback", "tool", inv.Name, "reason", reason)
	switch inv.Name {
	case toolSetCells:
		return ToolResult{
			Response: "I could not determine which cells to update, so no changes were made.",
			Updates:  []grid.CellEdit{},
		}
	case toolCreateChart:
		return ToolResult{Response: "I could not build a valid chart from that request."}
	case toolExecuteCode:
		return ToolResult{Response: "I could not produce runnable analysis code for that request."}
	case toolSelectData:
		return ToolResult{Response: "I could not determine a data selection."}
	default:
		return ToolResult{Response: fmt.Sprintf("The %s action could not be completed.", inv.Name)}
	}
}

func (e *Engine) handleSetCells(dc dispatchContext, args *setCellsArgs) ToolResult {
	before := make(map[string]string)
	for _, edit := range args.Edits {
		ref, err := grid.ParseRef(edit.Target)
		if err != nil {
			continue
		}
		row := ref.Row - dc.dataStart.Row
		col := ref.Column - dc.dataStart.Column
		if row >= 0 && row < len(dc.data) && col >= 0 && col < len(dc.data[row]) {
			before[edit.Target] = dc.data[row][col]
		}
	}
	return ToolResult{
		Response: diff.EditSummary(before, args.Edits),
		Updates:  args.Edits,
	}
}

// handleExecuteCode owns the full sandbox lifecycle for one call: acquire,
// execute against the CSV projection, structure stdout into edits, destroy.
// Teardown runs on every path, including cancellation.
func (e *Engine) handleExecuteCode(ctx context.Context, dc dispatchContext, args *executeCodeArgs) ToolResult {
	session, err := e.sandboxes.Acquire(ctx)
	if err != nil {
		e.logger.Warn("chat.sandbox_unavailable", "error", err.Error())
		return ToolResult{Response: "The analysis runtime is unavailable, so the code was not run."}
	}
	defer func() { _ = session.Destroy() }()

	timeout := dc.sandboxTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	result, err := session.Execute(ctx, args.Code, dc.data.ToCSV(), timeout)
	if err != nil {
		if ctx.Err() != nil {
			return ToolResult{Err: "analysis canceled"}
		}
		e.logger.Warn("chat.sandbox_failed", "error", err.Error())
		return ToolResult{Response: "Code execution failed before producing output."}
	}
	trace := &AnalysisTrace{
		Code:     args.Code,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		TimedOut: result.TimedOut,
	}
	if result.TimedOut {
		e.logger.Warn("chat.sandbox_timeout", "session_id", session.ID(), "timeout", timeout.String())
		response := "The analysis code ran past its time limit and was stopped."
		if strings.TrimSpace(result.Stdout) != "" {
			response += " Partial output:\n" + strings.TrimSpace(result.Stdout)
		}
		return ToolResult{Response: response, Trace: trace}
	}
	if strings.TrimSpace(result.Stdout) == "" {
		response := "The code ran but produced no output."
		if strings.TrimSpace(result.Stderr) != "" {
			response = "The code failed:\n" + strings.TrimSpace(result.Stderr)
		}
		return ToolResult{Response: response, Trace: trace}
	}
	edits := compact.ParseOutput(result.Stdout, dc.anchor)
	response := fmt.Sprintf("Ran the analysis and wrote %d result cell(s) starting at %s.", len(edits), dc.anchor.String())
	return ToolResult{Response: response, Updates: edits, Trace: trace}
}

// handleDocumentExtract structures an attached text document into cells. A
// missing attachment is terminal for this tool call only.
func (e *Engine) handleDocumentExtract(dc dispatchContext, args *documentExtractArgs) ToolResult {
	if dc.document == nil {
		return ToolResult{Err: "document_extract requires an attached document"}
	}
	if !strings.HasPrefix(dc.document.MediaType, "text/") {
		return ToolResult{Response: fmt.Sprintf("Cannot extract tabular data from a %s attachment.", dc.document.MediaType)}
	}
	edits := compact.ParseOutput(string(dc.document.Data), dc.anchor)
	if len(edits) == 0 {
		return ToolResult{Response: "The attached document contained no extractable data."}
	}
	return ToolResult{
		Response: fmt.Sprintf("Extracted %d cell(s) from the attached document starting at %s.", len(edits), dc.anchor.String()),
		Updates:  edits,
	}
}

func handleSheetOp(dc dispatchContext, name string, args *sheetOpArgs) ToolResult {
	sheet := strings.TrimSpace(args.Sheet)
	if sheet == "" {
		sheet = dc.activeSheet
	}
	switch name {
	case toolSheetAdd:
		return ToolResult{
			Response: fmt.Sprintf("Added sheet %q.", sheet),
			SheetOp:  &SheetOperation{Action: "add", Sheet: sheet},
		}
	case toolSheetRemove:
		return ToolResult{
			Response: fmt.Sprintf("Removed sheet %q.", sheet),
			SheetOp:  &SheetOperation{Action: "remove", Sheet: sheet},
		}
	case toolSheetRename:
		if strings.TrimSpace(args.NewName) == "" {
			return ToolResult{Response: "A new sheet name is required to rename."}
		}
		return ToolResult{
			Response: fmt.Sprintf("Renamed sheet %q to %q.", sheet, args.NewName),
			SheetOp:  &SheetOperation{Action: "rename", Sheet: sheet, NewName: args.NewName},
		}
	case toolSheetClear:
		return ToolResult{
			Response: fmt.Sprintf("Cleared sheet %q.", sheet),
			SheetOp:  &SheetOperation{Action: "clear", Sheet: sheet},
		}
	default:
		return ToolResult{
			Response: fmt.Sprintf("Sheet %q is the active sheet.", sheet),
			SheetOp:  &SheetOperation{Action: "info", Sheet: sheet},
		}
	}
}

func structureResponse(summary grid.StructureSummary) string {
	response := fmt.Sprintf("The sheet has %d row(s), %d column(s), and %d non-empty cell(s).",
		summary.RowCount, summary.ColumnCount, summary.NonEmptyCells)
	if summary.HasHeaders {
		response += " The first row looks like headers: " + strings.Join(summary.ColumnLabels, ", ") + "."
	}
	if len(summary.Tables) > 1 {
		response += fmt.Sprintf(" Detected %d separate data blocks.", len(summary.Tables))
	}
	return response
}

func mustSchema(schema string) json.RawMessage {
	return json.RawMessage(schema)
}

func selectDataTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        toolSelectData,
			Description: "Choose the subset of spreadsheet data relevant to the user's question.",
			Parameters: mustSchema(`{
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["range", "column", "row", "table", "search"]},
					"range": {"type": "string", "description": "A1-style range, for kind=range"},
					"column": {"type": "string", "description": "Column letter, for kind=column"},
					"row": {"type": "integer", "description": "1-based row number, for kind=row"},
					"table_anchor": {"type": "string", "description": "Top-left cell of the table, for kind=table"},
					"has_headers": {"type": "boolean"},
					"search_term": {"type": "string", "description": "Term to locate, for kind=search"},
					"analysis_type": {"type": "string", "enum": ["summary", "statistical", "transformation", "visualization"]},
					"rationale": {"type": "string"}
				},
				"required": ["kind", "analysis_type"]
			}`),
		},
	}
}

func analyzeStructureTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        toolAnalyzeStructure,
			Description: "Summarize the sheet's shape: dimensions, headers, detected tables.",
			Parameters:  mustSchema(`{"type": "object", "properties": {}}`),
		},
	}
}

// selectionTools is the restricted phase-1 schema.
func selectionTools() []llm.Tool {
	return []llm.Tool{selectDataTool(), analyzeStructureTool()}
}

// analysisTools is the full phase-2 schema.
func analysisTools() []llm.Tool {
	return []llm.Tool{
		analyzeStructureTool(),
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolSetCells,
				Description: "Update spreadsheet cells with values or formulas.",
				Parameters: mustSchema(`{
					"type": "object",
					"properties": {
						"edits": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {
									"target": {"type": "string", "description": "A1-style cell reference"},
									"formula": {"type": "string", "description": "Value or formula to set"},
									"sheet": {"type": "string"}
								},
								"required": ["target", "formula"]
							}
						}
					},
					"required": ["edits"]
				}`),
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolCreateChart,
				Description: "Create a chart from a 2D data array whose first row is headers.",
				Parameters: mustSchema(`{
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["line", "bar", "pie", "scatter"]},
						"title": {"type": "string"},
						"data": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}}
					},
					"required": ["type", "data"]
				}`),
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolExecuteCode,
				Description: "Run python against the selected data. The rows are available as `data` and as a pandas DataFrame `df`. Print tabular results to stdout.",
				Parameters: mustSchema(`{
					"type": "object",
					"properties": {
						"code": {"type": "string"}
					},
					"required": ["code"]
				}`),
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        toolDocumentExtract,
				Description: "Extract tabular data from the user's attached document.",
				Parameters: mustSchema(`{
					"type": "object",
					"properties": {
						"instructions": {"type": "string"}
					}
				}`),
			},
		},
		sheetTool(toolSheetAdd, "Add a new sheet."),
		sheetTool(toolSheetRemove, "Remove a sheet."),
		sheetTool(toolSheetRename, "Rename a sheet."),
		sheetTool(toolSheetClear, "Clear all cells on a sheet."),
		sheetTool(toolSheetInfo, "Describe a sheet."),
	}
}

func sheetTool(name, description string) llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: description,
			Parameters: mustSchema(`{
				"type": "object",
				"properties": {
					"sheet": {"type": "string"},
					"new_name": {"type": "string"}
				}
			}`),
		},
	}
}
