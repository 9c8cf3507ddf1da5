package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/PragmaticMachineLearning/probly/internal/compact"
	"github.com/PragmaticMachineLearning/probly/internal/errinfo"
	"github.com/PragmaticMachineLearning/probly/internal/grid"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

// turnState names the per-turn protocol states. Transitions are logged;
// Completed and Aborted are terminal.
type turnState string

const (
	stateIdle              turnState = "idle"
	stateSelecting         turnState = "selecting"
	stateSelected          turnState = "selected"
	stateSelectionFallback turnState = "selection_fallback"
	stateAnalyzing         turnState = "analyzing"
	stateDispatching       turnState = "dispatching"
	stateCompleted         turnState = "completed"
	stateAborted           turnState = "aborted"
)

const selectionSystemPrompt = `You are a data analyst assistant for a spreadsheet.
Decide which subset of the sheet is relevant to the user's request.
You must call the select_data tool with your selection; do not answer in prose.`

const analysisSystemPrompt = `You are a data analyst assistant for a spreadsheet.
The relevant data slice is provided with each cell tagged by its reference, like <B3>42</B3>.
Answer the user's question about this data. Refer to cells by their references.`

type SheetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type historyItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type selectDataRequest struct {
	SessionID       string                 `json:"session_id"`
	ProviderID      string                 `json:"provider_id"`
	ModelID         string                 `json:"model_id"`
	Message         string                 `json:"message"`
	Structure       *grid.StructureSummary `json:"structure,omitempty"`
	SpreadsheetData grid.Grid              `json:"spreadsheet_data,omitempty"`
	ActiveSheetName string                 `json:"active_sheet_name"`
	SheetsInfo      []SheetInfo            `json:"sheets_info,omitempty"`
	ChatHistory     []historyItem          `json:"chat_history,omitempty"`
	DocumentImage   string                 `json:"document_image,omitempty"`
}

type analyzeRequest struct {
	SessionID           string                   `json:"session_id"`
	ProviderID          string                   `json:"provider_id"`
	ModelID             string                   `json:"model_id"`
	Message             string                   `json:"message"`
	Data                grid.Grid                `json:"data"`
	DataStart           string                   `json:"data_start,omitempty"`
	DataSelectionResult *DataSelectionDescriptor `json:"data_selection_result,omitempty"`
	ColumnReference     string                   `json:"column_reference,omitempty"`
	StartCell           string                   `json:"start_cell,omitempty"`
	ActiveSheetName     string                   `json:"active_sheet_name"`
	SheetsInfo          []SheetInfo              `json:"sheets_info,omitempty"`
	ChatHistory         []historyItem            `json:"chat_history,omitempty"`
	DocumentImage       string                   `json:"document_image,omitempty"`
}

func (e *Engine) transition(sessionID, turnID string, from, to turnState) turnState {
	e.logger.Debug("chat.state", "session_id", sessionID, "turn_id", turnID, "from", string(from), "to", string(to))
	return to
}

// ChatSelectData runs phase 1: choose a data selection for the user's
// message. It always yields a descriptor; every failure short of
// cancellation degrades to the default selection marked fallback.
func (e *Engine) ChatSelectData(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req selectDataRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSelect, "invalid params")
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSelect, "session_id and message are required")
	}
	cfg, _ := e.settings.Load()
	providerID, modelID := resolveProviderModel(req.ProviderID, req.ModelID)
	client, errInfo := e.clientForProvider(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	key, errInfo := e.providerKey(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	doc, errInfo := decodeDocument(req.DocumentImage, cfg.DocumentMaxBytes)
	if errInfo != nil {
		return nil, errInfo
	}

	turnID := uuid.NewString()
	runCtx, _, errInfo := e.beginRun(ctx, req.SessionID, turnID)
	if errInfo != nil {
		return nil, errInfo
	}
	defer e.endRun(req.SessionID)

	state := e.transition(req.SessionID, turnID, stateIdle, stateSelecting)
	turn := &DialogueTurn{
		ID:          turnID,
		UserText:    req.Message,
		Status:      TurnNone,
		HasDocument: doc != nil,
		CreatedAt:   e.now().UTC(),
	}
	structure := req.Structure
	if structure == nil && len(req.SpreadsheetData) > 0 {
		summary := grid.Summarize(req.SpreadsheetData)
		structure = &summary
	}
	// History is the window of prior turns, so the current one is appended
	// only after the prompt is built.
	messages := buildSelectionMessages(req, structure, e.history(req, cfg.HistoryWindow))
	e.conversations.Append(req.SessionID, turn)

	selCtx, cancelSel := context.WithTimeout(runCtx, cfg.SelectionTimeout.Duration)
	defer cancelSel()
	resp, err := client.ChatWithTools(selCtx, key, modelID, messages, selectionTools(), llm.Force(toolSelectData))

	if runCtx.Err() == context.Canceled {
		e.transition(req.SessionID, turnID, state, stateAborted)
		return nil, withProviderID(errinfo.UserCanceled(errinfo.PhaseSelect, "run canceled"), providerID)
	}

	var desc DataSelectionDescriptor
	switch {
	case err != nil:
		e.logger.Warn("chat.select_fallback", "session_id", req.SessionID, "reason", err.Error())
		desc = fallbackDescriptor(cfg.DefaultSelectionRange, "the selection service did not respond in time")
		state = e.transition(req.SessionID, turnID, state, stateSelectionFallback)
	default:
		parsed, parseErr := descriptorFromResponse(resp)
		if parseErr != nil {
			e.logger.Warn("chat.select_fallback", "session_id", req.SessionID, "reason", parseErr.Error())
			desc = fallbackDescriptor(cfg.DefaultSelectionRange, "the selection could not be interpreted")
			state = e.transition(req.SessionID, turnID, state, stateSelectionFallback)
		} else {
			desc = parsed
			state = e.transition(req.SessionID, turnID, state, stateSelected)
		}
	}

	frame := Frame{
		SessionID:           req.SessionID,
		TurnID:              turnID,
		Response:            desc.Rationale,
		Streaming:           false,
		DataSelectionResult: &desc,
	}
	turn.Selection = &desc
	turn.Response = desc.Rationale
	turn.Status = TurnCompleted
	e.transition(req.SessionID, turnID, state, stateCompleted)
	e.frameSinkFor(req.SessionID, turnID)(frame)
	return frame, nil
}

// descriptorFromResponse extracts the forced selection tool call. Extra
// calls beyond the first are ignored.
func descriptorFromResponse(resp llm.ChatResponse) (DataSelectionDescriptor, error) {
	for _, call := range resp.ToolCalls {
		if call.Function.Name != toolSelectData {
			continue
		}
		return parseDescriptorArgs(call.Function.Arguments)
	}
	return DataSelectionDescriptor{}, fmt.Errorf("no usable selection tool call")
}

// ChatAnalyze runs phase 2: stream the textual answer, elect at most one
// tool, dispatch it, and assemble the terminal frame.
func (e *Engine) ChatAnalyze(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req analyzeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAnalyze, "invalid params")
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseAnalyze, "session_id and message are required")
	}
	cfg, _ := e.settings.Load()
	providerID, modelID := resolveProviderModel(req.ProviderID, req.ModelID)
	client, errInfo := e.clientForProvider(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	key, errInfo := e.providerKey(providerID)
	if errInfo != nil {
		return nil, errInfo
	}
	doc, errInfo := decodeDocument(req.DocumentImage, cfg.DocumentMaxBytes)
	if errInfo != nil {
		return nil, errInfo
	}

	turnID := uuid.NewString()
	runCtx, _, errInfo := e.beginRun(ctx, req.SessionID, turnID)
	if errInfo != nil {
		return nil, errInfo
	}
	defer e.endRun(req.SessionID)

	state := e.transition(req.SessionID, turnID, stateIdle, stateAnalyzing)
	turn := &DialogueTurn{
		ID:          turnID,
		UserText:    req.Message,
		Status:      TurnNone,
		Selection:   req.DataSelectionResult,
		HasDocument: doc != nil,
		CreatedAt:   e.now().UTC(),
	}
	sink := e.frameSinkFor(req.SessionID, turnID)

	dataStart := parseRefOr(req.DataStart, grid.Ref{Column: 0, Row: 1})
	// Default anchor is the first row below the data slice.
	anchor := parseRefOr(req.StartCell, dataStart.Offset(0, len(req.Data)))
	rendered := compact.Render(req.Data, compact.Options{
		MaxCells:     cfg.CompactionMaxCells,
		Start:        dataStart,
		ColumnLetter: req.ColumnReference,
	})
	messages := buildAnalysisMessages(req, rendered, e.historyAnalyze(req, cfg.HistoryWindow))
	e.conversations.Append(req.SessionID, turn)

	runCtx, cancelRun := context.WithTimeout(runCtx, cfg.AnalysisTimeout.Duration)
	defer cancelRun()

	// Streamed textual portion first; tools are withheld so the stream is
	// pure text.
	streamResp, err := client.StreamChatWithTools(runCtx, key, modelID, messages, nil, llm.Auto(), func(delta string) {
		sink(Frame{Response: delta, Streaming: true})
	})
	if ctx.Err() == context.Canceled || runCtx.Err() == context.Canceled {
		e.transition(req.SessionID, turnID, state, stateAborted)
		return nil, withProviderID(errinfo.UserCanceled(errinfo.PhaseAnalyze, "run canceled"), providerID)
	}
	if err != nil {
		e.logger.Error("chat.analyze_failed", "session_id", req.SessionID, "error", err.Error())
		e.transition(req.SessionID, turnID, state, stateCompleted)
		frame := Frame{
			SessionID: req.SessionID,
			TurnID:    turnID,
			Streaming: false,
			Error:     "The analysis service failed to respond.",
		}
		turn.Status = TurnCompleted
		sink(frame)
		return frame, nil
	}
	text := streamResp.Content

	// Non-streaming tool election with the full schema.
	state = e.transition(req.SessionID, turnID, state, stateDispatching)
	electionMessages := append(append([]llm.ChatMessage{}, messages...), llm.ChatMessage{Role: "assistant", Content: text})
	election, err := client.ChatWithTools(runCtx, key, modelID, electionMessages, analysisTools(), llm.Auto())
	if runCtx.Err() == context.Canceled {
		e.transition(req.SessionID, turnID, state, stateAborted)
		return nil, withProviderID(errinfo.UserCanceled(errinfo.PhaseAnalyze, "run canceled"), providerID)
	}
	if err != nil {
		// The streamed text is still a valid result on its own.
		e.logger.Warn("chat.tool_election_failed", "session_id", req.SessionID, "error", err.Error())
		election = llm.ChatResponse{}
	}

	var result ToolResult
	if len(election.ToolCalls) > 0 {
		if len(election.ToolCalls) > 1 {
			// Only the first proposed tool runs per turn.
			e.logger.Warn("chat.extra_tool_calls_ignored", "session_id", req.SessionID, "count", len(election.ToolCalls)-1)
		}
		inv := parseToolInvocation(election.ToolCalls[0])
		if runCtx.Err() != nil {
			e.transition(req.SessionID, turnID, state, stateAborted)
			return nil, withProviderID(errinfo.UserCanceled(errinfo.PhaseAnalyze, "run canceled"), providerID)
		}
		result = e.dispatchTool(runCtx, dispatchContext{
			data:           req.Data,
			dataStart:      dataStart,
			anchor:         anchor,
			document:       doc,
			activeSheet:    req.ActiveSheetName,
			sandboxTimeout: cfg.SandboxTimeout.Duration,
		}, inv)
		if runCtx.Err() == context.Canceled {
			e.transition(req.SessionID, turnID, state, stateAborted)
			return nil, withProviderID(errinfo.UserCanceled(errinfo.PhaseAnalyze, "run canceled"), providerID)
		}
	}

	response := text
	for _, part := range []string{result.Response, result.Err} {
		if part == "" {
			continue
		}
		if response != "" {
			response += "\n\n"
		}
		response += part
	}
	frame := Frame{
		SessionID:               req.SessionID,
		TurnID:                  turnID,
		Response:                response,
		Streaming:               false,
		Updates:                 result.Updates,
		ChartData:               result.Chart,
		SheetOperation:          result.SheetOp,
		StructureAnalysisResult: result.Structure,
		AnalysisTrace:           result.Trace,
	}
	turn.Response = response
	turn.Updates = result.Updates
	turn.Chart = result.Chart
	turn.Trace = result.Trace
	if len(result.Updates) > 0 || result.Chart != nil || result.SheetOp != nil {
		turn.Status = TurnPending
	} else {
		turn.Status = TurnCompleted
	}
	e.transition(req.SessionID, turnID, state, stateCompleted)
	sink(frame)
	return frame, nil
}

func resolveProviderModel(providerID, modelID string) (string, string) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		providerID = ProviderOpenAI
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = defaultModelForProvider(providerID)
	}
	return providerID, modelID
}

func parseRefOr(value string, fallback grid.Ref) grid.Ref {
	ref, err := grid.ParseRef(value)
	if err != nil {
		return fallback
	}
	return ref
}

// decodeDocument parses a base64 data URL and enforces the decoded size cap.
func decodeDocument(dataURL string, maxBytes int64) (*documentPayload, *errinfo.ErrorInfo) {
	if strings.TrimSpace(dataURL) == "" {
		return nil, nil
	}
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "document must be a data URL")
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "document must be a data URL")
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > maxBytes {
		return nil, errinfo.DocumentTooLarge(errinfo.PhaseSession, fmt.Sprintf("document exceeds %d bytes", maxBytes))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSession, "document is not valid base64")
	}
	if int64(len(data)) > maxBytes {
		return nil, errinfo.DocumentTooLarge(errinfo.PhaseSession, fmt.Sprintf("document exceeds %d bytes", maxBytes))
	}
	return &documentPayload{MediaType: mediaType, Data: data}, nil
}

// history prefers the caller-supplied window, falling back to the engine's
// own store for hosts that do not track history.
func (e *Engine) history(req selectDataRequest, window int) []llm.ChatMessage {
	return historyWindow(req.ChatHistory, e.conversations, req.SessionID, window)
}

func (e *Engine) historyAnalyze(req analyzeRequest, window int) []llm.ChatMessage {
	return historyWindow(req.ChatHistory, e.conversations, req.SessionID, window)
}

func historyWindow(items []historyItem, store *conversationStore, sessionID string, window int) []llm.ChatMessage {
	if len(items) == 0 {
		return store.History(sessionID, window)
	}
	var messages []llm.ChatMessage
	if window > 0 && len(items) > window {
		messages = append(messages, llm.ChatMessage{Role: "system", Content: truncationNote})
		items = items[len(items)-window:]
	}
	for _, item := range items {
		messages = append(messages, llm.ChatMessage{Role: item.Role, Content: item.Content})
	}
	return messages
}

func buildSelectionMessages(req selectDataRequest, structure *grid.StructureSummary, history []llm.ChatMessage) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: "system", Content: selectionSystemPrompt}}
	var prompt strings.Builder
	prompt.WriteString("Active sheet: " + req.ActiveSheetName + "\n")
	if len(req.SheetsInfo) > 0 {
		names := make([]string, 0, len(req.SheetsInfo))
		for _, sheet := range req.SheetsInfo {
			names = append(names, sheet.Name)
		}
		prompt.WriteString("All sheets: " + strings.Join(names, ", ") + "\n")
	}
	if structure != nil {
		encoded, err := json.Marshal(structure)
		if err == nil {
			prompt.WriteString("Sheet structure: " + string(encoded) + "\n")
		}
	}
	if req.DocumentImage != "" {
		prompt.WriteString("The user attached a document to this message.\n")
	}
	messages = append(messages, llm.ChatMessage{Role: "system", Content: prompt.String()})
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: req.Message})
	return messages
}

func buildAnalysisMessages(req analyzeRequest, rendered string, history []llm.ChatMessage) []llm.ChatMessage {
	messages := []llm.ChatMessage{{Role: "system", Content: analysisSystemPrompt}}
	var prompt strings.Builder
	prompt.WriteString("Active sheet: " + req.ActiveSheetName + "\n")
	if req.DataSelectionResult != nil {
		encoded, err := json.Marshal(req.DataSelectionResult)
		if err == nil {
			prompt.WriteString("Data was selected with: " + string(encoded) + "\n")
		}
	}
	if rendered != "" {
		prompt.WriteString("Selected data:\n" + rendered + "\n")
	} else {
		prompt.WriteString("The selection resolved to no data.\n")
	}
	if req.DocumentImage != "" {
		prompt.WriteString("The user attached a document to this message.\n")
	}
	messages = append(messages, llm.ChatMessage{Role: "system", Content: prompt.String()})
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: req.Message})
	return messages
}
