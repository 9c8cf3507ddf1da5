package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

// FakeLLM is a deterministic provider used by tests and by local development
// with PROBLY_FAKE_LLM=1. Behavior is keyed off markers embedded in the last
// user message, so scripted conversations exercise real control flow without
// network access.
//
// Markers:
//
//	[invalid-key]    auth failure
//	[network-error]  transport failure
//	[unavailable]    provider 5xx
//	[slow]           blocks until the context is done
//	[select-column]  phase 1 returns a column descriptor
//	[bad-selection]  phase 1 returns unparsable selection arguments
//	[set-cells]      elects set_cells
//	[bad-set-cells]  elects set_cells with malformed arguments
//	[chart]          elects create_chart
//	[run-code]       elects execute_code
//	[two-tools]      elects two tools in one response
//	[structure]      elects analyze_structure
//	[extract]        elects document_extract
//	[sheet-add]      elects sheet_add
type FakeLLM struct{}

func NewFakeLLM() *FakeLLM {
	return &FakeLLM{}
}

const fakeAnswer = "Looking at the selected data, the totals are consistent across all rows."

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: connection refused" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

func (f *FakeLLM) ValidateKey(ctx context.Context, apiKey string) error {
	if strings.Contains(apiKey, "invalid") {
		return llm.ErrUnauthorized
	}
	return nil
}

func (f *FakeLLM) Chat(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	marker := lastUserText(chatToPlain(messages))
	if err := markerError(ctx, marker); err != nil {
		return "", err
	}
	return fakeAnswer, nil
}

func (f *FakeLLM) ChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice) (llm.ChatResponse, error) {
	marker := lastUserText(messages)
	if err := markerError(ctx, marker); err != nil {
		return llm.ChatResponse{}, err
	}
	if choice.Forced() && choice.Name == toolSelectData {
		return llm.ChatResponse{
			ToolCalls:    []llm.ToolCall{fakeSelectionCall(marker)},
			FinishReason: "tool_calls",
		}, nil
	}
	if calls := fakeElectedCalls(marker); len(calls) > 0 {
		return llm.ChatResponse{ToolCalls: calls, FinishReason: "tool_calls"}, nil
	}
	return llm.ChatResponse{Content: fakeAnswer, FinishReason: "stop"}, nil
}

func (f *FakeLLM) StreamChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice, onDelta func(string)) (llm.ChatResponse, error) {
	marker := lastUserText(messages)
	if err := markerError(ctx, marker); err != nil {
		return llm.ChatResponse{}, err
	}
	for _, chunk := range splitChunks(fakeAnswer, 16) {
		if ctx.Err() != nil {
			return llm.ChatResponse{}, ctx.Err()
		}
		if onDelta != nil {
			onDelta(chunk)
		}
	}
	return llm.ChatResponse{Content: fakeAnswer, FinishReason: "stop"}, nil
}

func markerError(ctx context.Context, marker string) error {
	switch {
	case strings.Contains(marker, "[invalid-key]"):
		return llm.ErrUnauthorized
	case strings.Contains(marker, "[network-error]"):
		return fakeNetError{}
	case strings.Contains(marker, "[unavailable]"):
		return llm.ErrUnavailable
	case strings.Contains(marker, "[slow]"):
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func fakeSelectionCall(marker string) llm.ToolCall {
	args := `{"kind":"range","range":"A1:C10","analysis_type":"summary","rationale":"The first three columns hold the figures in question."}`
	switch {
	case strings.Contains(marker, "[select-column]"):
		args = `{"kind":"column","column":"B","analysis_type":"statistical","rationale":"Column B holds the values to aggregate."}`
	case strings.Contains(marker, "[bad-selection]"):
		args = `{"kind":"bogus"}`
	}
	return fakeCall(toolSelectData, args)
}

func fakeElectedCalls(marker string) []llm.ToolCall {
	switch {
	case strings.Contains(marker, "[two-tools]"):
		return []llm.ToolCall{
			fakeCall(toolSetCells, `{"edits":[{"target":"B2","formula":"=SUM(B3:B10)"}]}`),
			fakeCall(toolCreateChart, `{"type":"bar","title":"Totals","data":[["Q1","10"],["Q2","20"]]}`),
		}
	case strings.Contains(marker, "[bad-set-cells]"):
		return []llm.ToolCall{fakeCall(toolSetCells, `{"edits":"oops"}`)}
	case strings.Contains(marker, "[set-cells]"):
		return []llm.ToolCall{fakeCall(toolSetCells, `{"edits":[{"target":"B2","formula":"=SUM(B3:B10)"}]}`)}
	case strings.Contains(marker, "[chart]"):
		return []llm.ToolCall{fakeCall(toolCreateChart, `{"type":"bar","title":"Totals","data":[["Q1","10"],["Q2","20"]]}`)}
	case strings.Contains(marker, "[run-code]"):
		return []llm.ToolCall{fakeCall(toolExecuteCode, `{"code":"print(df.describe())"}`)}
	case strings.Contains(marker, "[structure]"):
		return []llm.ToolCall{fakeCall(toolAnalyzeStructure, `{}`)}
	case strings.Contains(marker, "[extract]"):
		return []llm.ToolCall{fakeCall(toolDocumentExtract, `{"instructions":"pull the line items"}`)}
	case strings.Contains(marker, "[sheet-add]"):
		return []llm.ToolCall{fakeCall(toolSheetAdd, `{"sheet":"Summary"}`)}
	}
	return nil
}

func fakeCall(name, args string) llm.ToolCall {
	return llm.ToolCall{
		ID:   "call_" + uuid.NewString()[:8],
		Type: "function",
		Function: llm.ToolCallFunction{
			Name:      name,
			Arguments: args,
		},
	}
}

func splitChunks(text string, size int) []string {
	if size <= 0 {
		return []string{text}
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastUserText(messages []llm.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func chatToPlain(messages []llm.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = llm.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
