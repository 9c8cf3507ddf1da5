package llm

import "encoding/json"

// Message represents a simple chat message without tool calls.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool represents a function tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function for the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments for a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is a message that can include tool calls and tool results.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatResponse contains the model's response including any tool calls.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// ToolChoice controls how the model may elect tools for one request.
type ToolChoice struct {
	Mode string // "auto" or "required"
	Name string // non-empty forces this specific tool
}

// Auto lets the model decide whether to call a tool.
func Auto() ToolChoice {
	return ToolChoice{Mode: "auto"}
}

// Force requires the model to call the named tool. The selection phase uses
// this so it always yields a data selection, never free text alone.
func Force(name string) ToolChoice {
	return ToolChoice{Mode: "required", Name: name}
}

// Forced reports whether the choice pins a specific tool.
func (tc ToolChoice) Forced() bool {
	return tc.Name != ""
}
