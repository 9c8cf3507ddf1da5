package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

func selectionTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "select_data",
			Description: "Choose the data slice to analyze.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"range":{"type":"string"}},"required":["range"]}`),
		},
	}
}

func TestChatWithToolsForcedChoicePinsTool(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":[{"type":"function_call","call_id":"call_1","name":"select_data","arguments":"{\"range\":\"A1:B10\"}"}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	messages := []llm.ChatMessage{{Role: "user", Content: "analyze revenue"}}
	resp, err := client.ChatWithTools(context.Background(), "sk-test", "gpt-5", messages, []llm.Tool{selectionTool()}, llm.Force("select_data"))
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "select_data" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}

	choice, ok := captured["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("tool_choice = %v", captured["tool_choice"])
	}
	if choice["type"] != "function" || choice["name"] != "select_data" {
		t.Fatalf("tool_choice = %v", choice)
	}
	if parallel, ok := captured["parallel_tool_calls"].(bool); !ok || parallel {
		t.Fatalf("parallel_tool_calls = %v", captured["parallel_tool_calls"])
	}
}

func TestChatWithToolsAutoChoice(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":[{"type":"message","content":[{"type":"output_text","text":"done"}]}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	resp, err := client.ChatWithTools(context.Background(), "sk-test", "gpt-5", []llm.ChatMessage{{Role: "user", Content: "hi"}}, []llm.Tool{selectionTool()}, llm.Auto())
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if resp.Content != "done" || resp.FinishReason != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	if captured["tool_choice"] != "auto" {
		t.Fatalf("tool_choice = %v", captured["tool_choice"])
	}
}

func TestStreamChatWithToolsDeliversDeltasAndToolCall(t *testing.T) {
	events := []string{
		`data: {"type":"response.output_text.delta","delta":"Looking at "}`,
		`data: {"type":"response.output_text.delta","delta":"the data."}`,
		`data: {"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_9","name":"execute_code"}}`,
		`data: {"type":"response.function_call_arguments.delta","call_id":"call_9","delta":"{\"code\":"}`,
		`data: {"type":"response.function_call_arguments.delta","call_id":"call_9","delta":"\"print(1)\"}"}`,
		`data: [DONE]`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range events {
			_, _ = io.WriteString(w, event+"\n\n")
		}
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	var deltas []string
	resp, err := client.StreamChatWithTools(context.Background(), "sk-test", "gpt-5", []llm.ChatMessage{{Role: "user", Content: "go"}}, []llm.Tool{selectionTool()}, llm.Auto(), func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("StreamChatWithTools: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "Looking at the data." {
		t.Fatalf("deltas = %q", got)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.Function.Name != "execute_code" || call.Function.Arguments != `{"code":"print(1)"}` {
		t.Fatalf("call = %+v", call)
	}
}

func TestChatWithToolsMapsProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, llm.ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, llm.ErrRateLimited},
		{"server error", http.StatusInternalServerError, llm.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()
			client := NewClientWithBaseURL(server.URL)
			_, err := client.ChatWithTools(context.Background(), "sk-test", "gpt-5", []llm.ChatMessage{{Role: "user", Content: "hi"}}, nil, llm.Auto())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildToolInputEmitsFunctionCallOutputs(t *testing.T) {
	messages := []llm.ChatMessage{
		{Role: "user", Content: "run it"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: llm.ToolCallFunction{
				Name:      "execute_code",
				Arguments: `{"code":"print(1)"}`,
			},
		}}},
		{Role: "tool", ToolCallID: "call_1", Content: "1"},
	}
	input := buildToolInput(messages)
	if len(input) != 3 {
		t.Fatalf("input = %v", input)
	}
	if input[1]["type"] != "function_call" || input[1]["call_id"] != "call_1" {
		t.Fatalf("call item = %v", input[1])
	}
	if input[2]["type"] != "function_call_output" || input[2]["output"] != "1" {
		t.Fatalf("output item = %v", input[2])
	}
}

func TestStrictifyFunctionParameters(t *testing.T) {
	in := json.RawMessage(`{"type":"object","properties":{"range":{"type":"string"},"note":{"type":"string"}},"required":["range"]}`)
	out, err := strictifyFunctionParameters(in)
	if err != nil {
		t.Fatalf("strictify: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(out, &schema); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if schema["additionalProperties"] != false {
		t.Fatalf("additionalProperties = %v", schema["additionalProperties"])
	}
	required, _ := schema["required"].([]any)
	if len(required) != 2 {
		t.Fatalf("required = %v", required)
	}
	properties := schema["properties"].(map[string]any)
	note := properties["note"].(map[string]any)
	types, _ := note["type"].([]any)
	if len(types) != 2 || types[1] != "null" {
		t.Fatalf("optional property type = %v", note["type"])
	}
}
