package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

func TestChatWithToolsForcedChoice(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"tool_use","id":"toolu_1","name":"select_data","input":{"range":"A1:C20"}}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	tools := []llm.Tool{{
		Type: "function",
		Function: llm.FunctionDef{
			Name:       "select_data",
			Parameters: json.RawMessage(`{"type":"object"}`),
		},
	}}
	resp, err := client.ChatWithTools(context.Background(), "sk-ant-test", "claude-sonnet-4-5", []llm.ChatMessage{{Role: "user", Content: "analyze"}}, tools, llm.Force("select_data"))
	if err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "select_data" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Function.Arguments != `{"range":"A1:C20"}` {
		t.Fatalf("arguments = %q", resp.ToolCalls[0].Function.Arguments)
	}

	choice, _ := captured["tool_choice"].(map[string]any)
	if choice["type"] != "tool" || choice["name"] != "select_data" {
		t.Fatalf("tool_choice = %v", choice)
	}
}

func TestChatWithToolsLiftsSystemPrompt(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello"}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	messages := []llm.ChatMessage{
		{Role: "system", Content: "You analyze tabular data."},
		{Role: "user", Content: "hi"},
	}
	if _, err := client.ChatWithTools(context.Background(), "k", "claude-sonnet-4-5", messages, nil, llm.Auto()); err != nil {
		t.Fatalf("ChatWithTools: %v", err)
	}
	if captured["system"] != "You analyze tabular data." {
		t.Fatalf("system = %v", captured["system"])
	}
	msgs, _ := captured["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestToolResultsBecomeUserToolResultBlocks(t *testing.T) {
	messages := []llm.ChatMessage{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{
			ID:       "toolu_1",
			Type:     "function",
			Function: llm.ToolCallFunction{Name: "execute_code", Arguments: `{"code":"print(1)"}`},
		}}},
		{Role: "tool", ToolCallID: "toolu_1", Content: "1"},
	}
	converted, _ := toAnthropicMessages(nil, messages)
	if len(converted) != 2 {
		t.Fatalf("converted = %+v", converted)
	}
	if converted[0].Content[0].Type != "tool_use" || converted[0].Content[0].Input["code"] != "print(1)" {
		t.Fatalf("tool_use block = %+v", converted[0].Content[0])
	}
	if converted[1].Role != "user" || converted[1].Content[0].Type != "tool_result" || converted[1].Content[0].ToolUseID != "toolu_1" {
		t.Fatalf("tool_result block = %+v", converted[1].Content[0])
	}
}

func TestStreamChatWithToolsEmitsWholeMessageOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"full answer"}]}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	var deltas []string
	resp, err := client.StreamChatWithTools(context.Background(), "k", "claude-sonnet-4-5", []llm.ChatMessage{{Role: "user", Content: "hi"}}, nil, llm.Auto(), func(delta string) {
		deltas = append(deltas, delta)
	})
	if err != nil {
		t.Fatalf("StreamChatWithTools: %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "full answer" {
		t.Fatalf("deltas = %v", deltas)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
}

func TestPostMapsProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, llm.ErrUnauthorized},
		{"rate limited", http.StatusTooManyRequests, llm.ErrRateLimited},
		{"server error", http.StatusBadGateway, llm.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()
			client := NewClientWithBaseURL(server.URL)
			_, err := client.ChatWithTools(context.Background(), "k", "claude-sonnet-4-5", []llm.ChatMessage{{Role: "user", Content: "hi"}}, nil, llm.Auto())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
