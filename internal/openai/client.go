// Package openai implements the OpenAI provider over the Responses API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/PragmaticMachineLearning/probly/internal/egress"
	"github.com/PragmaticMachineLearning/probly/internal/llm"
)

const defaultBaseURL = "https://api.openai.com"

const maxErrorBodyBytes = 2048

type responseEnvelope struct {
	Output []responseItem `json:"output"`
}

type responseItem struct {
	Type      string            `json:"type"`
	Role      string            `json:"role,omitempty"`
	Content   []responseContent `json:"content,omitempty"`
	CallID    string            `json:"call_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Arguments string            `json:"arguments,omitempty"`
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient() *Client {
	transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"api.openai.com"})
	return &Client{
		baseURL: defaultBaseURL,
		client: &http.Client{
			Timeout:   600 * time.Second,
			Transport: transport,
		},
	}
}

// NewClientWithBaseURL exists for tests pointed at an httptest server. The
// allowlist transport is skipped because the host is caller-controlled.
func NewClientWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 600 * time.Second},
	}
}

func (c *Client) responsesEndpoint() string {
	return c.baseURL + "/v1/responses"
}

func (c *Client) ValidateKey(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return llm.ErrEgressBlocked
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return unauthorizedError(resp, "")
	}
	if resp.StatusCode >= 500 {
		return llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("validation failed: %s", resp.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, apiKey, model string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.responsesEndpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		defer resp.Body.Close()
		return nil, unauthorizedError(resp, model)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		return nil, llm.ErrRateLimited
	}
	if resp.StatusCode >= 500 {
		defer resp.Body.Close()
		return nil, llm.ErrUnavailable
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("openai error: %s - %s", resp.Status, readErrorBody(resp))
	}
	return resp, nil
}

func (c *Client) Chat(ctx context.Context, apiKey, model string, messages []llm.Message) (string, error) {
	payload := map[string]any{
		"model": model,
		"input": buildTextInput(messages),
	}
	resp, err := c.do(ctx, apiKey, model, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var response responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	content, _ := extractTextAndToolCalls(response.Output)
	if content == "" {
		return "", errors.New("openai empty response")
	}
	return content, nil
}

// ChatWithTools sends a non-streaming request with tools. The selection
// phase forces a single tool through choice.
func (c *Client) ChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice) (llm.ChatResponse, error) {
	payload := c.buildToolRequestPayload(model, messages, tools, choice, false)
	resp, err := c.do(ctx, apiKey, model, payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()
	var response responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return llm.ChatResponse{}, err
	}
	content, toolCalls := extractTextAndToolCalls(response.Output)
	if content == "" && len(toolCalls) == 0 {
		return llm.ChatResponse{}, errors.New("openai empty response")
	}
	return chatResponse(content, toolCalls), nil
}

// StreamChatWithTools streams text deltas through onDelta while accumulating
// any tool call. Tool elections are never surfaced incrementally; they arrive
// complete in the returned response.
func (c *Client) StreamChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice, onDelta func(string)) (llm.ChatResponse, error) {
	payload := c.buildToolRequestPayload(model, messages, tools, choice, true)
	resp, err := c.do(ctx, apiKey, model, payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var contentBuilder strings.Builder
	var finalResponse *responseEnvelope
	toolCallsMap := make(map[string]*llm.ToolCall)
	var toolCallOrder []string

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				break
			}
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		eventType, _ := event["type"].(string)
		switch eventType {
		case "response.output_text.delta":
			delta, _ := event["delta"].(string)
			if delta == "" {
				continue
			}
			contentBuilder.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		case "response.output_item.added":
			itemRaw, ok := event["item"]
			if !ok {
				continue
			}
			itemBytes, err := json.Marshal(itemRaw)
			if err != nil {
				continue
			}
			var item responseItem
			if err := json.Unmarshal(itemBytes, &item); err != nil {
				continue
			}
			if item.Type != "function_call" || item.CallID == "" {
				continue
			}
			tc, ok := toolCallsMap[item.CallID]
			if !ok {
				tc = &llm.ToolCall{ID: item.CallID, Type: "function"}
				toolCallsMap[item.CallID] = tc
				toolCallOrder = append(toolCallOrder, item.CallID)
			}
			if item.Name != "" {
				tc.Function.Name = item.Name
			}
			if item.Arguments != "" {
				tc.Function.Arguments = item.Arguments
			}
		case "response.function_call_arguments.delta":
			callID, _ := event["call_id"].(string)
			delta, _ := event["delta"].(string)
			if callID == "" || delta == "" {
				continue
			}
			tc, ok := toolCallsMap[callID]
			if !ok {
				tc = &llm.ToolCall{ID: callID, Type: "function"}
				toolCallsMap[callID] = tc
				toolCallOrder = append(toolCallOrder, callID)
			}
			tc.Function.Arguments += delta
		case "response.completed":
			respRaw, ok := event["response"]
			if !ok {
				continue
			}
			respBytes, err := json.Marshal(respRaw)
			if err != nil {
				continue
			}
			var respObj responseEnvelope
			if err := json.Unmarshal(respBytes, &respObj); err != nil {
				continue
			}
			finalResponse = &respObj
		}
	}
	if err := scanner.Err(); err != nil {
		return llm.ChatResponse{Content: contentBuilder.String()}, err
	}

	content := contentBuilder.String()
	var toolCalls []llm.ToolCall
	if finalResponse != nil {
		finalContent, finalToolCalls := extractTextAndToolCalls(finalResponse.Output)
		if finalContent != "" {
			content = finalContent
		}
		toolCalls = finalToolCalls
	} else {
		for _, callID := range toolCallOrder {
			if tc, ok := toolCallsMap[callID]; ok {
				toolCalls = append(toolCalls, *tc)
			}
		}
	}
	return chatResponse(content, toolCalls), nil
}

func chatResponse(content string, toolCalls []llm.ToolCall) llm.ChatResponse {
	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}
	return llm.ChatResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}
}

func buildTextInput(messages []llm.Message) []map[string]any {
	input := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		input = append(input, map[string]any{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}
	return input
}

func buildToolInput(messages []llm.ChatMessage) []map[string]any {
	input := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "tool":
			if msg.ToolCallID == "" {
				continue
			}
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.Content,
			})
		default:
			if msg.Content != "" {
				input = append(input, map[string]any{
					"role":    msg.Role,
					"content": msg.Content,
				})
			}
			for _, call := range msg.ToolCalls {
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   call.ID,
					"name":      call.Function.Name,
					"arguments": call.Function.Arguments,
				})
			}
		}
	}
	return input
}

func (c *Client) buildToolRequestPayload(model string, messages []llm.ChatMessage, tools []llm.Tool, choice llm.ToolChoice, stream bool) map[string]any {
	payload := map[string]any{
		"model": model,
		"input": buildToolInput(messages),
	}
	if stream {
		payload["stream"] = true
	}
	if len(tools) > 0 {
		payload["tools"] = buildToolPayload(tools)
		payload["tool_choice"] = toolChoicePayload(choice)
		payload["parallel_tool_calls"] = false
	}
	return payload
}

func toolChoicePayload(choice llm.ToolChoice) any {
	if choice.Forced() {
		return map[string]any{"type": "function", "name": choice.Name}
	}
	if choice.Mode == "required" {
		return "required"
	}
	return "auto"
}

func buildToolPayload(tools []llm.Tool) []map[string]any {
	payload := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		entry := map[string]any{
			"type": tool.Type,
		}
		if tool.Type == "function" {
			if tool.Function.Name != "" {
				entry["name"] = tool.Function.Name
			}
			if tool.Function.Description != "" {
				entry["description"] = tool.Function.Description
			}
			if len(tool.Function.Parameters) > 0 {
				parameters := json.RawMessage(tool.Function.Parameters)
				strictParameters, err := strictifyFunctionParameters(parameters)
				if err == nil {
					parameters = strictParameters
				}
				entry["parameters"] = parameters
			}
			entry["strict"] = true
		}
		payload = append(payload, entry)
	}
	return payload
}

func strictifyFunctionParameters(parameters json.RawMessage) (json.RawMessage, error) {
	if len(parameters) == 0 {
		return parameters, nil
	}
	var schema any
	if err := json.Unmarshal(parameters, &schema); err != nil {
		return nil, err
	}
	strictSchema := strictifySchemaNode(schema)
	out, err := json.Marshal(strictSchema)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func strictifySchemaNode(node any) any {
	switch v := node.(type) {
	case map[string]any:
		if propertiesAny, ok := v["properties"]; ok {
			if properties, ok := propertiesAny.(map[string]any); ok {
				for name, propertySchema := range properties {
					properties[name] = strictifySchemaNode(propertySchema)
				}
				// In strict mode, all properties must be required.
				requiredSet := make(map[string]struct{})
				if requiredAny, ok := v["required"].([]any); ok {
					for _, item := range requiredAny {
						name, _ := item.(string)
						if name != "" {
							requiredSet[name] = struct{}{}
						}
					}
				}
				required := make([]string, 0, len(properties))
				for name, propertySchema := range properties {
					required = append(required, name)
					if _, ok := requiredSet[name]; ok {
						continue
					}
					properties[name] = makeSchemaNullable(propertySchema)
				}
				sort.Strings(required)
				requiredAny := make([]any, 0, len(required))
				for _, name := range required {
					requiredAny = append(requiredAny, name)
				}
				v["required"] = requiredAny
			}
		}
		if itemsAny, ok := v["items"]; ok {
			v["items"] = strictifySchemaNode(itemsAny)
		}
		for _, key := range []string{"anyOf", "allOf", "oneOf"} {
			if variantsAny, ok := v[key]; ok {
				variants, ok := variantsAny.([]any)
				if !ok {
					continue
				}
				for i, variant := range variants {
					variants[i] = strictifySchemaNode(variant)
				}
				v[key] = variants
			}
		}
		// Strict mode requires additionalProperties=false for every object.
		if schemaType, hasType := v["type"]; hasType {
			switch t := schemaType.(type) {
			case string:
				if t == "object" {
					v["additionalProperties"] = false
				}
			case []any:
				for _, item := range t {
					typeName, _ := item.(string)
					if typeName == "object" {
						v["additionalProperties"] = false
						break
					}
				}
			}
		} else if _, hasProperties := v["properties"]; hasProperties {
			v["additionalProperties"] = false
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = strictifySchemaNode(item)
		}
		return v
	default:
		return v
	}
}

func makeSchemaNullable(schema any) any {
	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}
	if schemaType, hasType := m["type"]; hasType {
		switch t := schemaType.(type) {
		case string:
			if t == "null" {
				return m
			}
			m["type"] = []any{t, "null"}
			return m
		case []any:
			for _, item := range t {
				typeName, _ := item.(string)
				if typeName == "null" {
					return m
				}
			}
			m["type"] = append(t, "null")
			return m
		}
	}
	if anyOfAny, ok := m["anyOf"]; ok {
		if anyOf, ok := anyOfAny.([]any); ok {
			for _, variant := range anyOf {
				if variantMap, ok := variant.(map[string]any); ok {
					if typeName, ok := variantMap["type"].(string); ok && typeName == "null" {
						return m
					}
				}
			}
			m["anyOf"] = append(anyOf, map[string]any{"type": "null"})
			return m
		}
	}
	return map[string]any{
		"anyOf": []any{
			m,
			map[string]any{"type": "null"},
		},
	}
}

func extractTextAndToolCalls(output []responseItem) (string, []llm.ToolCall) {
	var contentBuilder strings.Builder
	var toolCalls []llm.ToolCall
	for _, item := range output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" || part.Type == "text" {
					contentBuilder.WriteString(part.Text)
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}
	return contentBuilder.String(), toolCalls
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}

func unauthorizedError(resp *http.Response, model string) error {
	if resp == nil {
		return llm.ErrUnauthorized
	}
	requestID := strings.TrimSpace(resp.Header.Get("x-request-id"))
	return fmt.Errorf(
		"%w: status=%s model=%s request_id=%s body=%q",
		llm.ErrUnauthorized,
		resp.Status,
		strings.TrimSpace(model),
		requestID,
		readErrorBody(resp),
	)
}
