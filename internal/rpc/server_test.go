package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestServerHandlesRequest(t *testing.T) {
	input := "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"Ping\",\"api_version\":\"1\"}\n"
	reader := strings.NewReader(input)
	var output bytes.Buffer
	server := NewServer("1", reader, &output, nil)
	server.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]any{"pong": true}, nil
	})

	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var respLine string
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		respLine = strings.TrimSpace(output.String())
		if respLine != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if respLine == "" {
		t.Fatalf("expected response")
	}
	var resp Response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["pong"] != true {
		t.Fatalf("expected pong true")
	}
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	input := "{\"jsonrpc\":\"2.0\",\"id\":7,\"method\":\"Nope\"}\n"
	var output bytes.Buffer
	server := NewServer("1", strings.NewReader(input), &output, nil)
	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(output.String())), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "method not found") {
		t.Fatalf("error = %v", resp.Error)
	}
}

func TestServerRejectsIncompatibleAPIVersion(t *testing.T) {
	input := "{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"Ping\",\"api_version\":\"99\"}\n"
	var output bytes.Buffer
	server := NewServer("1", strings.NewReader(input), &output, nil)
	server.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return nil, nil
	})
	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(output.String())), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || !strings.Contains(resp.Error.Message, "incompatible api_version") {
		t.Fatalf("error = %v", resp.Error)
	}
}

func TestServerCancelsInFlightHandlersOnTransportClose(t *testing.T) {
	pr, pw := io.Pipe()
	var output bytes.Buffer
	server := NewServer("1", pr, &output, nil)
	started := make(chan struct{})
	canceled := make(chan struct{})
	server.Register("LongRun", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		close(started)
		select {
		case <-ctx.Done():
			close(canceled)
		case <-time.After(2 * time.Second):
		}
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background()) }()
	if _, err := pw.Write([]byte("{\"jsonrpc\":\"2.0\",\"id\":3,\"method\":\"LongRun\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	pw.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return on transport close")
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("in-flight handler context survived the transport close")
	}
}

func TestNotifyWritesNotification(t *testing.T) {
	var output bytes.Buffer
	server := NewServer("1", strings.NewReader(""), &output, nil)
	server.Notify("chat.delta", map[string]any{"text": "hello", "streaming": true})
	var n Notification
	if err := json.Unmarshal([]byte(strings.TrimSpace(output.String())), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Method != "chat.delta" {
		t.Fatalf("method = %q", n.Method)
	}
	params := n.Params.(map[string]any)
	if params["text"] != "hello" || params["streaming"] != true {
		t.Fatalf("params = %v", params)
	}
}
