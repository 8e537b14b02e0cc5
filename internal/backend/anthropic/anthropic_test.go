package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func newTestExecutor(t *testing.T, srv *httptest.Server) *Executor {
	t.Helper()
	exec, err := New(router.Backend{
		Name:     "anthropic-primary",
		Provider: "anthropic",
		APIKey:   "mock-api-key",
		BaseURL:  srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exec.(*Executor)
}

func baseRequest() *unified.Request {
	return &unified.Request{
		Model:    "claude-sonnet-4-20250514",
		Messages: []unified.Message{{Role: unified.RoleUser, Content: "Hello"}},
	}
}

// messageBody is a minimal Messages API payload the Anthropic SDK can
// unmarshal.
func messageBody() map[string]any {
	return map[string]any{
		"id":    "msg_123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-sonnet-4-20250514",
		"content": []any{
			map[string]any{"type": "text", "text": "Hello, world!"},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  10,
			"output_tokens": 5,
		},
	}
}

// captureServer records the JSON body of each request into captured and
// answers with a minimal successful message.
func captureServer(t *testing.T, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageBody())
	}))
}

func TestExecutor_Execute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("expected path ending in /messages, got %q", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "mock-api-key" {
			t.Errorf("missing or wrong X-Api-Key header: %s", r.Header.Get("X-Api-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageBody())
	}))
	defer srv.Close()

	e := newTestExecutor(t, srv)
	resp, err := e.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("expected ID 'msg_123', got %q", resp.ID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello, world!" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != unified.FinishStop {
		t.Errorf("expected finish reason %q, got %q", unified.FinishStop, resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestExecutor_ToolChoice_Named(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, &captured)
	defer srv.Close()

	req := baseRequest()
	req.Tools = []unified.Tool{{
		Name:       "get_weather",
		Parameters: map[string]any{"type": "object"},
	}}
	req.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: "get_weather"}

	e := newTestExecutor(t, srv)
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := captured["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("expected tool_choice object on the wire, got %v", captured["tool_choice"])
	}
	if tc["type"] != "tool" || tc["name"] != "get_weather" {
		t.Errorf("expected forced tool 'get_weather', got %v", tc)
	}
}

func TestExecutor_ToolChoice_Required(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, &captured)
	defer srv.Close()

	req := baseRequest()
	req.Tools = []unified.Tool{{Name: "get_weather"}}
	req.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceRequired}

	e := newTestExecutor(t, srv)
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := captured["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("expected tool_choice object on the wire, got %v", captured["tool_choice"])
	}
	if tc["type"] != "any" {
		t.Errorf("expected tool_choice type 'any', got %v", tc)
	}
}

func TestExecutor_ToolChoice_UnsetOmitted(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, &captured)
	defer srv.Close()

	req := baseRequest()
	req.Tools = []unified.Tool{{Name: "get_weather"}}

	e := newTestExecutor(t, srv)
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, present := captured["tool_choice"]; present {
		t.Errorf("expected tool_choice to be omitted, got %v", captured["tool_choice"])
	}
}

func TestExecutor_DefaultMaxTokens(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, &captured)
	defer srv.Close()

	e := newTestExecutor(t, srv)
	if _, err := e.Execute(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := captured["max_tokens"].(float64); int(got) != defaultMaxTokens {
		t.Errorf("expected max_tokens %d, got %v", defaultMaxTokens, captured["max_tokens"])
	}
}
