package openai

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
		Name:     "openai-primary",
		Provider: "openai",
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
		Model:    "gpt-4o",
		Messages: []unified.Message{{Role: unified.RoleUser, Content: "Hello"}},
	}
}

// completionBody is a minimal chat.completion payload that openai-go/v3 can
// unmarshal.
func completionBody() map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
}

// captureServer records the JSON body of each request into captured and
// answers with a minimal successful completion.
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
		_ = json.NewEncoder(w).Encode(completionBody())
	}))
}

func TestExecutor_Execute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("expected path ending in /chat/completions, got %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody())
	}))
	defer srv.Close()

	e := newTestExecutor(t, srv)
	resp, err := e.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello, world!" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
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
	fn, _ := tc["function"].(map[string]any)
	if fn["name"] != "get_weather" {
		t.Errorf("expected forced function 'get_weather', got %v", tc)
	}
}

func TestExecutor_ToolChoice_Auto(t *testing.T) {
	var captured map[string]any
	srv := captureServer(t, &captured)
	defer srv.Close()

	req := baseRequest()
	req.Tools = []unified.Tool{{Name: "get_weather"}}
	req.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceAuto}

	e := newTestExecutor(t, srv)
	if _, err := e.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured["tool_choice"] != "auto" {
		t.Errorf("expected tool_choice 'auto', got %v", captured["tool_choice"])
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
