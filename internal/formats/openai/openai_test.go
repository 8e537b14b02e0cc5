package openai

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func TestValidate(t *testing.T) {
	n := New()

	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"chat request", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, true},
		{"anthropic also matches", `{"model":"claude-3","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, true},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, false},
		{"messages not array", `{"model":"gpt-4o","messages":"hi"}`, false},
		{"prompt only", `{"model":"gpt-4o","prompt":"hi"}`, false},
		{"not json", `garbage`, false},
	}
	for _, tc := range cases {
		if got := n.Validate([]byte(tc.raw)); got != tc.want {
			t.Errorf("%s: Validate = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalize_Basic(t *testing.T) {
	n := New()
	raw := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"}
		],
		"max_tokens": 100,
		"temperature": 0.7,
		"stop": "END",
		"stream": true
	}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Model != "gpt-4o" {
		t.Errorf("model: got %s", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != unified.RoleSystem {
		t.Errorf("messages wrong: %+v", req.Messages)
	}
	if req.MaxTokens != 100 {
		t.Errorf("max_tokens: got %d", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("temperature: got %v", req.Temperature)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("string stop should become a one-element slice, got %v", req.Stop)
	}
	if !req.Stream {
		t.Error("stream flag lost")
	}
}

func TestNormalize_MaxCompletionTokensWins(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o","max_tokens":10,"max_completion_tokens":50,
		"messages":[{"role":"user","content":"hi"}]}`
	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.MaxTokens != 50 {
		t.Errorf("max_completion_tokens should take precedence, got %d", req.MaxTokens)
	}
}

func TestNormalize_DeveloperRole(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o","messages":[
		{"role":"developer","content":"you are terse"},
		{"role":"user","content":"hi"}]}`
	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Messages[0].Role != unified.RoleSystem {
		t.Errorf("developer should map to system, got %s", req.Messages[0].Role)
	}
}

func TestNormalize_MultipartContent(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
	]}]}`
	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	m := req.Messages[0]
	if len(m.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(m.Parts))
	}
	if m.Parts[0].Type != unified.PartText || m.Parts[0].Text != "what is this?" {
		t.Errorf("text part wrong: %+v", m.Parts[0])
	}
	if m.Parts[1].Type != unified.PartImage || m.Parts[1].ImageURL != "https://example.com/cat.png" {
		t.Errorf("image part wrong: %+v", m.Parts[1])
	}
}

func TestNormalize_ToolsAndToolChoice(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o",
		"messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{
			"name":"get_weather","description":"look up weather",
			"parameters":{"type":"object","properties":{"city":{"type":"string"}}}}}],
		"tool_choice":{"type":"function","function":{"name":"get_weather"}}}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Fatalf("tools wrong: %+v", req.Tools)
	}
	if req.ToolChoice.Mode != unified.ToolChoiceNamed || req.ToolChoice.Name != "get_weather" {
		t.Errorf("tool_choice wrong: %+v", req.ToolChoice)
	}
}

func TestNormalize_ToolCallRoundTrip(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o","messages":[
		{"role":"assistant","tool_calls":[{"id":"call_1","type":"function",
			"function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]},
		{"role":"tool","tool_call_id":"call_1","content":"{\"temp\":18}"}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	asst := req.Messages[0]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" ||
		asst.ToolCalls[0].Arguments != `{"city":"Paris"}` {
		t.Errorf("tool call wrong: %+v", asst.ToolCalls)
	}
	if req.Messages[1].Role != unified.RoleTool || req.Messages[1].ToolCallID != "call_1" {
		t.Errorf("tool result wrong: %+v", req.Messages[1])
	}
}

func TestNormalize_Errors(t *testing.T) {
	n := New()

	cases := []struct {
		name string
		raw  string
	}{
		{"empty model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
		{"bad role", `{"model":"gpt-4o","messages":[{"role":"robot","content":"hi"}]}`},
		{"bad stop", `{"model":"gpt-4o","stop":42,"messages":[{"role":"user","content":"hi"}]}`},
	}
	for _, tc := range cases {
		_, err := n.Normalize([]byte(tc.raw))
		var ve *formats.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestNormalize_UnsupportedResponseFormat(t *testing.T) {
	n := New()
	raw := `{"model":"gpt-4o","response_format":{"type":"xml"},
		"messages":[{"role":"user","content":"hi"}]}`
	_, err := n.Normalize([]byte(raw))
	var ce *formats.ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
	if ce.Field != "response_format.type" {
		t.Errorf("field: got %s", ce.Field)
	}
}

func TestDenormalize(t *testing.T) {
	n := New()
	resp := &unified.Response{
		ID:    "resp-1",
		Model: "gpt-4o",
		Choices: []unified.Choice{{
			Message: unified.Message{
				Role:    unified.RoleAssistant,
				Content: "hello",
				ToolCalls: []unified.ToolCall{
					{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`},
				},
			},
			FinishReason: unified.FinishToolCalls,
		}},
		Usage: unified.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out, err := n.Denormalize(resp)
	if err != nil {
		t.Fatalf("Denormalize: %v", err)
	}
	r, ok := out.(Response)
	if !ok {
		t.Fatalf("unexpected type %T", out)
	}
	if r.Object != "chat.completion" || r.ID != "resp-1" {
		t.Errorf("envelope wrong: %+v", r)
	}
	if r.Created == 0 {
		t.Error("created should be backfilled")
	}
	c := r.Choices[0]
	if c.Message.Content != "hello" {
		t.Errorf("content: got %q", c.Message.Content)
	}
	if len(c.Message.ToolCalls) != 1 || c.Message.ToolCalls[0].Type != "function" {
		t.Errorf("tool calls wrong: %+v", c.Message.ToolCalls)
	}
	if c.FinishReason == nil || *c.FinishReason != "tool_calls" {
		t.Errorf("finish reason: got %v", c.FinishReason)
	}
	if r.Usage.TotalTokens != 15 {
		t.Errorf("usage: %+v", r.Usage)
	}
}

func TestDenormalize_UnknownFinishReasonCollapses(t *testing.T) {
	n := New()
	resp := &unified.Response{
		Model: "gpt-4o",
		Choices: []unified.Choice{{
			Message:      unified.Message{Role: unified.RoleAssistant, Content: "x"},
			FinishReason: "something-else",
		}},
	}
	out, _ := n.Denormalize(resp)
	got := out.(Response).Choices[0].FinishReason
	if got == nil || *got != "stop" {
		t.Errorf("unknown finish reason should collapse to stop, got %v", got)
	}
}

func TestDenormalizeStream(t *testing.T) {
	n := New()
	chunk := &unified.StreamChunk{
		ID:    "chunk-1",
		Model: "gpt-4o",
		Choices: []unified.ChunkChoice{{
			Delta: unified.Delta{Content: "par"},
		}},
	}
	out, err := n.DenormalizeStream(chunk)
	if err != nil {
		t.Fatalf("DenormalizeStream: %v", err)
	}
	ev := out.(StreamEvent)
	if ev.Object != "chat.completion.chunk" {
		t.Errorf("object: got %s", ev.Object)
	}
	if ev.Choices[0].Delta.Content != "par" {
		t.Errorf("delta content: got %q", ev.Choices[0].Delta.Content)
	}
	if ev.Choices[0].FinishReason != nil {
		t.Error("mid-stream chunk should have nil finish_reason")
	}
}
