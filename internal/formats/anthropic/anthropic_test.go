package anthropic

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func TestValidate_RequiresMaxTokens(t *testing.T) {
	n := New()

	with := `{"model":"claude-3","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`
	without := `{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`

	if !n.Validate([]byte(with)) {
		t.Error("body with max_tokens should validate")
	}
	if n.Validate([]byte(without)) {
		t.Error("body without max_tokens must not validate, it belongs to openai")
	}
}

func TestNormalize_SystemFieldBecomesLeadingMessage(t *testing.T) {
	n := New()
	raw := `{"model":"claude-3","max_tokens":100,"system":"be brief",
		"messages":[{"role":"user","content":"hi"}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != unified.RoleSystem || req.Messages[0].Content != "be brief" {
		t.Errorf("system message wrong: %+v", req.Messages[0])
	}
	if req.MaxTokens != 100 {
		t.Errorf("max_tokens: got %d", req.MaxTokens)
	}
}

func TestNormalize_SystemBlockArray(t *testing.T) {
	n := New()
	raw := `{"model":"claude-3","max_tokens":10,
		"system":[{"type":"text","text":"one"},{"type":"text","text":"two"}],
		"messages":[{"role":"user","content":"hi"}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Messages[0].Content != "one\n\ntwo" {
		t.Errorf("system blocks should join with blank line, got %q", req.Messages[0].Content)
	}
}

func TestNormalize_ToolResultSplitsOff(t *testing.T) {
	n := New()
	raw := `{"model":"claude-3","max_tokens":10,"messages":[
		{"role":"assistant","content":[
			{"type":"tool_use","id":"tu_1","name":"get_weather","input":{"city":"Paris"}}]},
		{"role":"user","content":[
			{"type":"tool_result","tool_use_id":"tu_1","content":"18 degrees"},
			{"type":"text","text":"and tomorrow?"}]}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected assistant + tool + user, got %d messages", len(req.Messages))
	}

	asst := req.Messages[0]
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "tu_1" {
		t.Errorf("assistant tool call wrong: %+v", asst.ToolCalls)
	}
	if asst.ToolCalls[0].Arguments != `{"city":"Paris"}` {
		t.Errorf("native input object should become a JSON string, got %q", asst.ToolCalls[0].Arguments)
	}

	tool := req.Messages[1]
	if tool.Role != unified.RoleTool || tool.ToolCallID != "tu_1" || tool.Content != "18 degrees" {
		t.Errorf("tool result wrong: %+v", tool)
	}

	if req.Messages[2].Role != unified.RoleUser || req.Messages[2].Content != "and tomorrow?" {
		t.Errorf("trailing text wrong: %+v", req.Messages[2])
	}
}

func TestNormalize_Base64Image(t *testing.T) {
	n := New()
	raw := `{"model":"claude-3","max_tokens":10,"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}}]}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[1].ImageURL != "data:image/png;base64,aGk=" {
		t.Errorf("image should become a data URI, got %q", parts[1].ImageURL)
	}
}

func TestNormalize_ToolChoiceMapping(t *testing.T) {
	n := New()
	cases := []struct {
		tc       string
		wantMode string
		wantName string
	}{
		{`{"type":"auto"}`, unified.ToolChoiceAuto, ""},
		{`{"type":"none"}`, unified.ToolChoiceNone, ""},
		{`{"type":"any"}`, unified.ToolChoiceRequired, ""},
		{`{"type":"tool","name":"f"}`, unified.ToolChoiceNamed, "f"},
	}
	for _, tc := range cases {
		raw := `{"model":"claude-3","max_tokens":10,"tool_choice":` + tc.tc +
			`,"messages":[{"role":"user","content":"hi"}]}`
		req, err := n.Normalize([]byte(raw))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", tc.tc, err)
		}
		if req.ToolChoice.Mode != tc.wantMode || req.ToolChoice.Name != tc.wantName {
			t.Errorf("tool_choice %s: got %+v", tc.tc, req.ToolChoice)
		}
	}
}

func TestNormalize_InvalidRole(t *testing.T) {
	n := New()
	raw := `{"model":"claude-3","max_tokens":10,"messages":[{"role":"system","content":"hi"}]}`
	_, err := n.Normalize([]byte(raw))
	var ve *formats.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("system role inside messages should be rejected, got %v", err)
	}
}

func TestDenormalize(t *testing.T) {
	n := New()
	resp := &unified.Response{
		ID:    "msg-1",
		Model: "claude-3",
		Choices: []unified.Choice{{
			Message: unified.Message{
				Role:    unified.RoleAssistant,
				Content: "hello",
				ToolCalls: []unified.ToolCall{
					{ID: "tu_1", Name: "get_weather", Arguments: `{"city":"Paris"}`},
				},
			},
			FinishReason: unified.FinishToolCalls,
		}},
		Usage: unified.Usage{PromptTokens: 10, CompletionTokens: 5},
	}

	out, err := n.Denormalize(resp)
	if err != nil {
		t.Fatalf("Denormalize: %v", err)
	}
	r := out.(Response)
	if r.Type != "message" || r.Role != unified.RoleAssistant {
		t.Errorf("envelope wrong: %+v", r)
	}
	if len(r.Content) != 2 {
		t.Fatalf("expected text + tool_use blocks, got %d", len(r.Content))
	}
	if r.Content[0].Type != "text" || r.Content[0].Text != "hello" {
		t.Errorf("text block wrong: %+v", r.Content[0])
	}
	tu := r.Content[1]
	if tu.Type != "tool_use" || tu.Input["city"] != "Paris" {
		t.Errorf("tool_use block should carry a decoded input object: %+v", tu)
	}
	if r.StopReason == nil || *r.StopReason != "tool_use" {
		t.Errorf("stop_reason: got %v", r.StopReason)
	}
	if r.Usage.InputTokens != 10 || r.Usage.OutputTokens != 5 {
		t.Errorf("usage: %+v", r.Usage)
	}
}

func TestDenormalize_NoChoices(t *testing.T) {
	n := New()
	_, err := n.Denormalize(&unified.Response{Model: "claude-3"})
	var ce *formats.ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
}

func TestDenormalizeStream_EventSelection(t *testing.T) {
	n := New()

	first, _ := n.DenormalizeStream(&unified.StreamChunk{
		ID:      "msg-1",
		Choices: []unified.ChunkChoice{{Delta: unified.Delta{Role: unified.RoleAssistant}}},
	})
	if ev := first.(StreamEvent); ev.Type != "message_start" || ev.Message == nil {
		t.Errorf("role-bearing chunk should open the message: %+v", ev)
	}

	text, _ := n.DenormalizeStream(&unified.StreamChunk{
		Choices: []unified.ChunkChoice{{Delta: unified.Delta{Content: "hi"}}},
	})
	if ev := text.(StreamEvent); ev.Type != "content_block_delta" || ev.Delta.Text != "hi" {
		t.Errorf("content chunk wrong: %+v", ev)
	}

	final, _ := n.DenormalizeStream(&unified.StreamChunk{
		Choices: []unified.ChunkChoice{{FinishReason: unified.FinishLength}},
	})
	ev := final.(StreamEvent)
	if ev.Type != "message_delta" || ev.Delta.StopReason == nil || *ev.Delta.StopReason != "max_tokens" {
		t.Errorf("finish chunk wrong: %+v", ev)
	}

	empty, _ := n.DenormalizeStream(&unified.StreamChunk{})
	if ev := empty.(StreamEvent); ev.Type != "ping" {
		t.Errorf("empty chunk should become a ping: %+v", ev)
	}
}
