package google

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func TestValidate_KeysOnContents(t *testing.T) {
	n := New()

	if !n.Validate([]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)) {
		t.Error("contents array should validate")
	}
	if n.Validate([]byte(`{"model":"gemini","messages":[]}`)) {
		t.Error("chat-style body must not validate")
	}
	if n.Validate([]byte(`{"contents":"nope"}`)) {
		t.Error("non-array contents must not validate")
	}
}

func TestNormalize_Basic(t *testing.T) {
	n := New()
	raw := `{
		"model": "gemini-2.5-pro",
		"systemInstruction": {"parts": [{"text": "be brief"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "hi"}]},
			{"role": "model", "parts": [{"text": "hello"}]}
		],
		"generationConfig": {
			"temperature": 0.5,
			"maxOutputTokens": 200,
			"stopSequences": ["END"],
			"responseMimeType": "application/json"
		}
	}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Model != "gemini-2.5-pro" {
		t.Errorf("model: got %s", req.Model)
	}
	if len(req.Messages) != 3 || req.Messages[0].Role != unified.RoleSystem {
		t.Fatalf("messages wrong: %+v", req.Messages)
	}
	if req.Messages[1].Role != unified.RoleUser || req.Messages[2].Role != unified.RoleAssistant {
		t.Errorf("role mapping wrong: %s / %s", req.Messages[1].Role, req.Messages[2].Role)
	}
	if req.MaxTokens != 200 || req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("generation config lost: max=%d temp=%v", req.MaxTokens, req.Temperature)
	}
	if req.ResponseFormat != unified.ResponseJSON {
		t.Errorf("responseMimeType should map to json, got %q", req.ResponseFormat)
	}
}

func TestNormalize_MissingRoleDefaultsToUser(t *testing.T) {
	n := New()
	req, err := n.Normalize([]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Messages[0].Role != unified.RoleUser {
		t.Errorf("bare content should default to user, got %s", req.Messages[0].Role)
	}
}

func TestNormalize_FunctionCallAndResponse(t *testing.T) {
	n := New()
	raw := `{"contents":[
		{"role":"model","parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]},
		{"role":"user","parts":[{"functionResponse":{"name":"get_weather","response":{"temp":18}}}]}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	tc := req.Messages[0].ToolCalls
	if len(tc) != 1 || tc[0].Name != "get_weather" || tc[0].ID != "get_weather" {
		t.Errorf("function call wrong: %+v", tc)
	}
	tool := req.Messages[1]
	if tool.Role != unified.RoleTool || tool.ToolCallID != "get_weather" {
		t.Errorf("function response wrong: %+v", tool)
	}
}

func TestNormalize_InlineData(t *testing.T) {
	n := New()
	raw := `{"contents":[{"role":"user","parts":[
		{"text":"what is this?"},
		{"inlineData":{"mimeType":"image/png","data":"aGk="}}]}]}`

	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 2 || parts[1].ImageURL != "data:image/png;base64,aGk=" {
		t.Errorf("inlineData should become a data URI: %+v", parts)
	}
}

func TestNormalize_ToolConfigModes(t *testing.T) {
	n := New()
	cases := []struct {
		fcc      string
		wantMode string
		wantName string
	}{
		{`{"mode":"NONE"}`, unified.ToolChoiceNone, ""},
		{`{"mode":"ANY"}`, unified.ToolChoiceRequired, ""},
		{`{"mode":"ANY","allowedFunctionNames":["f"]}`, unified.ToolChoiceNamed, "f"},
		{`{"mode":"AUTO"}`, unified.ToolChoiceAuto, ""},
	}
	for _, tc := range cases {
		raw := `{"contents":[{"parts":[{"text":"hi"}]}],
			"toolConfig":{"functionCallingConfig":` + tc.fcc + `}}`
		req, err := n.Normalize([]byte(raw))
		if err != nil {
			t.Fatalf("Normalize(%s): %v", tc.fcc, err)
		}
		if req.ToolChoice.Mode != tc.wantMode || req.ToolChoice.Name != tc.wantName {
			t.Errorf("toolConfig %s: got %+v", tc.fcc, req.ToolChoice)
		}
	}
}

func TestNormalize_EmptyContents(t *testing.T) {
	n := New()
	_, err := n.Normalize([]byte(`{"contents":[]}`))
	var ve *formats.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDenormalize(t *testing.T) {
	n := New()
	resp := &unified.Response{
		ID:    "resp-1",
		Model: "gemini-2.5-pro",
		Choices: []unified.Choice{{
			Message: unified.Message{
				Role:    unified.RoleAssistant,
				Content: "hello",
				ToolCalls: []unified.ToolCall{
					{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				},
			},
			FinishReason: unified.FinishLength,
		}},
		Usage: unified.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out, err := n.Denormalize(resp)
	if err != nil {
		t.Fatalf("Denormalize: %v", err)
	}
	r := out.(Response)
	if len(r.Candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(r.Candidates))
	}
	cand := r.Candidates[0]
	if cand.FinishReason != "MAX_TOKENS" {
		t.Errorf("finish reason: got %s", cand.FinishReason)
	}
	if cand.Content.Role != "model" || len(cand.Content.Parts) != 2 {
		t.Fatalf("content wrong: %+v", cand.Content)
	}
	if cand.Content.Parts[0].Text != "hello" {
		t.Errorf("text part: got %q", cand.Content.Parts[0].Text)
	}
	if fc := cand.Content.Parts[1].FunctionCall; fc == nil || fc.Name != "get_weather" {
		t.Errorf("function call part wrong: %+v", cand.Content.Parts[1])
	}
	if r.UsageMetadata == nil || r.UsageMetadata.TotalTokenCount != 15 {
		t.Errorf("usage: %+v", r.UsageMetadata)
	}
}

func TestDenormalize_InvalidToolArguments(t *testing.T) {
	n := New()
	resp := &unified.Response{
		Model: "gemini-2.5-pro",
		Choices: []unified.Choice{{
			Message: unified.Message{
				Role:      unified.RoleAssistant,
				ToolCalls: []unified.ToolCall{{Name: "f", Arguments: "not json"}},
			},
		}},
	}
	_, err := n.Denormalize(resp)
	var ce *formats.ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
}

func TestDenormalizeStream(t *testing.T) {
	n := New()
	out, err := n.DenormalizeStream(&unified.StreamChunk{
		Model:   "gemini-2.5-pro",
		Choices: []unified.ChunkChoice{{Delta: unified.Delta{Content: "par"}}},
	})
	if err != nil {
		t.Fatalf("DenormalizeStream: %v", err)
	}
	r := out.(Response)
	if len(r.Candidates) != 1 || r.Candidates[0].Content.Parts[0].Text != "par" {
		t.Errorf("stream chunk wrong: %+v", r)
	}
}
