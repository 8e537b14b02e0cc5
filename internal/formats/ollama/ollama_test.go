package ollama

import (
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func TestValidate_NeedsSiblingMarker(t *testing.T) {
	n := New()

	if !n.Validate([]byte(`{"model":"llama3.2","prompt":"hi","stream":false}`)) {
		t.Error("prompt + stream should validate")
	}
	if !n.Validate([]byte(`{"model":"llama3.2","prompt":"hi","system":"be brief"}`)) {
		t.Error("prompt + system should validate")
	}
	// A bare model+prompt body belongs to the legacy completion format.
	if n.Validate([]byte(`{"model":"llama3.2","prompt":"hi"}`)) {
		t.Error("bare prompt should not validate")
	}
}

func TestNormalize_StreamsByDefault(t *testing.T) {
	n := New()
	req, err := n.Normalize([]byte(`{"model":"llama3.2","prompt":"hi","system":"x"}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !req.Stream {
		t.Error("omitted stream flag should default to true")
	}

	req, err = n.Normalize([]byte(`{"model":"llama3.2","prompt":"hi","stream":false}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Stream {
		t.Error("explicit stream:false should opt out")
	}
}

func TestNormalize_PromptAndSystemWrap(t *testing.T) {
	n := New()
	req, err := n.Normalize([]byte(`{"model":"llama3.2","prompt":"hi","system":"be brief","stream":false}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system + user, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != unified.RoleSystem || req.Messages[0].Content != "be brief" {
		t.Errorf("system wrong: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != unified.RoleUser || req.Messages[1].Content != "hi" {
		t.Errorf("user wrong: %+v", req.Messages[1])
	}
}

func TestNormalize_ImagesBecomeDataURIs(t *testing.T) {
	n := New()
	req, err := n.Normalize([]byte(`{"model":"llava","prompt":"what is this?","stream":false,"images":["aGk="]}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("expected text + image parts, got %d", len(parts))
	}
	if parts[1].Type != unified.PartImage || parts[1].ImageURL != "data:image/png;base64,aGk=" {
		t.Errorf("image part wrong: %+v", parts[1])
	}
}

func TestNormalize_Options(t *testing.T) {
	n := New()
	raw := `{"model":"llama3.2","prompt":"hi","stream":false,
		"options":{"temperature":0.2,"num_predict":64,"stop":["END"]}}`
	req, err := n.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature: %v", req.Temperature)
	}
	if req.MaxTokens != 64 {
		t.Errorf("num_predict should map to max tokens, got %d", req.MaxTokens)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop: %v", req.Stop)
	}
}

func TestNormalize_UnsupportedFormat(t *testing.T) {
	n := New()
	_, err := n.Normalize([]byte(`{"model":"llama3.2","prompt":"hi","stream":false,"format":"yaml"}`))
	var ce *formats.ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConversionError, got %v", err)
	}
}

func TestDenormalize_CollapsesToResponseString(t *testing.T) {
	n := New()
	resp := &unified.Response{
		Model:   "llama3.2",
		Created: 1_700_000_000,
		Choices: []unified.Choice{{
			Message:      unified.Message{Role: unified.RoleAssistant, Content: "hello"},
			FinishReason: unified.FinishStop,
		}},
		Usage: unified.Usage{PromptTokens: 10, CompletionTokens: 5},
	}
	out, err := n.Denormalize(resp)
	if err != nil {
		t.Fatalf("Denormalize: %v", err)
	}
	r := out.(Response)
	if r.Response != "hello" || !r.Done || r.DoneReason != "stop" {
		t.Errorf("response wrong: %+v", r)
	}
	if r.PromptEvalCount != 10 || r.EvalCount != 5 {
		t.Errorf("token counts wrong: %+v", r)
	}
}

func TestDenormalize_ToolCallsSurfaceAsText(t *testing.T) {
	n := New()
	resp := &unified.Response{
		Model: "llama3.2",
		Choices: []unified.Choice{{
			Message: unified.Message{
				Role:      unified.RoleAssistant,
				ToolCalls: []unified.ToolCall{{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
			},
		}},
	}
	out, _ := n.Denormalize(resp)
	r := out.(Response)
	if r.Response != `get_weather({"city":"Paris"})` {
		t.Errorf("tool call should surface as text, got %q", r.Response)
	}
}

func TestDenormalizeStream(t *testing.T) {
	n := New()

	mid, _ := n.DenormalizeStream(&unified.StreamChunk{
		Model:   "llama3.2",
		Choices: []unified.ChunkChoice{{Delta: unified.Delta{Content: "par"}}},
	})
	if r := mid.(Response); r.Response != "par" || r.Done {
		t.Errorf("mid chunk wrong: %+v", r)
	}

	final, _ := n.DenormalizeStream(&unified.StreamChunk{
		Model:   "llama3.2",
		Choices: []unified.ChunkChoice{{FinishReason: unified.FinishLength}},
	})
	if r := final.(Response); !r.Done || r.DoneReason != "length" {
		t.Errorf("final chunk wrong: %+v", r)
	}
}
