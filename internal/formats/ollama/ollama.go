// Package ollama implements the Ollama /api/generate wire format.
//
// This is a prompt-only format: normalizing wraps the flat prompt (and
// optional system string) into a one- or two-message list; denormalizing
// collapses the canonical response back to a single "response" string,
// discarding role structure and tool calls.
package ollama

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "ollama"

// Normalizer implements formats.Normalizer for Ollama generate requests.
type Normalizer struct{}

// New returns the Ollama normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireOptions struct {
		Temperature      *float64 `json:"temperature,omitempty"`
		TopP             *float64 `json:"top_p,omitempty"`
		TopK             *int     `json:"top_k,omitempty"`
		NumPredict       int      `json:"num_predict,omitempty"`
		Stop             []string `json:"stop,omitempty"`
		Seed             *int64   `json:"seed,omitempty"`
		PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
		FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	}

	wireRequest struct {
		Model   string       `json:"model"`
		Prompt  string       `json:"prompt"`
		System  string       `json:"system,omitempty"`
		Images  []string     `json:"images,omitempty"`
		Format  string       `json:"format,omitempty"`
		Options *wireOptions `json:"options,omitempty"`
		Stream  *bool        `json:"stream,omitempty"`
	}

	// Response is the Ollama generate envelope.
	Response struct {
		Model           string `json:"model"`
		CreatedAt       string `json:"created_at"`
		Response        string `json:"response"`
		Done            bool   `json:"done"`
		DoneReason      string `json:"done_reason,omitempty"`
		PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
		EvalCount       int    `json:"eval_count,omitempty"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate keys on the "prompt" field plus any of Ollama's sibling markers,
// so it does not swallow legacy completion requests that also carry a prompt.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Model   *string         `json:"model"`
		Prompt  *string         `json:"prompt"`
		System  *string         `json:"system"`
		Options json.RawMessage `json:"options"`
		Stream  json.RawMessage `json:"stream"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	if probe.Model == nil || probe.Prompt == nil {
		return false
	}
	return probe.System != nil || len(probe.Options) > 0 || len(probe.Stream) > 0
}

func (n *Normalizer) Normalize(raw []byte) (*unified.Request, error) {
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, formats.NewValidationError(formatName, err.Error())
	}
	if req.Model == "" {
		return nil, formats.NewValidationError(formatName, "'model' is a required field")
	}
	if req.Prompt == "" {
		return nil, formats.NewValidationError(formatName, "'prompt' is a required field")
	}

	// Ollama streams by default; an explicit stream:false opts out.
	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	out := &unified.Request{
		Model:  req.Model,
		Stream: stream,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, unified.Message{Role: unified.RoleSystem, Content: req.System})
	}

	user := unified.Message{Role: unified.RoleUser}
	if len(req.Images) == 0 {
		user.Content = req.Prompt
	} else {
		user.Parts = append(user.Parts, unified.ContentPart{Type: unified.PartText, Text: req.Prompt})
		for _, img := range req.Images {
			// Ollama carries bare base64; the MIME type is not transmitted.
			user.Parts = append(user.Parts, unified.ContentPart{
				Type:     unified.PartImage,
				ImageURL: unified.DataURI("image/png", img),
			})
		}
	}
	out.Messages = append(out.Messages, user)

	if req.Options != nil {
		out.Temperature = req.Options.Temperature
		out.TopP = req.Options.TopP
		out.TopK = req.Options.TopK
		out.MaxTokens = req.Options.NumPredict
		out.Stop = req.Options.Stop
		out.Seed = req.Options.Seed
		out.PresencePenalty = req.Options.PresencePenalty
		out.FrequencyPenalty = req.Options.FrequencyPenalty
	}

	switch req.Format {
	case "":
	case "json":
		out.ResponseFormat = unified.ResponseJSON
	default:
		return nil, formats.NewConversionError(formatName, "format", "unsupported value "+strconv.Quote(req.Format))
	}

	return out, nil
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// doneReason maps canonical finish reasons to Ollama done_reason values.
func doneReason(canonical string) string {
	switch canonical {
	case "":
		return ""
	case unified.FinishLength:
		return "length"
	default:
		return "stop"
	}
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	if len(resp.Choices) == 0 {
		return nil, formats.NewConversionError(formatName, "choices", "response has no choices")
	}
	c := resp.Choices[0]

	var sb strings.Builder
	sb.WriteString(c.Message.Text())
	// Tool calls have no representation here; surface them as text rather
	// than dropping the model output entirely.
	for _, tc := range c.Message.ToolCalls {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(tc.Name)
		sb.WriteString("(")
		sb.WriteString(tc.Arguments)
		sb.WriteString(")")
	}

	return Response{
		Model:           resp.Model,
		CreatedAt:       time.Unix(resp.Created, 0).UTC().Format(time.RFC3339Nano),
		Response:        sb.String(),
		Done:            true,
		DoneReason:      doneReason(c.FinishReason),
		PromptEvalCount: resp.Usage.PromptTokens,
		EvalCount:       resp.Usage.CompletionTokens,
	}, nil
}

func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	out := Response{
		Model:     chunk.Model,
		CreatedAt: time.Unix(chunk.Created, 0).UTC().Format(time.RFC3339Nano),
	}
	if len(chunk.Choices) == 0 {
		return out, nil
	}
	c := chunk.Choices[0]
	out.Response = c.Delta.Content
	if c.FinishReason != "" {
		out.Done = true
		out.DoneReason = doneReason(c.FinishReason)
	}
	return out, nil
}
