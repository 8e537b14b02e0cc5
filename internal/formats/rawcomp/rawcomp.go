// Package rawcomp implements the legacy text-completion wire format used by
// local inference servers (llama.cpp server, text-generation-webui and other
// /v1/completions lookalikes).
//
// This is a prompt-only format: the flat prompt (plus an optional system
// string) wraps into a one- or two-message list, and canonical responses
// collapse back into choices[].text, discarding role structure.
package rawcomp

import (
	"encoding/json"
	"errors"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "completion"

var errNonStringStop = errors.New("must be a string or array of strings")

// Normalizer implements formats.Normalizer for text-completion requests.
type Normalizer struct{}

// New returns the text-completion normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireRequest struct {
		Model            string   `json:"model"`
		Prompt           string   `json:"prompt"`
		System           string   `json:"system,omitempty"`
		Suffix           string   `json:"suffix,omitempty"`
		MaxTokens        int      `json:"max_tokens,omitempty"`
		Temperature      *float64 `json:"temperature,omitempty"`
		TopP             *float64 `json:"top_p,omitempty"`
		TopK             *int     `json:"top_k,omitempty"`
		Stop             any      `json:"stop,omitempty"`
		Seed             *int64   `json:"seed,omitempty"`
		PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
		FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
		User             string   `json:"user,omitempty"`
		Stream           bool     `json:"stream,omitempty"`
		N                int      `json:"n,omitempty"`
		Echo             bool     `json:"echo,omitempty"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Text         string  `json:"text"`
		Index        int     `json:"index"`
		Logprobs     any     `json:"logprobs"`
		FinishReason *string `json:"finish_reason"`
	}

	// Usage mirrors the legacy completion token accounting.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Response is the text_completion envelope, also used for stream chunks.
	Response struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   *Usage   `json:"usage,omitempty"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate keys on model + string prompt with no chat-style fields present.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Model    *string         `json:"model"`
		Prompt   *string         `json:"prompt"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Model != nil && probe.Prompt != nil && len(probe.Messages) == 0
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

	stop, err := parseStop(req.Stop)
	if err != nil {
		return nil, formats.NewConversionError(formatName, "stop", err.Error())
	}

	out := &unified.Request{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		Stop:             stop,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		User:             req.User,
		Stream:           req.Stream,
	}
	if req.System != "" {
		out.Messages = append(out.Messages, unified.Message{Role: unified.RoleSystem, Content: req.System})
	}
	out.Messages = append(out.Messages, unified.Message{Role: unified.RoleUser, Content: req.Prompt})
	return out, nil
}

func parseStop(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, errNonStringStop
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, errNonStringStop
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// finishReason passes canonical values through; legacy completion endpoints
// use the same identifiers as chat completions.
func finishReason(canonical string) *string {
	if canonical == "" {
		return nil
	}
	switch canonical {
	case unified.FinishStop, unified.FinishLength, unified.FinishContentFilter:
		s := canonical
		return &s
	}
	s := unified.FinishStop
	return &s
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	out := Response{
		ID:      resp.ID,
		Object:  "text_completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Text:         c.Message.Text(),
			Index:        c.Index,
			FinishReason: finishReason(c.FinishReason),
		})
	}
	if len(out.Choices) == 0 {
		return nil, formats.NewConversionError(formatName, "choices", "response has no choices")
	}
	return out, nil
}

func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	out := Response{
		ID:      chunk.ID,
		Object:  "text_completion",
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	for _, c := range chunk.Choices {
		out.Choices = append(out.Choices, Choice{
			Text:         c.Delta.Content,
			Index:        c.Index,
			FinishReason: finishReason(c.FinishReason),
		})
	}
	return out, nil
}
