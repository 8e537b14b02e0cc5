// Package openai implements the OpenAI chat-completions wire format.
//
// This is the richest of the supported formats: every canonical field has a
// native representation, so conversions in both directions are lossless.
// All "OpenAI compatible" vendor names alias this normalizer in the registry.
package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "openai"

// Normalizer implements formats.Normalizer for the OpenAI wire format.
type Normalizer struct{}

// New returns the OpenAI normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireMessage struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content,omitempty"`
		Name       string          `json:"name,omitempty"`
		ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
	}

	wireToolCall struct {
		ID       string       `json:"id"`
		Type     string       `json:"type"`
		Function wireFunction `json:"function"`
	}

	wireFunction struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	wireTool struct {
		Type     string          `json:"type"`
		Function wireToolDeclare `json:"function"`
	}

	wireToolDeclare struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	wireContentPart struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL *struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}

	wireRequest struct {
		Model               string          `json:"model"`
		Messages            []wireMessage   `json:"messages"`
		MaxTokens           int             `json:"max_tokens,omitempty"`
		MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
		Temperature         *float64        `json:"temperature,omitempty"`
		TopP                *float64        `json:"top_p,omitempty"`
		Stop                json.RawMessage `json:"stop,omitempty"`
		Seed                *int64          `json:"seed,omitempty"`
		PresencePenalty     *float64        `json:"presence_penalty,omitempty"`
		FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
		User                string          `json:"user,omitempty"`
		Stream              bool            `json:"stream,omitempty"`
		Tools               []wireTool      `json:"tools,omitempty"`
		ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
		ResponseFormat      *struct {
			Type string `json:"type"`
		} `json:"response_format,omitempty"`
	}

	// Response is the OpenAI chat completion envelope.
	Response struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []Choice `json:"choices"`
		Usage   Usage    `json:"usage"`
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int             `json:"index"`
		Message      ResponseMessage `json:"message"`
		FinishReason *string         `json:"finish_reason"`
	}

	// ResponseMessage is the assistant message in a choice.
	ResponseMessage struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	}

	// Usage mirrors the OpenAI usage block.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// StreamEvent is one chat.completion.chunk SSE payload.
	StreamEvent struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []DeltaChoice `json:"choices"`
	}

	// DeltaChoice is one streamed choice fragment.
	DeltaChoice struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	}

	// Delta is a partial assistant message.
	Delta struct {
		Role      string          `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []DeltaToolCall `json:"tool_calls,omitempty"`
	}

	// DeltaToolCall is a partial tool-call fragment.
	DeltaToolCall struct {
		Index    int          `json:"index"`
		ID       string       `json:"id,omitempty"`
		Type     string       `json:"type,omitempty"`
		Function wireFunction `json:"function"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate accepts any object carrying a "model" string and a "messages"
// array. Anthropic bodies also match this shape, so detection order matters:
// try Anthropic (which additionally requires max_tokens) first.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Model != "" && len(probe.Messages) > 0 && probe.Messages[0] == '['
}

func (n *Normalizer) Normalize(raw []byte) (*unified.Request, error) {
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, formats.NewValidationError(formatName, err.Error())
	}
	if req.Model == "" {
		return nil, formats.NewValidationError(formatName, "field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return nil, formats.NewValidationError(formatName, "field 'messages' must not be empty")
	}

	msgs := make([]unified.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		um, err := normalizeMessage(m)
		if err != nil {
			return nil, formats.NewValidationError(formatName, fmt.Sprintf("messages[%d]: %v", i, err))
		}
		msgs = append(msgs, um)
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}

	stop, err := parseStop(req.Stop)
	if err != nil {
		return nil, formats.NewValidationError(formatName, err.Error())
	}

	out := &unified.Request{
		Model:            req.Model,
		Messages:         msgs,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stop:             stop,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		User:             req.User,
		Stream:           req.Stream,
	}

	for _, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, formats.NewConversionError(formatName, "tools.type", "only function tools are supported")
		}
		out.Tools = append(out.Tools, unified.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	tc, err := parseToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc

	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "", "text":
			out.ResponseFormat = unified.ResponseText
		case "json_object", "json_schema":
			out.ResponseFormat = unified.ResponseJSON
		default:
			return nil, formats.NewConversionError(formatName, "response_format.type", "unsupported value "+req.ResponseFormat.Type)
		}
	}

	return out, nil
}

func normalizeMessage(m wireMessage) (unified.Message, error) {
	um := unified.Message{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	switch m.Role {
	case unified.RoleSystem, unified.RoleUser, unified.RoleAssistant, unified.RoleTool:
	case "developer":
		um.Role = unified.RoleSystem
	default:
		return um, fmt.Errorf("invalid role %q", m.Role)
	}

	if len(m.Content) > 0 {
		// String or typed-part array.
		var text string
		if err := json.Unmarshal(m.Content, &text); err == nil {
			um.Content = text
		} else {
			var parts []wireContentPart
			if err := json.Unmarshal(m.Content, &parts); err != nil {
				return um, fmt.Errorf("unsupported content structure")
			}
			for _, p := range parts {
				switch p.Type {
				case "text":
					um.Parts = append(um.Parts, unified.ContentPart{Type: unified.PartText, Text: p.Text})
				case "image_url":
					if p.ImageURL == nil || p.ImageURL.URL == "" {
						return um, fmt.Errorf("image_url part without url")
					}
					um.Parts = append(um.Parts, unified.ContentPart{Type: unified.PartImage, ImageURL: p.ImageURL.URL})
				default:
					return um, fmt.Errorf("unsupported content part type %q", p.Type)
				}
			}
		}
	}

	for _, tc := range m.ToolCalls {
		um.ToolCalls = append(um.ToolCalls, unified.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return um, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		return multi, nil
	}
	return nil, fmt.Errorf("field 'stop' must be a string or array of strings")
}

func parseToolChoice(raw json.RawMessage) (unified.ToolChoice, error) {
	if len(raw) == 0 {
		return unified.ToolChoice{}, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case unified.ToolChoiceAuto, unified.ToolChoiceNone, unified.ToolChoiceRequired:
			return unified.ToolChoice{Mode: mode}, nil
		}
		return unified.ToolChoice{}, formats.NewConversionError(formatName, "tool_choice", "unsupported value "+mode)
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return unified.ToolChoice{}, formats.NewConversionError(formatName, "tool_choice", "unsupported shape")
	}
	return unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: named.Function.Name}, nil
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// finishReason maps canonical finish reasons to OpenAI values. The canonical
// vocabulary was modelled on OpenAI's, so this table is the identity; anything
// unrecognized falls back to "stop".
func finishReason(canonical string) *string {
	if canonical == "" {
		return nil
	}
	v := canonical
	switch canonical {
	case unified.FinishStop, unified.FinishLength, unified.FinishToolCalls, unified.FinishContentFilter:
	default:
		v = unified.FinishStop
	}
	return &v
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	out := Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for _, c := range resp.Choices {
		msg := ResponseMessage{
			Role:    unified.RoleAssistant,
			Content: c.Message.Text(),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Choices = append(out.Choices, Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finishReason(c.FinishReason),
		})
	}

	return out, nil
}

func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	out := StreamEvent{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: chunk.Created,
		Model:   chunk.Model,
	}
	if out.ID == "" {
		out.ID = "chatcmpl-stream"
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for _, c := range chunk.Choices {
		dc := DeltaChoice{
			Index: c.Index,
			Delta: Delta{
				Role:    c.Delta.Role,
				Content: c.Delta.Content,
			},
			FinishReason: finishReason(c.FinishReason),
		}
		for _, tc := range c.Delta.ToolCalls {
			dc.Delta.ToolCalls = append(dc.Delta.ToolCalls, DeltaToolCall{
				Index:    tc.Index,
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Choices = append(out.Choices, dc)
	}

	return out, nil
}
