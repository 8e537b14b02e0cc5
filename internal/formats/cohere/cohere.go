// Package cohere implements the Cohere chat wire format (v1 /chat).
//
// Documented lossy edges:
//   - preamble and leading system-role messages merge both ways with a
//     blank-line separator.
//   - Cohere identifies tool calls by function name, not call ID; canonical
//     IDs survive a round trip only when they equal the name.
//   - Image parts degrade to "[Image: <url>]" placeholders; the Cohere chat
//     format has no image representation.
//   - Tool parameters convert between JSON schema and Cohere
//     parameter_definitions; schema keywords beyond type/description/required
//     are dropped.
package cohere

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "cohere"

// Normalizer implements formats.Normalizer for the Cohere wire format.
type Normalizer struct{}

// New returns the Cohere normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireToolCall struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters,omitempty"`
	}

	wireToolResult struct {
		Call    wireToolCall     `json:"call"`
		Outputs []map[string]any `json:"outputs,omitempty"`
	}

	wireHistoryEntry struct {
		Role        string           `json:"role"`
		Message     string           `json:"message,omitempty"`
		ToolCalls   []wireToolCall   `json:"tool_calls,omitempty"`
		ToolResults []wireToolResult `json:"tool_results,omitempty"`
	}

	ParameterDefinition struct {
		Description string `json:"description,omitempty"`
		Type        string `json:"type,omitempty"`
		Required    bool   `json:"required,omitempty"`
	}

	wireTool struct {
		Name                 string                         `json:"name"`
		Description          string                         `json:"description,omitempty"`
		ParameterDefinitions map[string]ParameterDefinition `json:"parameter_definitions,omitempty"`
	}

	wireRequest struct {
		Model            string             `json:"model"`
		Message          string             `json:"message,omitempty"`
		ChatHistory      []wireHistoryEntry `json:"chat_history,omitempty"`
		Preamble         string             `json:"preamble,omitempty"`
		Temperature      *float64           `json:"temperature,omitempty"`
		P                *float64           `json:"p,omitempty"`
		K                *int               `json:"k,omitempty"`
		MaxTokens        int                `json:"max_tokens,omitempty"`
		StopSequences    []string           `json:"stop_sequences,omitempty"`
		Seed             *int64             `json:"seed,omitempty"`
		PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
		FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
		Stream           bool               `json:"stream,omitempty"`
		Tools            []wireTool         `json:"tools,omitempty"`
		ToolResults      []wireToolResult   `json:"tool_results,omitempty"`
		ResponseFormat   *struct {
			Type string `json:"type"`
		} `json:"response_format,omitempty"`
	}

	// Response is the Cohere chat envelope.
	Response struct {
		ResponseID   string         `json:"response_id"`
		GenerationID string         `json:"generation_id,omitempty"`
		Text         string         `json:"text"`
		FinishReason string         `json:"finish_reason,omitempty"`
		ToolCalls    []wireToolCall `json:"tool_calls,omitempty"`
		Meta         *Meta          `json:"meta,omitempty"`
	}

	// Meta carries token accounting.
	Meta struct {
		BilledUnits *TokenCount `json:"billed_units,omitempty"`
		Tokens      *TokenCount `json:"tokens,omitempty"`
	}

	// TokenCount mirrors Cohere token counters.
	TokenCount struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// StreamEvent is one Cohere streaming event.
	StreamEvent struct {
		EventType    string         `json:"event_type"`
		GenerationID string         `json:"generation_id,omitempty"`
		Text         string         `json:"text,omitempty"`
		ToolCalls    []wireToolCall `json:"tool_calls,omitempty"`
		FinishReason string         `json:"finish_reason,omitempty"`
		Response     *Response      `json:"response,omitempty"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate keys on the singular "message" field or "chat_history"/"preamble"
// — shapes no other supported format uses.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Message     *string         `json:"message"`
		ChatHistory json.RawMessage `json:"chat_history"`
		Preamble    *string         `json:"preamble"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Message != nil || len(probe.ChatHistory) > 0 || probe.Preamble != nil
}

func (n *Normalizer) Normalize(raw []byte) (*unified.Request, error) {
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, formats.NewValidationError(formatName, err.Error())
	}
	if req.Message == "" && len(req.ChatHistory) == 0 && len(req.ToolResults) == 0 {
		return nil, formats.NewValidationError(formatName, "one of 'message', 'chat_history' or 'tool_results' is required")
	}

	out := &unified.Request{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.P,
		TopK:             req.K,
		Stop:             req.StopSequences,
		Seed:             req.Seed,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stream:           req.Stream,
	}

	if req.Preamble != "" {
		out.Messages = append(out.Messages, unified.Message{Role: unified.RoleSystem, Content: req.Preamble})
	}

	for i, h := range req.ChatHistory {
		msgs, err := normalizeHistoryEntry(h)
		if err != nil {
			return nil, formats.NewValidationError(formatName, fmt.Sprintf("chat_history[%d]: %v", i, err))
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, tr := range req.ToolResults {
		out.Messages = append(out.Messages, toolResultMessage(tr))
	}

	if req.Message != "" {
		out.Messages = append(out.Messages, unified.Message{Role: unified.RoleUser, Content: req.Message})
	}
	if len(out.Messages) == 0 {
		return nil, formats.NewValidationError(formatName, "request contains no usable messages")
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, unified.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaFromDefinitions(t.ParameterDefinitions),
		})
	}

	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "", "text":
			out.ResponseFormat = unified.ResponseText
		case "json_object":
			out.ResponseFormat = unified.ResponseJSON
		default:
			return nil, formats.NewConversionError(formatName, "response_format.type", "unsupported value "+req.ResponseFormat.Type)
		}
	}

	return out, nil
}

func normalizeHistoryEntry(h wireHistoryEntry) ([]unified.Message, error) {
	switch strings.ToUpper(h.Role) {
	case "USER":
		return []unified.Message{{Role: unified.RoleUser, Content: h.Message}}, nil

	case "SYSTEM":
		return []unified.Message{{Role: unified.RoleSystem, Content: h.Message}}, nil

	case "CHATBOT":
		msg := unified.Message{Role: unified.RoleAssistant, Content: h.Message}
		for _, tc := range h.ToolCalls {
			args, err := json.Marshal(tc.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool call %q: %v", tc.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, unified.ToolCall{
				ID:        tc.Name,
				Name:      tc.Name,
				Arguments: string(args),
			})
		}
		return []unified.Message{msg}, nil

	case "TOOL":
		out := make([]unified.Message, 0, len(h.ToolResults))
		for _, tr := range h.ToolResults {
			out = append(out, toolResultMessage(tr))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("TOOL entry without tool_results")
		}
		return out, nil
	}

	return nil, fmt.Errorf("invalid role %q", h.Role)
}

func toolResultMessage(tr wireToolResult) unified.Message {
	content, _ := json.Marshal(tr.Outputs)
	return unified.Message{
		Role:       unified.RoleTool,
		Name:       tr.Call.Name,
		Content:    string(content),
		ToolCallID: tr.Call.Name,
	}
}

// schemaFromDefinitions lifts Cohere parameter_definitions into a JSON-schema
// object, the canonical tool-parameter representation.
func schemaFromDefinitions(defs map[string]ParameterDefinition) map[string]any {
	if len(defs) == 0 {
		return nil
	}
	props := make(map[string]any, len(defs))
	var required []string
	for name, d := range defs {
		prop := map[string]any{}
		if d.Type != "" {
			prop["type"] = strings.ToLower(d.Type)
		}
		if d.Description != "" {
			prop["description"] = d.Description
		}
		props[name] = prop
		if d.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// DefinitionsFromSchema is the inverse of schemaFromDefinitions, used when a
// canonical tool declaration targets the Cohere wire format.
func DefinitionsFromSchema(schema map[string]any) map[string]ParameterDefinition {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	requiredSet := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				requiredSet[s] = true
			}
		}
	}
	out := make(map[string]ParameterDefinition, len(props))
	for name, p := range props {
		def := ParameterDefinition{Required: requiredSet[name]}
		if pm, ok := p.(map[string]any); ok {
			def.Type, _ = pm["type"].(string)
			def.Description, _ = pm["description"].(string)
		}
		out[name] = def
	}
	return out
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// finishReason maps canonical finish reasons to Cohere values; anything
// unrecognized collapses to COMPLETE.
func finishReason(canonical string) string {
	switch canonical {
	case "":
		return ""
	case unified.FinishLength:
		return "MAX_TOKENS"
	case unified.FinishToolCalls:
		return "TOOL_CALL"
	case unified.FinishContentFilter:
		return "ERROR_TOXIC"
	default:
		return "COMPLETE"
	}
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	if len(resp.Choices) == 0 {
		return nil, formats.NewConversionError(formatName, "choices", "response has no choices")
	}
	// Cohere has no multi-choice concept; only the first choice survives.
	c := resp.Choices[0]

	out := Response{
		ResponseID:   resp.ID,
		GenerationID: resp.ID,
		Text:         c.Message.Text(),
		FinishReason: finishReason(c.FinishReason),
		Meta: &Meta{
			BilledUnits: &TokenCount{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		},
	}

	for _, tc := range c.Message.ToolCalls {
		var params map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &params); err != nil {
				return nil, formats.NewConversionError(formatName, "tool_calls.arguments", "not valid JSON: "+err.Error())
			}
		}
		out.ToolCalls = append(out.ToolCalls, wireToolCall{Name: tc.Name, Parameters: params})
	}

	return out, nil
}

func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	if len(chunk.Choices) == 0 {
		return StreamEvent{EventType: "stream-start", GenerationID: chunk.ID}, nil
	}
	c := chunk.Choices[0]

	if c.FinishReason != "" {
		return StreamEvent{
			EventType:    "stream-end",
			FinishReason: finishReason(c.FinishReason),
		}, nil
	}

	if len(c.Delta.ToolCalls) > 0 {
		var calls []wireToolCall
		for _, tc := range c.Delta.ToolCalls {
			if tc.Name == "" {
				continue
			}
			var params map[string]any
			if tc.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Arguments), &params)
			}
			calls = append(calls, wireToolCall{Name: tc.Name, Parameters: params})
		}
		return StreamEvent{EventType: "tool-calls-generation", ToolCalls: calls}, nil
	}

	if c.Delta.Role != "" && c.Delta.Content == "" {
		return StreamEvent{EventType: "stream-start", GenerationID: chunk.ID}, nil
	}

	return StreamEvent{EventType: "text-generation", Text: c.Delta.Content}, nil
}
