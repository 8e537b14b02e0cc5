// Package anthropic implements the Anthropic messages wire format.
//
// Documented lossy edges:
//   - The dedicated system field and leading system-role messages are merged
//     in both directions (blank-line separator), so per-message boundaries
//     inside the system prompt are not preserved.
//   - Image parts carrying a bare remote URL degrade to a textual
//     "[Image: <url>]" placeholder; Anthropic requires inline base64 data.
package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "anthropic"

// Normalizer implements formats.Normalizer for the Anthropic wire format.
type Normalizer struct{}

// New returns the Anthropic normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireBlock struct {
		Type string `json:"type"`

		// type == "text"
		Text string `json:"text,omitempty"`

		// type == "image"
		Source *wireImageSource `json:"source,omitempty"`

		// type == "tool_use"
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`

		// type == "tool_result"
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   json.RawMessage `json:"content,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`
	}

	wireImageSource struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type,omitempty"`
		Data      string `json:"data,omitempty"`
		URL       string `json:"url,omitempty"`
	}

	wireMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	wireTool struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		InputSchema map[string]any `json:"input_schema,omitempty"`
	}

	wireRequest struct {
		Model         string          `json:"model"`
		MaxTokens     int             `json:"max_tokens"`
		System        json.RawMessage `json:"system,omitempty"`
		Messages      []wireMessage   `json:"messages"`
		Temperature   *float64        `json:"temperature,omitempty"`
		TopP          *float64        `json:"top_p,omitempty"`
		TopK          *int            `json:"top_k,omitempty"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
		Stream        bool            `json:"stream,omitempty"`
		Tools         []wireTool      `json:"tools,omitempty"`
		ToolChoice    *struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		} `json:"tool_choice,omitempty"`
		Metadata *struct {
			UserID string `json:"user_id,omitempty"`
		} `json:"metadata,omitempty"`
	}

	// Response is the Anthropic message envelope.
	Response struct {
		ID           string          `json:"id"`
		Type         string          `json:"type"`
		Role         string          `json:"role"`
		Model        string          `json:"model"`
		Content      []ResponseBlock `json:"content"`
		StopReason   *string         `json:"stop_reason"`
		StopSequence *string         `json:"stop_sequence"`
		Usage        ResponseUsage   `json:"usage"`
	}

	// ResponseBlock is one content block in a response.
	ResponseBlock struct {
		Type  string         `json:"type"`
		Text  string         `json:"text,omitempty"`
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name,omitempty"`
		Input map[string]any `json:"input,omitempty"`
	}

	// ResponseUsage mirrors Anthropic token accounting.
	ResponseUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// StreamEvent is one Anthropic SSE event payload. The Type discriminator
	// selects which of the optional fields is present.
	StreamEvent struct {
		Type    string         `json:"type"`
		Index   int            `json:"index,omitempty"`
		Message *Response      `json:"message,omitempty"`
		Delta   *StreamDelta   `json:"delta,omitempty"`
		Usage   *ResponseUsage `json:"usage,omitempty"`
		Block   *ResponseBlock `json:"content_block,omitempty"`
	}

	// StreamDelta is the delta payload of content_block_delta / message_delta.
	StreamDelta struct {
		Type        string  `json:"type,omitempty"`
		Text        string  `json:"text,omitempty"`
		PartialJSON string  `json:"partial_json,omitempty"`
		StopReason  *string `json:"stop_reason,omitempty"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate requires model, a messages array, and the max_tokens field that is
// mandatory in the Anthropic API — the latter is what separates Anthropic
// bodies from OpenAI ones during auto-detection.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Model     string          `json:"model"`
		Messages  json.RawMessage `json:"messages"`
		MaxTokens *int            `json:"max_tokens"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Model != "" && len(probe.Messages) > 0 && probe.Messages[0] == '[' && probe.MaxTokens != nil
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

	out := &unified.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}

	// The dedicated system field becomes an ordinary leading system message.
	if sys := parseSystem(req.System); sys != "" {
		out.Messages = append(out.Messages, unified.Message{Role: unified.RoleSystem, Content: sys})
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}

	for i, m := range req.Messages {
		ums, err := normalizeMessage(m)
		if err != nil {
			return nil, formats.NewValidationError(formatName, fmt.Sprintf("messages[%d]: %v", i, err))
		}
		out.Messages = append(out.Messages, ums...)
	}
	if len(out.Messages) == 0 {
		return nil, formats.NewValidationError(formatName, "request contains no usable messages")
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, unified.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceAuto}
		case "none":
			out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceNone}
		case "any":
			out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceRequired}
		case "tool":
			out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: req.ToolChoice.Name}
		default:
			return nil, formats.NewConversionError(formatName, "tool_choice.type", "unsupported value "+req.ToolChoice.Type)
		}
	}

	return out, nil
}

// parseSystem accepts both the plain-string and block-array system shapes.
func parseSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// normalizeMessage may yield more than one canonical message: tool_result
// blocks inside a user message split off as role=tool messages.
func normalizeMessage(m wireMessage) ([]unified.Message, error) {
	switch m.Role {
	case unified.RoleUser, unified.RoleAssistant:
	default:
		return nil, fmt.Errorf("invalid role %q", m.Role)
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []unified.Message{{Role: m.Role, Content: text}}, nil
	}

	var blocks []wireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("unsupported content structure")
	}

	cur := unified.Message{Role: m.Role}
	var out []unified.Message
	flush := func() {
		if len(cur.Parts) > 0 || len(cur.ToolCalls) > 0 || cur.Content != "" {
			out = append(out, cur)
			cur = unified.Message{Role: m.Role}
		}
	}

	for _, b := range blocks {
		switch b.Type {
		case "text":
			cur.Parts = append(cur.Parts, unified.ContentPart{Type: unified.PartText, Text: b.Text})

		case "image":
			if b.Source == nil {
				return nil, fmt.Errorf("image block without source")
			}
			var uri string
			switch b.Source.Type {
			case "base64":
				uri = unified.DataURI(b.Source.MediaType, b.Source.Data)
			case "url":
				uri = b.Source.URL
			default:
				return nil, fmt.Errorf("unsupported image source type %q", b.Source.Type)
			}
			cur.Parts = append(cur.Parts, unified.ContentPart{Type: unified.PartImage, ImageURL: uri})

		case "tool_use":
			// Arguments are a native object on the wire; canonical form is
			// always a JSON-encoded string.
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			cur.ToolCalls = append(cur.ToolCalls, unified.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})

		case "tool_result":
			flush()
			out = append(out, unified.Message{
				Role:       unified.RoleTool,
				Content:    toolResultText(b.Content),
				ToolCallID: b.ToolUseID,
			})

		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	flush()

	if len(out) == 0 {
		return nil, fmt.Errorf("message contains no usable content")
	}

	// Collapse a single text part to plain string content.
	for i := range out {
		if len(out[i].Parts) == 1 && out[i].Parts[0].Type == unified.PartText {
			out[i].Content = out[i].Parts[0].Text
			out[i].Parts = nil
		}
	}

	return out, nil
}

// toolResultText flattens a tool_result content value (string or text blocks).
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// stopReason maps canonical finish reasons to Anthropic stop reasons.
// Unrecognized values default to end_turn.
func stopReason(canonical string) *string {
	if canonical == "" {
		return nil
	}
	v := "end_turn"
	switch canonical {
	case unified.FinishLength:
		v = "max_tokens"
	case unified.FinishToolCalls:
		v = "tool_use"
	case unified.FinishContentFilter:
		v = "refusal"
	}
	return &v
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	out := Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  unified.RoleAssistant,
		Model: resp.Model,
		Usage: ResponseUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if len(resp.Choices) == 0 {
		return nil, formats.NewConversionError(formatName, "choices", "response has no choices")
	}
	// Anthropic has no multi-choice concept; only the first choice survives.
	c := resp.Choices[0]

	if text := c.Message.Text(); text != "" {
		out.Content = append(out.Content, ResponseBlock{Type: "text", Text: text})
	}
	for _, tc := range c.Message.ToolCalls {
		var input map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, formats.NewConversionError(formatName, "tool_calls.arguments", "not valid JSON: "+err.Error())
			}
		}
		out.Content = append(out.Content, ResponseBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	if out.Content == nil {
		out.Content = []ResponseBlock{}
	}
	out.StopReason = stopReason(c.FinishReason)

	return out, nil
}

// DenormalizeStream emits one Anthropic-style event per canonical chunk:
// a role-bearing first chunk becomes message_start, content fragments become
// content_block_delta, tool-call fragments become input_json_delta, and the
// finishing chunk becomes message_delta carrying the stop reason.
func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	if len(chunk.Choices) == 0 {
		return StreamEvent{Type: "ping"}, nil
	}
	c := chunk.Choices[0]

	if c.FinishReason != "" {
		return StreamEvent{
			Type:  "message_delta",
			Delta: &StreamDelta{StopReason: stopReason(c.FinishReason)},
		}, nil
	}

	if len(c.Delta.ToolCalls) > 0 {
		tc := c.Delta.ToolCalls[0]
		if tc.Name != "" {
			return StreamEvent{
				Type:  "content_block_start",
				Index: tc.Index,
				Block: &ResponseBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name},
			}, nil
		}
		return StreamEvent{
			Type:  "content_block_delta",
			Index: tc.Index,
			Delta: &StreamDelta{Type: "input_json_delta", PartialJSON: tc.Arguments},
		}, nil
	}

	if c.Delta.Role != "" && c.Delta.Content == "" {
		return StreamEvent{
			Type: "message_start",
			Message: &Response{
				ID:      chunk.ID,
				Type:    "message",
				Role:    unified.RoleAssistant,
				Model:   chunk.Model,
				Content: []ResponseBlock{},
			},
		}, nil
	}

	return StreamEvent{
		Type:  "content_block_delta",
		Index: c.Index,
		Delta: &StreamDelta{Type: "text_delta", Text: c.Delta.Content},
	}, nil
}
