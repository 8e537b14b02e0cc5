// Package unified defines the canonical, format-agnostic chat model that every
// other component of the bridge speaks.
//
// Inbound requests in any supported wire format are normalized into a Request,
// routed, executed, and the result is denormalized from a Response (or a
// sequence of StreamChunks) into the requested output format. The types here
// carry no behaviour beyond small shape helpers — conversion logic lives in
// internal/formats, selection logic in internal/router.
package unified

import (
	"encoding/base64"
	"strings"
)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Canonical finish reasons. Each output format owns its own mapping table;
// anything a backend reports that has no canonical equivalent collapses to
// FinishStop.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
)

// ContentPart is one element of a multipart message body.
// Text parts carry Text; image parts carry either a remote URL or a
// data: URI in ImageURL.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolCall is an assistant-requested function invocation. Arguments is always
// a JSON-encoded string — formats that represent arguments as native objects
// (Anthropic, Google) encode/decode at their boundary.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool choice modes.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
	ToolChoiceNamed    = "named"
)

// ToolChoice selects how the model may use declared tools. When Mode is
// ToolChoiceNamed, Name holds the forced tool.
type ToolChoice struct {
	Mode string `json:"mode,omitempty"`
	Name string `json:"name,omitempty"`
}

// Response format hints.
const (
	ResponseText = "text"
	ResponseJSON = "json_object"
)

// Message is a single conversation turn.
//
// Content and Parts are alternatives: when Parts is non-empty it is the
// authoritative body and Content is ignored. A single text part MAY be
// collapsed to Content by denormalizers for formats without multipart
// support — this is a documented lossy edge, not an error.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text flattens the message body to plain text. Image parts are skipped.
func (m *Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsMultipart reports whether the message needs typed-part representation
// (more than one part, or any non-text part).
func (m *Message) IsMultipart() bool {
	if len(m.Parts) == 0 {
		return false
	}
	if len(m.Parts) > 1 {
		return true
	}
	return m.Parts[0].Type != PartText
}

// Request is the canonical chat request. Invariant: Messages is never empty
// after normalization — prompt-only formats wrap the prompt as a single user
// message.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	User             string   `json:"user,omitempty"`

	Stream         bool       `json:"stream,omitempty"`
	Tools          []Tool     `json:"tools,omitempty"`
	ToolChoice     ToolChoice `json:"tool_choice,omitempty"`
	ResponseFormat string     `json:"response_format,omitempty"`
}

// Clone returns a deep-enough copy for middleware rewriting: the message
// slice and parameter pointers are duplicated so a fallback attempt can
// re-normalize from pristine input.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.Tools != nil {
		out.Tools = append([]Tool(nil), r.Tools...)
	}
	return &out
}

// Usage — token accounting as reported by the backend, zero-filled when the
// backend omits it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one completion alternative in a Response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Response is the canonical chat response.
//
// Stream is nil for non-streaming calls. For streaming calls the executor
// leaves Choices empty and delivers StreamChunks on Stream until it closes
// the channel; the channel is single-consumption and forward-only.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	Stream <-chan StreamChunk `json:"-"`
}

// Delta is a partial assistant message fragment inside a StreamChunk.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment. Index correlates
// fragments of the same call across chunks.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChunkChoice mirrors Choice for streaming deltas. FinishReason is empty
// until the final chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// StreamChunk is one streaming event in canonical form.
type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`

	// Err carries an in-stream failure. When set the chunk has no choices
	// and the stream closes right after.
	Err error `json:"-"`
}

// FinishReason returns the first non-empty finish reason in the chunk, or "".
func (c *StreamChunk) FinishReason() string {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return ch.FinishReason
		}
	}
	return ""
}

// ParseDataURI splits a data:<mime>;base64,<payload> URI into its mime type
// and base64 payload. ok is false for anything else (including bare URLs).
func ParseDataURI(uri string) (mime, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "", "", false
	}
	meta := rest[:comma]
	data = rest[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "application/octet-stream"
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", "", false
	}
	return mime, data, true
}

// DataURI builds a data: URI from a mime type and base64 payload.
func DataURI(mime, b64 string) string {
	return "data:" + mime + ";base64," + b64
}
