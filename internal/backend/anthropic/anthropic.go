// Package anthropic executes canonical requests against the Anthropic
// Messages API using the official SDK.
//
// Canonical requests are re-expressed in Anthropic's conventions before the
// call: leading system messages merge into the system field, tool results
// become tool_result blocks inside user messages, and image parts carrying a
// data URI are split into media type and base64 payload. A bare remote image
// URL degrades to an "[Image: <url>]" text block.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Executor implements backend.Executor over the Anthropic SDK.
type Executor struct {
	name     string
	provider string
	client   anthropic.Client
}

// New builds an executor for cfg.
func New(cfg router.Backend) (backend.Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: backend.Timeout}),
	)
	return &Executor{name: cfg.Name, provider: cfg.Provider, client: client}, nil
}

func (e *Executor) Name() string     { return e.name }
func (e *Executor) Provider() string { return e.provider }

func (e *Executor) Execute(ctx context.Context, req *unified.Request) (*unified.Response, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return e.stream(ctx, req, params)
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, e.wrapError(err)
	}
	return toUnified(msg), nil
}

func buildParams(req *unified.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	var system []string
	leading := true
	for _, m := range req.Messages {
		if m.Role == unified.RoleSystem && leading {
			system = append(system, m.Text())
			continue
		}
		leading = false
		sdkMsg, err := toSDKMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, sdkMsg)
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if req.TopK != nil {
		params.TopK = anthropic.Int(int64(*req.TopK))
	}
	params.StopSequences = req.Stop

	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if reqd, ok := t.Parameters["required"]; ok {
			schema.Required = toStringSlice(reqd)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	if req.ToolChoice.Mode != "" {
		switch req.ToolChoice.Mode {
		case unified.ToolChoiceNone:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		case unified.ToolChoiceRequired:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case unified.ToolChoiceNamed:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{
				OfTool: &anthropic.ToolChoiceToolParam{Name: req.ToolChoice.Name},
			}
		default:
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	return params, nil
}

func toSDKMessage(m unified.Message) (anthropic.MessageParam, error) {
	if m.Role == unified.RoleTool {
		// Tool results travel as tool_result blocks inside a user message.
		return anthropic.NewUserMessage(
			anthropic.NewToolResultBlock(m.ToolCallID, m.Text(), false),
		), nil
	}

	var blocks []anthropic.ContentBlockParamUnion
	if m.IsMultipart() {
		for _, p := range m.Parts {
			switch p.Type {
			case unified.PartImage:
				if mime, data, ok := unified.ParseDataURI(p.ImageURL); ok {
					blocks = append(blocks, anthropic.NewImageBlockBase64(mime, data))
				} else {
					blocks = append(blocks, anthropic.NewTextBlock("[Image: "+p.ImageURL+"]"))
				}
			default:
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		}
	} else if m.Content != "" {
		blocks = append(blocks, anthropic.NewTextBlock(m.Content))
	}

	for _, tc := range m.ToolCalls {
		var input map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return anthropic.MessageParam{}, errors.New("anthropic: tool call arguments are not valid JSON: " + err.Error())
			}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}

	if m.Role == unified.RoleAssistant {
		return anthropic.NewAssistantMessage(blocks...), nil
	}
	return anthropic.NewUserMessage(blocks...), nil
}

func toUnified(msg *anthropic.Message) *unified.Response {
	out := &unified.Response{
		ID:     msg.ID,
		Object: "chat.completion",
		Model:  string(msg.Model),
		Usage: unified.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	assistant := unified.Message{Role: unified.RoleAssistant}
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			assistant.ToolCalls = append(assistant.ToolCalls, unified.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: string(v.Input),
			})
		}
	}
	assistant.Content = sb.String()

	out.Choices = []unified.Choice{{
		Message:      assistant,
		FinishReason: canonicalFinish(string(msg.StopReason)),
	}}
	return out
}

func (e *Executor) stream(ctx context.Context, req *unified.Request, params anthropic.MessageNewParams) (*unified.Response, error) {
	ch := make(chan unified.StreamChunk, 64)
	stream := e.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var msgID string
		blockIndex := -1
		toolIndex := -1

		emit := func(chunk unified.StreamChunk) bool {
			chunk.ID = msgID
			chunk.Object = "chat.completion.chunk"
			chunk.Model = req.Model
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				msgID = ev.Message.ID
				if !emit(unified.StreamChunk{Choices: []unified.ChunkChoice{{
					Delta: unified.Delta{Role: unified.RoleAssistant},
				}}}) {
					return
				}

			case anthropic.ContentBlockStartEvent:
				blockIndex++
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolIndex++
					if !emit(unified.StreamChunk{Choices: []unified.ChunkChoice{{
						Delta: unified.Delta{ToolCalls: []unified.ToolCallDelta{{
							Index: toolIndex, ID: tu.ID, Name: tu.Name,
						}}},
					}}}) {
						return
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if d.Text == "" {
						continue
					}
					if !emit(unified.StreamChunk{Choices: []unified.ChunkChoice{{
						Delta: unified.Delta{Content: d.Text},
					}}}) {
						return
					}
				case anthropic.InputJSONDelta:
					if !emit(unified.StreamChunk{Choices: []unified.ChunkChoice{{
						Delta: unified.Delta{ToolCalls: []unified.ToolCallDelta{{
							Index: toolIndex, Arguments: d.PartialJSON,
						}}},
					}}}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					if !emit(unified.StreamChunk{Choices: []unified.ChunkChoice{{
						FinishReason: canonicalFinish(string(ev.Delta.StopReason)),
					}}}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- unified.StreamChunk{Err: e.wrapError(err)}
		}
	}()

	return &unified.Response{Model: req.Model, Stream: ch}, nil
}

// canonicalFinish folds Anthropic stop reasons into the canonical set.
func canonicalFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "max_tokens":
		return unified.FinishLength
	case "tool_use":
		return unified.FinishToolCalls
	case "refusal":
		return unified.FinishContentFilter
	default:
		return unified.FinishStop
	}
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (e *Executor) wrapError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &backend.ExecError{
			Provider:   e.provider,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "upstream_error",
		}
	}
	return err
}
