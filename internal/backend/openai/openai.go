// Package openai executes canonical requests against the OpenAI chat
// completions API using the official SDK. It also serves OpenAI-compatible
// vendors (xAI, Groq, DeepSeek, Mistral, Together, OpenRouter) when
// constructed with their base URL.
package openai

import (
	"context"
	"errors"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Executor implements backend.Executor over the OpenAI SDK.
type Executor struct {
	name     string
	provider string
	client   openaiSDK.Client
}

// New builds an executor for cfg. The backend's base_url, when set, redirects
// the SDK at an OpenAI-compatible vendor.
func New(cfg router.Backend) (backend.Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := openaiSDK.NewClient(
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

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, e.wrapError(err)
	}
	return e.toUnified(resp), nil
}

func buildParams(req *unified.Request) (openaiSDK.ChatCompletionNewParams, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
	}

	for _, m := range req.Messages {
		sdkMsg, err := toSDKMessage(m)
		if err != nil {
			return params, err
		}
		params.Messages = append(params.Messages, sdkMsg)
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}
	if req.Seed != nil {
		params.Seed = openaiSDK.Int(*req.Seed)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.User != "" {
		params.User = openaiSDK.String(req.User)
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openaiSDK.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openaiSDK.String(t.Description),
			Parameters:  shared.FunctionParameters(t.Parameters),
		}))
	}

	if req.ToolChoice.Mode != "" {
		switch req.ToolChoice.Mode {
		case unified.ToolChoiceAuto, unified.ToolChoiceNone, unified.ToolChoiceRequired:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfAuto: openaiSDK.String(string(req.ToolChoice.Mode)),
			}
		case unified.ToolChoiceNamed:
			params.ToolChoice = openaiSDK.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openaiSDK.ChatCompletionNamedToolChoiceParam{
					Function: openaiSDK.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolChoice.Name},
				},
			}
		}
	}

	if req.ResponseFormat == unified.ResponseJSON {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	return params, nil
}

func toSDKMessage(m unified.Message) (openaiSDK.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case unified.RoleSystem:
		return openaiSDK.SystemMessage(m.Text()), nil

	case unified.RoleTool:
		return openaiSDK.ToolMessage(m.Text(), m.ToolCallID), nil

	case unified.RoleAssistant:
		assistant := openaiSDK.ChatCompletionAssistantMessageParam{}
		if text := m.Text(); text != "" {
			assistant.Content.OfString = openaiSDK.String(text)
		}
		for _, tc := range m.ToolCalls {
			assistant.ToolCalls = append(assistant.ToolCalls, openaiSDK.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openaiSDK.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openaiSDK.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				},
			})
		}
		return openaiSDK.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil

	default: // user
		if !m.IsMultipart() {
			return openaiSDK.UserMessage(m.Text()), nil
		}
		var parts []openaiSDK.ChatCompletionContentPartUnionParam
		for _, p := range m.Parts {
			switch p.Type {
			case unified.PartImage:
				// Data URIs pass through unchanged; the API accepts them.
				parts = append(parts, openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
					URL: p.ImageURL,
				}))
			default:
				parts = append(parts, openaiSDK.TextContentPart(p.Text))
			}
		}
		return openaiSDK.UserMessage(parts), nil
	}
}

func (e *Executor) toUnified(resp *openaiSDK.ChatCompletion) *unified.Response {
	out := &unified.Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Usage: unified.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, c := range resp.Choices {
		msg := unified.Message{
			Role:    unified.RoleAssistant,
			Content: c.Message.Content,
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, unified.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		out.Choices = append(out.Choices, unified.Choice{
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: canonicalFinish(c.FinishReason),
		})
	}
	return out
}

func (e *Executor) stream(ctx context.Context, req *unified.Request, params openaiSDK.ChatCompletionNewParams) (*unified.Response, error) {
	ch := make(chan unified.StreamChunk, 64)
	stream := e.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)
		for stream.Next() {
			raw := stream.Current()
			chunk := unified.StreamChunk{
				ID:      raw.ID,
				Object:  "chat.completion.chunk",
				Created: raw.Created,
				Model:   raw.Model,
			}
			if chunk.Model == "" {
				chunk.Model = req.Model
			}
			for _, c := range raw.Choices {
				cc := unified.ChunkChoice{
					Index:        int(c.Index),
					FinishReason: canonicalFinish(c.FinishReason),
					Delta: unified.Delta{
						Role:    c.Delta.Role,
						Content: c.Delta.Content,
					},
				}
				for _, tc := range c.Delta.ToolCalls {
					cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, unified.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				chunk.Choices = append(chunk.Choices, cc)
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- unified.StreamChunk{Err: e.wrapError(err)}
		}
	}()

	return &unified.Response{Model: req.Model, Stream: ch}, nil
}

// canonicalFinish folds OpenAI finish reasons into the canonical set.
func canonicalFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "length":
		return unified.FinishLength
	case "tool_calls", "function_call":
		return unified.FinishToolCalls
	case "content_filter":
		return unified.FinishContentFilter
	default:
		return unified.FinishStop
	}
}

func (e *Executor) wrapError(err error) error {
	var apierr *openaiSDK.Error
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
