// Package google executes canonical requests against the Gemini API using
// the official GenAI SDK.
//
// Canonical requests are re-expressed in Gemini's conventions: leading system
// messages merge into systemInstruction, tool calls become functionCall parts
// with decoded argument objects, tool results become functionResponse parts
// inside user-role contents, and data-URI images are split into inlineData
// blobs. A bare remote image URL degrades to an "[Image: <url>]" text part.
package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// Executor implements backend.Executor over the GenAI SDK.
type Executor struct {
	name     string
	provider string
	client   *genai.Client
}

// New builds an executor for cfg. The GenAI client performs no I/O at
// construction, so the background context is fine here.
func New(cfg router.Backend) (backend.Executor, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: backend.Timeout},
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &Executor{name: cfg.Name, provider: cfg.Provider, client: client}, nil
}

func (e *Executor) Name() string     { return e.name }
func (e *Executor) Provider() string { return e.provider }

func (e *Executor) Execute(ctx context.Context, req *unified.Request) (*unified.Response, error) {
	contents, cfg, err := buildContentsAndConfig(req)
	if err != nil {
		return nil, err
	}
	if req.Stream {
		return e.stream(ctx, req, contents, cfg)
	}

	resp, err := e.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, e.wrapError(err)
	}
	return toUnified(req, resp), nil
}

func buildContentsAndConfig(req *unified.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{}
	var contents []*genai.Content

	var system []string
	leading := true
	for _, m := range req.Messages {
		if m.Role == unified.RoleSystem && leading {
			system = append(system, m.Text())
			continue
		}
		leading = false
		content, err := toContent(m)
		if err != nil {
			return nil, nil, err
		}
		contents = append(contents, content)
	}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}

	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.TopK != nil {
		cfg.TopK = genai.Ptr[float32](float32(*req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	cfg.StopSequences = req.Stop
	if req.Seed != nil {
		cfg.Seed = genai.Ptr[int32](int32(*req.Seed))
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = genai.Ptr[float32](float32(*req.PresencePenalty))
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = genai.Ptr[float32](float32(*req.FrequencyPenalty))
	}
	if req.ResponseFormat == unified.ResponseJSON {
		cfg.ResponseMIMEType = "application/json"
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}

	if req.ToolChoice.Mode != "" {
		fcc := &genai.FunctionCallingConfig{}
		switch req.ToolChoice.Mode {
		case unified.ToolChoiceNone:
			fcc.Mode = genai.FunctionCallingConfigModeNone
		case unified.ToolChoiceRequired:
			fcc.Mode = genai.FunctionCallingConfigModeAny
		case unified.ToolChoiceNamed:
			fcc.Mode = genai.FunctionCallingConfigModeAny
			fcc.AllowedFunctionNames = []string{req.ToolChoice.Name}
		default:
			fcc.Mode = genai.FunctionCallingConfigModeAuto
		}
		cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
	}

	return contents, cfg, nil
}

func toContent(m unified.Message) (*genai.Content, error) {
	role := genai.RoleUser
	if m.Role == unified.RoleAssistant {
		role = genai.RoleModel
	}
	content := &genai.Content{Role: role}

	if m.Role == unified.RoleTool {
		// Tool results travel as functionResponse parts in a user content.
		var response map[string]any
		if m.Content != "" && json.Unmarshal([]byte(m.Content), &response) != nil {
			response = map[string]any{"result": m.Content}
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				Name:     m.Name,
				Response: response,
			},
		})
		return content, nil
	}

	if m.IsMultipart() {
		for _, p := range m.Parts {
			switch p.Type {
			case unified.PartImage:
				if mime, data, ok := unified.ParseDataURI(p.ImageURL); ok {
					raw, err := base64.StdEncoding.DecodeString(data)
					if err != nil {
						return nil, errors.New("google: image payload is not valid base64")
					}
					content.Parts = append(content.Parts, &genai.Part{
						InlineData: &genai.Blob{MIMEType: mime, Data: raw},
					})
				} else {
					content.Parts = append(content.Parts, &genai.Part{Text: "[Image: " + p.ImageURL + "]"})
				}
			default:
				content.Parts = append(content.Parts, &genai.Part{Text: p.Text})
			}
		}
	} else if m.Content != "" {
		content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
	}

	for _, tc := range m.ToolCalls {
		var args map[string]any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return nil, errors.New("google: tool call arguments are not valid JSON: " + err.Error())
			}
		}
		content.Parts = append(content.Parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
		})
	}

	return content, nil
}

func toUnified(req *unified.Request, resp *genai.GenerateContentResponse) *unified.Response {
	out := &unified.Response{
		ID:     resp.ResponseID,
		Object: "chat.completion",
		Model:  resp.ModelVersion,
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if resp.UsageMetadata != nil {
		out.Usage = unified.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	for i, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		msg := unified.Message{Role: unified.RoleAssistant}
		var sb strings.Builder
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				if p.Text != "" {
					sb.WriteString(p.Text)
				}
				if p.FunctionCall != nil {
					args, _ := json.Marshal(p.FunctionCall.Args)
					msg.ToolCalls = append(msg.ToolCalls, unified.ToolCall{
						ID:        p.FunctionCall.Name,
						Name:      p.FunctionCall.Name,
						Arguments: string(args),
					})
				}
			}
		}
		msg.Content = sb.String()

		out.Choices = append(out.Choices, unified.Choice{
			Index:        i,
			Message:      msg,
			FinishReason: canonicalFinish(cand.FinishReason, len(msg.ToolCalls) > 0),
		})
	}
	return out
}

func (e *Executor) stream(ctx context.Context, req *unified.Request, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*unified.Response, error) {
	ch := make(chan unified.StreamChunk, 64)

	go func() {
		defer close(ch)

		first := true
		toolIndex := -1
		for resp, err := range e.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				ch <- unified.StreamChunk{Err: e.wrapError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			cand := resp.Candidates[0]

			chunk := unified.StreamChunk{
				ID:      resp.ResponseID,
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []unified.ChunkChoice{{}},
			}
			cc := &chunk.Choices[0]
			if first {
				cc.Delta.Role = unified.RoleAssistant
				first = false
			}

			hasToolCall := false
			if cand.Content != nil {
				for _, p := range cand.Content.Parts {
					if p == nil {
						continue
					}
					if p.Text != "" {
						cc.Delta.Content += p.Text
					}
					if p.FunctionCall != nil {
						hasToolCall = true
						toolIndex++
						args, _ := json.Marshal(p.FunctionCall.Args)
						cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, unified.ToolCallDelta{
							Index:     toolIndex,
							ID:        p.FunctionCall.Name,
							Name:      p.FunctionCall.Name,
							Arguments: string(args),
						})
					}
				}
			}
			cc.FinishReason = canonicalFinish(cand.FinishReason, hasToolCall)

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &unified.Response{Model: req.Model, Stream: ch}, nil
}

// canonicalFinish folds Gemini finish reasons into the canonical set. Gemini
// reports STOP even when the candidate carries function calls, so the caller
// passes whether any were seen.
func canonicalFinish(reason genai.FinishReason, hasToolCalls bool) string {
	switch reason {
	case "":
		return ""
	case genai.FinishReasonMaxTokens:
		return unified.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		return unified.FinishContentFilter
	default:
		if hasToolCalls {
			return unified.FinishToolCalls
		}
		return unified.FinishStop
	}
}

func (e *Executor) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &backend.ExecError{
			Provider:   e.provider,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
