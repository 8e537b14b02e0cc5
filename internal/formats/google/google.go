// Package google implements the Google generateContent wire format.
//
// Documented lossy edges:
//   - systemInstruction and leading system-role messages merge both ways with
//     a blank-line separator.
//   - Google correlates tool results by function name, not call ID; canonical
//     tool-call IDs survive a round trip only when they equal the name.
//   - Image parts with a bare remote URL degrade to "[Image: <url>]";
//     inlineData requires base64 payloads.
package google

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const formatName = "google"

// Normalizer implements formats.Normalizer for the Google wire format.
type Normalizer struct{}

// New returns the Google normalizer.
func New() *Normalizer { return &Normalizer{} }

func (n *Normalizer) Name() string { return formatName }

// ── Wire shapes ───────────────────────────────────────────────────────────────

type (
	wireInlineData struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	}

	wireFunctionCall struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	}

	wireFunctionResponse struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response,omitempty"`
	}

	wirePart struct {
		Text             string                `json:"text,omitempty"`
		InlineData       *wireInlineData       `json:"inlineData,omitempty"`
		FunctionCall     *wireFunctionCall     `json:"functionCall,omitempty"`
		FunctionResponse *wireFunctionResponse `json:"functionResponse,omitempty"`
	}

	wireContent struct {
		Role  string     `json:"role,omitempty"`
		Parts []wirePart `json:"parts"`
	}

	wireGenerationConfig struct {
		Temperature      *float64 `json:"temperature,omitempty"`
		TopP             *float64 `json:"topP,omitempty"`
		TopK             *int     `json:"topK,omitempty"`
		MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
		StopSequences    []string `json:"stopSequences,omitempty"`
		Seed             *int64   `json:"seed,omitempty"`
		PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
		FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
		ResponseMimeType string   `json:"responseMimeType,omitempty"`
	}

	wireFunctionDeclaration struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	wireRequest struct {
		// Model is not part of Google's body (it rides in the URL); the
		// bridge accepts it inline so the body is self-contained.
		Model             string                `json:"model,omitempty"`
		Contents          []wireContent         `json:"contents"`
		SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
		GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
		Tools             []struct {
			FunctionDeclarations []wireFunctionDeclaration `json:"functionDeclarations,omitempty"`
		} `json:"tools,omitempty"`
		ToolConfig *struct {
			FunctionCallingConfig *struct {
				Mode                 string   `json:"mode,omitempty"`
				AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
			} `json:"functionCallingConfig,omitempty"`
		} `json:"toolConfig,omitempty"`
	}

	// Response is the Google generateContent envelope; streaming chunks use
	// the same shape.
	Response struct {
		Candidates    []Candidate    `json:"candidates"`
		UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
		ModelVersion  string         `json:"modelVersion,omitempty"`
		ResponseID    string         `json:"responseId,omitempty"`
	}

	// Candidate is one generated alternative.
	Candidate struct {
		Content      wireContent `json:"content"`
		FinishReason string      `json:"finishReason,omitempty"`
		Index        int         `json:"index"`
	}

	// UsageMetadata mirrors Google token accounting.
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	}
)

// ── Validate / Normalize ──────────────────────────────────────────────────────

// Validate keys on the "contents" array — no other supported format has it.
func (n *Normalizer) Validate(raw []byte) bool {
	var probe struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Contents) > 0 && probe.Contents[0] == '['
}

func (n *Normalizer) Normalize(raw []byte) (*unified.Request, error) {
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, formats.NewValidationError(formatName, err.Error())
	}
	if len(req.Contents) == 0 {
		return nil, formats.NewValidationError(formatName, "field 'contents' must not be empty")
	}

	out := &unified.Request{Model: req.Model}

	if req.SystemInstruction != nil {
		if sys := flattenText(req.SystemInstruction.Parts); sys != "" {
			out.Messages = append(out.Messages, unified.Message{Role: unified.RoleSystem, Content: sys})
		}
	}

	if gc := req.GenerationConfig; gc != nil {
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.TopK = gc.TopK
		out.MaxTokens = gc.MaxOutputTokens
		out.Stop = gc.StopSequences
		out.Seed = gc.Seed
		out.PresencePenalty = gc.PresencePenalty
		out.FrequencyPenalty = gc.FrequencyPenalty
		switch gc.ResponseMimeType {
		case "":
		case "text/plain":
			out.ResponseFormat = unified.ResponseText
		case "application/json":
			out.ResponseFormat = unified.ResponseJSON
		default:
			return nil, formats.NewConversionError(formatName, "generationConfig.responseMimeType", "unsupported value "+gc.ResponseMimeType)
		}
	}

	for i, c := range req.Contents {
		msgs, err := normalizeContent(c)
		if err != nil {
			return nil, formats.NewValidationError(formatName, fmt.Sprintf("contents[%d]: %v", i, err))
		}
		out.Messages = append(out.Messages, msgs...)
	}
	if len(out.Messages) == 0 {
		return nil, formats.NewValidationError(formatName, "request contains no usable messages")
	}

	for _, t := range req.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, unified.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}

	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		fcc := req.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case "", "AUTO":
			if fcc.Mode == "AUTO" {
				out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceAuto}
			}
		case "NONE":
			out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceNone}
		case "ANY":
			if len(fcc.AllowedFunctionNames) == 1 {
				out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceNamed, Name: fcc.AllowedFunctionNames[0]}
			} else {
				out.ToolChoice = unified.ToolChoice{Mode: unified.ToolChoiceRequired}
			}
		default:
			return nil, formats.NewConversionError(formatName, "toolConfig.functionCallingConfig.mode", "unsupported value "+fcc.Mode)
		}
	}

	return out, nil
}

func normalizeContent(c wireContent) ([]unified.Message, error) {
	role := unified.RoleUser
	switch c.Role {
	case "", "user":
	case "model":
		role = unified.RoleAssistant
	default:
		return nil, fmt.Errorf("invalid role %q", c.Role)
	}

	cur := unified.Message{Role: role}
	var out []unified.Message
	flush := func() {
		if len(cur.Parts) > 0 || len(cur.ToolCalls) > 0 {
			out = append(out, cur)
			cur = unified.Message{Role: role}
		}
	}

	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			cur.ToolCalls = append(cur.ToolCalls, unified.ToolCall{
				ID:        p.FunctionCall.Name,
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})

		case p.FunctionResponse != nil:
			flush()
			out = append(out, unified.Message{
				Role:       unified.RoleTool,
				Name:       p.FunctionResponse.Name,
				Content:    string(p.FunctionResponse.Response),
				ToolCallID: p.FunctionResponse.Name,
			})

		case p.InlineData != nil:
			cur.Parts = append(cur.Parts, unified.ContentPart{
				Type:     unified.PartImage,
				ImageURL: unified.DataURI(p.InlineData.MimeType, p.InlineData.Data),
			})

		default:
			cur.Parts = append(cur.Parts, unified.ContentPart{Type: unified.PartText, Text: p.Text})
		}
	}
	flush()

	if len(out) == 0 {
		return nil, fmt.Errorf("content has no usable parts")
	}

	for i := range out {
		if len(out[i].Parts) == 1 && out[i].Parts[0].Type == unified.PartText {
			out[i].Content = out[i].Parts[0].Text
			out[i].Parts = nil
		}
	}

	return out, nil
}

func flattenText(parts []wirePart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// ── Denormalize ───────────────────────────────────────────────────────────────

// finishReason maps canonical finish reasons to Google values; anything
// unrecognized collapses to STOP.
func finishReason(canonical string) string {
	switch canonical {
	case "":
		return ""
	case unified.FinishLength:
		return "MAX_TOKENS"
	case unified.FinishContentFilter:
		return "SAFETY"
	default:
		return "STOP"
	}
}

func (n *Normalizer) Denormalize(resp *unified.Response) (any, error) {
	out := Response{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		UsageMetadata: &UsageMetadata{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		},
	}

	for _, c := range resp.Choices {
		cand, err := denormalizeChoice(c)
		if err != nil {
			return nil, err
		}
		out.Candidates = append(out.Candidates, cand)
	}
	if len(out.Candidates) == 0 {
		return nil, formats.NewConversionError(formatName, "choices", "response has no choices")
	}

	return out, nil
}

func denormalizeChoice(c unified.Choice) (Candidate, error) {
	cand := Candidate{
		Index:        c.Index,
		FinishReason: finishReason(c.FinishReason),
		Content:      wireContent{Role: "model"},
	}
	if text := c.Message.Text(); text != "" {
		cand.Content.Parts = append(cand.Content.Parts, wirePart{Text: text})
	}
	for _, tc := range c.Message.ToolCalls {
		var args json.RawMessage
		if tc.Arguments != "" {
			if !json.Valid([]byte(tc.Arguments)) {
				return cand, formats.NewConversionError(formatName, "tool_calls.arguments", "not valid JSON")
			}
			args = json.RawMessage(tc.Arguments)
		}
		cand.Content.Parts = append(cand.Content.Parts, wirePart{
			FunctionCall: &wireFunctionCall{Name: tc.Name, Args: args},
		})
	}
	if cand.Content.Parts == nil {
		cand.Content.Parts = []wirePart{}
	}
	return cand, nil
}

// DenormalizeStream reuses the response envelope: Google streams a sequence
// of partial GenerateContentResponse objects.
func (n *Normalizer) DenormalizeStream(chunk *unified.StreamChunk) (any, error) {
	out := Response{ResponseID: chunk.ID, ModelVersion: chunk.Model}

	for _, c := range chunk.Choices {
		cand := Candidate{
			Index:        c.Index,
			FinishReason: finishReason(c.FinishReason),
			Content:      wireContent{Role: "model"},
		}
		if c.Delta.Content != "" {
			cand.Content.Parts = append(cand.Content.Parts, wirePart{Text: c.Delta.Content})
		}
		for _, tc := range c.Delta.ToolCalls {
			if tc.Name == "" {
				continue
			}
			var args json.RawMessage
			if tc.Arguments != "" && json.Valid([]byte(tc.Arguments)) {
				args = json.RawMessage(tc.Arguments)
			}
			cand.Content.Parts = append(cand.Content.Parts, wirePart{
				FunctionCall: &wireFunctionCall{Name: tc.Name, Args: args},
			})
		}
		if cand.Content.Parts == nil {
			cand.Content.Parts = []wirePart{}
		}
		out.Candidates = append(out.Candidates, cand)
	}

	return out, nil
}
