// Package cohere executes canonical requests against the Cohere v1 chat API
// over plain HTTP with SSE-style streaming.
package cohere

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	cohereformat "github.com/nulpointcorp/llm-bridge/internal/formats/cohere"
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const defaultBaseURL = "https://api.cohere.com/v1"

type chatRequest struct {
	Model         string         `json:"model"`
	Message       string         `json:"message,omitempty"`
	ChatHistory   []historyEntry `json:"chat_history,omitempty"`
	Preamble      string         `json:"preamble,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	P             *float64       `json:"p,omitempty"`
	K             *int           `json:"k,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Seed          *int64         `json:"seed,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Tools         []tool         `json:"tools,omitempty"`
	ToolResults   []toolResult   `json:"tool_results,omitempty"`
}

type historyEntry struct {
	Role        string       `json:"role"`
	Message     string       `json:"message,omitempty"`
	ToolCalls   []toolCall   `json:"tool_calls,omitempty"`
	ToolResults []toolResult `json:"tool_results,omitempty"`
}

type toolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type toolResult struct {
	Call    toolCall         `json:"call"`
	Outputs []map[string]any `json:"outputs,omitempty"`
}

type tool struct {
	Name                 string                                      `json:"name"`
	Description          string                                      `json:"description,omitempty"`
	ParameterDefinitions map[string]cohereformat.ParameterDefinition `json:"parameter_definitions,omitempty"`
}

type chatResponse struct {
	ResponseID   string     `json:"response_id"`
	GenerationID string     `json:"generation_id"`
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	ToolCalls    []toolCall `json:"tool_calls,omitempty"`
	Meta         *struct {
		BilledUnits *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta,omitempty"`
	Message string `json:"message,omitempty"` // error payloads carry a bare message
}

type streamEvent struct {
	EventType    string        `json:"event_type"`
	GenerationID string        `json:"generation_id,omitempty"`
	Text         string        `json:"text,omitempty"`
	ToolCalls    []toolCall    `json:"tool_calls,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Response     *chatResponse `json:"response,omitempty"`
}

// Executor implements backend.Executor for Cohere.
type Executor struct {
	name     string
	provider string
	apiKey   string
	baseURL  string
	client   *http.Client
}

// New builds an executor for cfg.
func New(cfg router.Backend) (backend.Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Executor{
		name:     cfg.Name,
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: backend.Timeout},
	}, nil
}

func (e *Executor) Name() string     { return e.name }
func (e *Executor) Provider() string { return e.provider }

func (e *Executor) Execute(ctx context.Context, req *unified.Request) (*unified.Response, error) {
	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, e.parseError(resp)
	}

	if req.Stream {
		return e.handleStreaming(ctx, req, resp)
	}
	defer resp.Body.Close()
	return e.handleResponse(req, resp)
}

func buildRequest(req *unified.Request) ([]byte, error) {
	cr := chatRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		P:             req.TopP,
		K:             req.TopK,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.Stop,
		Seed:          req.Seed,
		Stream:        req.Stream,
	}

	// Leading system messages merge into the preamble; the final user
	// message becomes the singular message field; everything in between is
	// chat history.
	msgs := req.Messages
	var preamble []string
	for len(msgs) > 0 && msgs[0].Role == unified.RoleSystem {
		preamble = append(preamble, msgs[0].Text())
		msgs = msgs[1:]
	}
	cr.Preamble = strings.Join(preamble, "\n\n")

	if n := len(msgs); n > 0 && msgs[n-1].Role == unified.RoleUser {
		cr.Message = msgs[n-1].Text()
		msgs = msgs[:n-1]
	}

	for _, m := range msgs {
		switch m.Role {
		case unified.RoleSystem:
			cr.ChatHistory = append(cr.ChatHistory, historyEntry{Role: "SYSTEM", Message: m.Text()})
		case unified.RoleAssistant:
			entry := historyEntry{Role: "CHATBOT", Message: m.Text()}
			for _, tc := range m.ToolCalls {
				params, err := decodeArgs(tc.Arguments)
				if err != nil {
					return nil, err
				}
				entry.ToolCalls = append(entry.ToolCalls, toolCall{Name: tc.Name, Parameters: params})
			}
			cr.ChatHistory = append(cr.ChatHistory, entry)
		case unified.RoleTool:
			// Tool results travel as a TOOL-role history entry.
			cr.ChatHistory = append(cr.ChatHistory, historyEntry{
				Role:        "TOOL",
				ToolResults: []toolResult{toToolResult(m)},
			})
		default:
			cr.ChatHistory = append(cr.ChatHistory, historyEntry{Role: "USER", Message: m.Text()})
		}
	}

	for _, t := range req.Tools {
		cr.Tools = append(cr.Tools, tool{
			Name:                 t.Name,
			Description:          t.Description,
			ParameterDefinitions: cohereformat.DefinitionsFromSchema(t.Parameters),
		})
	}

	return json.Marshal(cr)
}

func toToolResult(m unified.Message) toolResult {
	var outputs []map[string]any
	if err := json.Unmarshal([]byte(m.Content), &outputs); err != nil {
		outputs = []map[string]any{{"result": m.Text()}}
	}
	name := m.Name
	if name == "" {
		name = m.ToolCallID
	}
	return toolResult{Call: toolCall{Name: name}, Outputs: outputs}
}

func decodeArgs(args string) (map[string]any, error) {
	if args == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil, fmt.Errorf("cohere: tool call arguments are not valid JSON: %w", err)
	}
	return m, nil
}

func (e *Executor) handleResponse(req *unified.Request, resp *http.Response) (*unified.Response, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("cohere: decode response: %w", err)
	}

	msg := unified.Message{Role: unified.RoleAssistant, Content: cr.Text}
	for _, tc := range cr.ToolCalls {
		args, _ := json.Marshal(tc.Parameters)
		msg.ToolCalls = append(msg.ToolCalls, unified.ToolCall{
			ID:        tc.Name,
			Name:      tc.Name,
			Arguments: string(args),
		})
	}

	out := &unified.Response{
		ID:     cr.ResponseID,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []unified.Choice{{
			Message:      msg,
			FinishReason: canonicalFinish(cr.FinishReason),
		}},
	}
	if cr.Meta != nil && cr.Meta.BilledUnits != nil {
		out.Usage = unified.Usage{
			PromptTokens:     cr.Meta.BilledUnits.InputTokens,
			CompletionTokens: cr.Meta.BilledUnits.OutputTokens,
			TotalTokens:      cr.Meta.BilledUnits.InputTokens + cr.Meta.BilledUnits.OutputTokens,
		}
	}
	return out, nil
}

func (e *Executor) handleStreaming(ctx context.Context, req *unified.Request, resp *http.Response) (*unified.Response, error) {
	ch := make(chan unified.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		emit := func(chunk unified.StreamChunk) bool {
			chunk.Object = "chat.completion.chunk"
			chunk.Model = req.Model
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Cohere streams newline-delimited JSON events.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		genID := ""
		toolIndex := -1
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}

			switch ev.EventType {
			case "stream-start":
				genID = ev.GenerationID
				if !emit(unified.StreamChunk{ID: genID, Choices: []unified.ChunkChoice{{
					Delta: unified.Delta{Role: unified.RoleAssistant},
				}}}) {
					return
				}
			case "text-generation":
				if !emit(unified.StreamChunk{ID: genID, Choices: []unified.ChunkChoice{{
					Delta: unified.Delta{Content: ev.Text},
				}}}) {
					return
				}
			case "tool-calls-generation":
				var deltas []unified.ToolCallDelta
				for _, tc := range ev.ToolCalls {
					toolIndex++
					args, _ := json.Marshal(tc.Parameters)
					deltas = append(deltas, unified.ToolCallDelta{
						Index: toolIndex, ID: tc.Name, Name: tc.Name, Arguments: string(args),
					})
				}
				if !emit(unified.StreamChunk{ID: genID, Choices: []unified.ChunkChoice{{
					Delta: unified.Delta{ToolCalls: deltas},
				}}}) {
					return
				}
			case "stream-end":
				emit(unified.StreamChunk{ID: genID, Choices: []unified.ChunkChoice{{
					FinishReason: canonicalFinish(ev.FinishReason),
				}}})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- unified.StreamChunk{Err: &backend.ExecError{
				Provider: e.provider, StatusCode: http.StatusBadGateway,
				Message: err.Error(), Type: "stream_error",
			}}
		}
	}()

	return &unified.Response{Model: req.Model, Stream: ch}, nil
}

// canonicalFinish folds Cohere finish reasons into the canonical set.
func canonicalFinish(reason string) string {
	switch reason {
	case "":
		return ""
	case "MAX_TOKENS":
		return unified.FinishLength
	case "TOOL_CALL":
		return unified.FinishToolCalls
	case "ERROR_TOXIC":
		return unified.FinishContentFilter
	default:
		return unified.FinishStop
	}
}

func (e *Executor) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if json.Unmarshal(body, &cr) == nil && cr.Message != "" {
		msg = cr.Message
	}
	return &backend.ExecError{
		Provider:   e.provider,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       "upstream_error",
	}
}
