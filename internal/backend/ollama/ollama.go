// Package ollama executes canonical requests against a local Ollama server's
// /api/chat endpoint over plain HTTP with newline-delimited JSON streaming.
package ollama

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
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

const defaultBaseURL = "http://localhost:11434"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  *options      `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type options struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	NumPredict       int      `json:"num_predict,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

type chatResponse struct {
	Model           string       `json:"model"`
	Message         *chatMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Executor implements backend.Executor for Ollama.
type Executor struct {
	name     string
	provider string
	baseURL  string
	client   *http.Client
}

// New builds an executor for cfg. Ollama needs no API key.
func New(cfg router.Backend) (backend.Executor, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Executor{
		name:     cfg.Name,
		provider: cfg.Provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: backend.Timeout},
	}, nil
}

func (e *Executor) Name() string     { return e.name }
func (e *Executor) Provider() string { return e.provider }

func (e *Executor) Execute(ctx context.Context, req *unified.Request) (*unified.Response, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
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

func buildRequest(req *unified.Request) chatRequest {
	cr := chatRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}
	if req.ResponseFormat == unified.ResponseJSON {
		cr.Format = "json"
	}

	for _, m := range req.Messages {
		msg := chatMessage{Role: m.Role, Content: m.Text()}
		if m.Role == unified.RoleTool {
			msg.Role = unified.RoleUser
		}
		for _, p := range m.Parts {
			if p.Type != unified.PartImage {
				continue
			}
			// Ollama wants bare base64 without the data-URI prefix.
			if _, data, ok := unified.ParseDataURI(p.ImageURL); ok {
				msg.Images = append(msg.Images, data)
			} else {
				if msg.Content != "" {
					msg.Content += "\n"
				}
				msg.Content += "[Image: " + p.ImageURL + "]"
			}
		}
		cr.Messages = append(cr.Messages, msg)
	}

	if req.Temperature != nil || req.TopP != nil || req.TopK != nil || req.MaxTokens > 0 ||
		len(req.Stop) > 0 || req.Seed != nil || req.PresencePenalty != nil || req.FrequencyPenalty != nil {
		cr.Options = &options{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			TopK:             req.TopK,
			NumPredict:       req.MaxTokens,
			Stop:             req.Stop,
			Seed:             req.Seed,
			PresencePenalty:  req.PresencePenalty,
			FrequencyPenalty: req.FrequencyPenalty,
		}
	}

	return cr
}

func (e *Executor) handleResponse(req *unified.Request, resp *http.Response) (*unified.Response, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if cr.Error != "" {
		return nil, &backend.ExecError{
			Provider: e.provider, StatusCode: http.StatusBadGateway,
			Message: cr.Error, Type: "upstream_error",
		}
	}

	content := ""
	if cr.Message != nil {
		content = cr.Message.Content
	}
	model := cr.Model
	if model == "" {
		model = req.Model
	}

	return &unified.Response{
		Object: "chat.completion",
		Model:  model,
		Choices: []unified.Choice{{
			Message:      unified.Message{Role: unified.RoleAssistant, Content: content},
			FinishReason: canonicalFinish(cr.DoneReason, cr.Done),
		}},
		Usage: unified.Usage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
			TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
		},
	}, nil
}

func (e *Executor) handleStreaming(ctx context.Context, req *unified.Request, resp *http.Response) (*unified.Response, error) {
	ch := make(chan unified.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		first := true
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				continue
			}
			if cr.Error != "" {
				ch <- unified.StreamChunk{Err: &backend.ExecError{
					Provider: e.provider, StatusCode: http.StatusBadGateway,
					Message: cr.Error, Type: "stream_error",
				}}
				return
			}

			chunk := unified.StreamChunk{
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []unified.ChunkChoice{{}},
			}
			cc := &chunk.Choices[0]
			if first {
				cc.Delta.Role = unified.RoleAssistant
				first = false
			}
			if cr.Message != nil {
				cc.Delta.Content = cr.Message.Content
			}
			if cr.Done {
				cc.FinishReason = canonicalFinish(cr.DoneReason, true)
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if cr.Done {
				return
			}
		}
	}()

	return &unified.Response{Model: req.Model, Stream: ch}, nil
}

// canonicalFinish folds Ollama done reasons into the canonical set.
func canonicalFinish(reason string, done bool) string {
	if !done {
		return ""
	}
	switch reason {
	case "length":
		return unified.FinishLength
	default:
		return unified.FinishStop
	}
}

func (e *Executor) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var cr chatResponse
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if json.Unmarshal(body, &cr) == nil && cr.Error != "" {
		msg = cr.Error
	}
	return &backend.ExecError{
		Provider:   e.provider,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       "upstream_error",
	}
}
