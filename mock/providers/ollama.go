package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newOllamaHandler returns an http.Handler that simulates a local Ollama
// server. /api/chat streams newline-delimited JSON objects by default, the
// same framing the real server uses.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOllamaError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeOllamaError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOllamaError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama3.2"
		}
		content := fakeSentence(cfg.StreamWords)
		inTokens := 8
		outTokens := cfg.StreamWords

		if req.Stream {
			serveOllamaStream(w, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": content,
			},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": inTokens,
			"eval_count":        outTokens,
		})
	})

	// GET /api/tags (list local models, used by health check)
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:latest", "model": "llama3.2:latest", "size": 2019393189},
				{"name": "mistral:latest", "model": "mistral:latest", "size": 4113301824},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOllamaError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// writeOllamaError writes the {"error": "..."} envelope Ollama uses.
func writeOllamaError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// serveOllamaStream writes one JSON object per line, one word per chunk,
// finishing with a done:true object carrying the eval counts.
func serveOllamaStream(w http.ResponseWriter, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for _, word := range strings.Fields(content) {
		_ = enc.Encode(map[string]any{
			"model":      model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message": map[string]string{
				"role":    "assistant",
				"content": word + " ",
			},
			"done": false,
		})
		if flusher != nil {
			flusher.Flush()
		}
	}

	_ = enc.Encode(map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message": map[string]string{
			"role":    "assistant",
			"content": "",
		},
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": inTokens,
		"eval_count":        outTokens,
	})
	if flusher != nil {
		flusher.Flush()
	}
}
