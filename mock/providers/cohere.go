package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newCohereHandler returns an http.Handler that simulates the Cohere v1 chat
// API. Streaming responses are newline-delimited JSON events, matching the
// real API when the request sets "stream": true.
func newCohereHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// POST /v1/chat (also served at /chat for base URLs without the version prefix)
	chat := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeCohereError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Model   string `json:"model"`
			Message string `json:"message"`
			Stream  bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		genID := fmt.Sprintf("gen-%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := 12
		outTokens := cfg.StreamWords

		if req.Stream {
			serveCohereStream(w, genID, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"response_id":   fmt.Sprintf("resp-%x", rand.Int64()),
			"generation_id": genID,
			"text":          content,
			"finish_reason": "COMPLETE",
			"meta": map[string]any{
				"billed_units": map[string]int{
					"input_tokens":  inTokens,
					"output_tokens": outTokens,
				},
			},
		})
	}
	mux.HandleFunc("/v1/chat", chat)
	mux.HandleFunc("/chat", chat)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCohereError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// writeCohereError writes the bare-message envelope Cohere uses for errors.
func writeCohereError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// serveCohereStream writes newline-delimited JSON stream events:
// stream-start, one text-generation per word, then stream-end.
func serveCohereStream(w http.ResponseWriter, genID, content string) {
	w.Header().Set("Content-Type", "application/stream+json")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	send := func(ev map[string]any) {
		_ = enc.Encode(ev)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(map[string]any{
		"event_type":    "stream-start",
		"generation_id": genID,
	})

	for _, word := range strings.Fields(content) {
		send(map[string]any{
			"event_type": "text-generation",
			"text":       word + " ",
		})
	}

	send(map[string]any{
		"event_type":    "stream-end",
		"finish_reason": "COMPLETE",
	})
}
