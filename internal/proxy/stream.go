package proxy

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// writeSSE drains the canonical stream, converting each chunk into the output
// format and writing it as a Server-Sent Event:
//
//	data: <json>\n\n       per chunk
//	data: [DONE]\n\n       after a clean drain
//
// An in-stream failure is written as a data: {"error":{...}} event and the
// stream closes without [DONE]. A failure delivered by the backend also
// reaches the OnError middleware hooks and counts against backendName's
// circuit, the same as a pre-stream failure. cancel tears down the backend
// stream when the writer exits for any reason, including client disconnect.
// onComplete, when non-nil, receives the estimated output token count after
// the drain.
func (g *Gateway) writeSSE(
	ctx *fasthttp.RequestCtx,
	resp *unified.Response,
	out formats.Normalizer,
	backendName string,
	cancel func(),
	onComplete func(outputTokens int),
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	stream := resp.Stream

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		chars := 0
		for chunk := range stream {
			if chunk.Err != nil {
				g.fireOnError(ctx, chunk.Err)
				g.rt.ReportFailure(backendName, chunk.Err)
				writeStreamError(w, chunk.Err)
				return
			}

			c := chunk
			event, err := out.DenormalizeStream(&c)
			if err != nil {
				// Conversion failed inside the gateway; the backend's
				// circuit stays untouched.
				g.fireOnError(ctx, err)
				writeStreamError(w, err)
				return
			}
			if event == nil {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				g.fireOnError(ctx, err)
				writeStreamError(w, err)
				return
			}

			for _, ch := range c.Choices {
				chars += len(ch.Delta.Content)
			}

			fmt.Fprintf(w, "data: %s\n\n", data)
			if err := w.Flush(); err != nil {
				// Client went away; cancel (deferred) stops the backend.
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			// ~4 characters per token heuristic.
			estimated := chars / 4
			if estimated == 0 {
				estimated = 1
			}
			onComplete(estimated)
		}
	})
}

// writeStreamError emits a terminal error event on an already-started stream.
// The HTTP status is long gone at this point, so the error travels in-band.
func writeStreamError(w *bufio.Writer, err error) {
	msg := err.Error()
	errType := "server_error"
	code := "stream_error"
	var ee *backend.ExecError
	if errors.As(err, &ee) {
		errType = ee.Type
		code = ee.Code
	}

	payload, _ := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    errType,
			"code":    code,
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	w.Flush() //nolint:errcheck
}
