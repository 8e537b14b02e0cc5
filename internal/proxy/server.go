package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	routing "github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the inference routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// pathFormats maps request path suffixes to input wire formats. Longer
// suffixes are checked first; anything unmatched defaults to openai.
var pathFormats = []struct {
	suffix string
	format string
}{
	{"/openai/chat/completions", "openai"},
	{"/chat/completions", "openai"},
	{"/anthropic/messages", "anthropic"},
	{"/messages", "anthropic"},
	{"/google/generateContent", "google"},
	{"/generateContent", "google"},
	{"/cohere/chat", "cohere"},
	{"/api/generate", "ollama"},
	{"/completions", "completion"},
}

// formatForPath resolves the input wire format from the request path.
func formatForPath(path string) string {
	for _, pf := range pathFormats {
		if strings.HasSuffix(path, pf.suffix) {
			return pf.format
		}
	}
	return "openai"
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in inference-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Handler builds the full fasthttp handler with routing and the HTTP
// middleware chain applied. Exposed so tests can serve it on an in-memory
// listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleInference)
	r.POST("/v1/openai/chat/completions", g.handleInference)
	r.POST("/v1/messages", g.handleInference)
	r.POST("/v1/anthropic/messages", g.handleInference)
	r.POST("/v1/generateContent", g.handleInference)
	r.POST("/v1/google/generateContent", g.handleInference)
	r.POST("/v1/cohere/chat", g.handleInference)
	r.POST("/v1/completions", g.handleInference)
	r.POST("/api/generate", g.handleInference)

	r.GET("/health", g.handleHealth)
	r.GET("/v1/health", g.handleHealth)
	r.GET("/models", g.handleModels)
	r.GET("/v1/models", g.handleModels)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	// Unmatched POST paths are served as openai-format inference requests.
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Method()) == fasthttp.MethodPost {
			g.handleInference(ctx)
			return
		}
		apierr.Write(ctx, fasthttp.StatusNotFound, "not found",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// handleInference is the shared POST handler for every inference route. The
// input format comes from the path; the output format defaults to the input
// format and can be overridden with the X-Response-Format header.
func (g *Gateway) handleInference(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	inFormat := formatForPath(string(ctx.Path()))
	outFormat := inFormat
	if ov := string(ctx.Request.Header.Peek("X-Response-Format")); ov != "" {
		outFormat = ov
	}

	reqBytes := len(ctx.PostBody())
	servedBackend := "none"
	streaming := false
	respBytes := -1
	inputTokens, outputTokens := 0, 0

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(inFormat, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedBackend, status, dur.Milliseconds())
		g.metrics.AddTokens(servedBackend, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	if _, ok := g.formats.Lookup(outFormat); !ok {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unsupported response format: "+outFormat,
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// Rate limit before any backend work, keyed by the client API key when
	// present, otherwise a single global bucket.
	if !g.checkRateLimit(ctx, reqID) {
		return
	}

	g.log.Info("request",
		slog.String("request_id", reqID),
		slog.String("in_format", inFormat),
		slog.String("out_format", outFormat),
	)

	rctx, cancel := context.WithCancel(ctx)

	resp, backendName, err := g.Execute(rctx, inFormat, ctx.PostBody())
	if err != nil {
		cancel()
		g.log.Error("request_failed",
			slog.String("request_id", reqID),
			slog.String("in_format", inFormat),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeError(ctx, err)
		g.auditRequest(reqID, backendName, "", 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	servedBackend = backendName

	if resp.Stream != nil {
		streaming = true
		out, _ := g.formats.Lookup(outFormat)
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedFormat := inFormat
		model := resp.Model
		g.writeSSE(ctx, resp, out, backendName, cancel, func(outputTokens int) {
			dur := time.Since(capturedStart)
			g.auditRequest(reqID, backendName, model, 0, outputTokens, dur, fasthttp.StatusOK, true)
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(capturedFormat, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(backendName, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.AddTokens(backendName, 0, outputTokens)
			}
		})
		return
	}
	defer cancel()

	body, err := g.Finish(rctx, outFormat, resp)
	if err != nil {
		g.writeError(ctx, err)
		return
	}

	inputTokens = resp.Usage.PromptTokens
	outputTokens = resp.Usage.CompletionTokens

	g.log.Debug("response_ok",
		slog.String("request_id", reqID),
		slog.String("backend", backendName),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)

	g.auditRequest(reqID, backendName, resp.Model,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false)
}

// checkRateLimit applies the request limiter. Returns false after writing the
// 429 response.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.limiter == nil {
		return true
	}

	key := "global"
	if token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))); token != "" {
		sum := sha256.Sum256([]byte(token))
		key = hex.EncodeToString(sum[:])
	}

	res, err := g.limiter.Check(ctx, key)
	if err != nil {
		// The limiter degrades open on infrastructure failure.
		if g.metrics != nil {
			g.metrics.RecordRateLimit("error")
		}
		return true
	}
	if res.Remaining >= 0 {
		ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	if !res.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.Warn("rate_limit_exceeded", slog.String("request_id", reqID))
		retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		apierr.WriteRateLimit(ctx, retryAfter)
		return false
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("allowed")
	}
	return true
}

// handleHealth reports per-backend health and an overall status. Every
// enabled backend healthy → "healthy" / 200, otherwise "degraded" / 503.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	stats := g.rt.Stats()

	degraded := false
	for _, s := range stats {
		if s.Enabled && !s.Healthy {
			degraded = true
			break
		}
	}

	status := "healthy"
	if degraded {
		status = "degraded"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}

	writeJSON(ctx, map[string]any{
		"status":   status,
		"backends": stats,
	})
}

// modelEntry mirrors one element of the OpenAI GET /v1/models response.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels aggregates the model globs declared by all backends into the
// OpenAI model-list shape. Wildcard patterns are listed as-is — they document
// what the backend accepts rather than enumerate upstream catalogs.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	created := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]modelEntry, 0, 16)

	for _, b := range g.rt.Backends() {
		if !b.Enabled {
			continue
		}
		for _, m := range b.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			data = append(data, modelEntry{
				ID:      m,
				Object:  "model",
				Created: created,
				OwnedBy: b.Provider,
			})
		}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

// auditRequest enqueues an audit log entry. Never blocks.
func (g *Gateway) auditRequest(
	requestID, backendName, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	stream bool,
) {
	if g.audit == nil {
		return
	}
	g.audit.Log(logger.RequestLog{
		RequestID:    requestID,
		Backend:      backendName,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    clampLatencyMs(latency),
		Status:       uint16(status),
		Stream:       stream,
		CreatedAt:    time.Now(),
	})
}

func clampLatencyMs(latency time.Duration) uint16 {
	ms := latency.Milliseconds()
	if ms > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(ms)
}

// writeError maps a pipeline error to the structured JSON error envelope.
//
//	ValidationError          → 400
//	ConversionError          → 422
//	ErrNoBackendAvailable    → 503
//	FallbackExhausted        → 502 (surfaces the last underlying error)
//	ExecError / statusCoder  → provider status remapped
//	context deadline         → 504
//	anything else            → 502
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error) {
	var ve *formats.ValidationError
	if errors.As(err, &ve) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, ve.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var ce *formats.ConversionError
	if errors.As(err, &ce) {
		apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, ce.Error(),
			apierr.TypeInvalidRequest, apierr.CodeConversionFailed)
		return
	}

	if errors.Is(err, routing.ErrNoBackendAvailable) {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(),
			apierr.TypeProviderError, apierr.CodeNoBackendAvailable)
		return
	}

	var fe *FallbackExhaustedError
	if errors.As(err, &fe) {
		apierr.Write(ctx, fasthttp.StatusBadGateway, fe.Error(),
			apierr.TypeProviderError, apierr.CodeFallbackExhausted)
		return
	}

	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
		apierr.TypeProviderError, apierr.CodeProviderError)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
