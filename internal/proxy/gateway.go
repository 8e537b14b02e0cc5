// Package proxy is the core inference dispatcher.
//
// The Gateway receives a request in any supported wire format, normalizes it
// into the canonical model, resolves model aliases, selects a backend, runs
// the backend executor, and converts the result into the caller's requested
// output format — falling back to alternative backends when the selected one
// fails before any output is produced.
//
// Key design constraints:
//   - Logger, limiter, metrics, and audit logger are optional and nil-safe.
//   - All I/O uses context.Context so timeouts and client disconnects
//     propagate correctly.
//   - Streaming responses are transformed chunk-by-chunk; once the first
//     chunk has been sent there is no fallback.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/backend"
	"github.com/nulpointcorp/llm-bridge/internal/formats"
	"github.com/nulpointcorp/llm-bridge/internal/logger"
	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/ratelimit"
	"github.com/nulpointcorp/llm-bridge/internal/router"
	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// Defaults applied by NewGateway when the corresponding option is zero.
const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 250 * time.Millisecond
)

// Middleware is a set of optional hooks observing and rewriting a request as
// it moves through the pipeline. Hooks run in registration order; a nil hook
// is skipped. Any hook returning an error aborts the pipeline, and the error
// is delivered to every OnError hook before it surfaces to the client.
type Middleware struct {
	// Name identifies the middleware in logs.
	Name string

	// OnRequest sees the raw provider-native request body before parsing.
	OnRequest func(ctx context.Context, format string, raw []byte) ([]byte, error)

	// OnUnifiedRequest sees the canonical request after normalization and
	// alias resolution, before backend selection.
	OnUnifiedRequest func(ctx context.Context, req *unified.Request) (*unified.Request, error)

	// OnUnifiedResponse sees the canonical response before denormalization.
	// Not invoked for streaming responses.
	OnUnifiedResponse func(ctx context.Context, resp *unified.Response) (*unified.Response, error)

	// OnResponse sees the serialized provider-native response body just
	// before it is written. Not invoked for streaming responses.
	OnResponse func(ctx context.Context, format string, raw []byte) ([]byte, error)

	// OnError observes every pipeline error. It cannot suppress the error.
	OnError func(ctx context.Context, err error)
}

// FallbackExhaustedError reports that the primary backend and every eligible
// fallback candidate failed. Last is the error from the final attempt.
type FallbackExhaustedError struct {
	Attempts int
	Last     error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("all %d backend attempts failed: %s", e.Attempts, e.Last)
}

func (e *FallbackExhaustedError) Unwrap() error { return e.Last }

// HTTPStatus implements backend.StatusCoder.
func (e *FallbackExhaustedError) HTTPStatus() int { return fasthttp.StatusBadGateway }

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and fallback
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Aliases maps public model names to backend model names. Resolution is
	// identity by default: names without an entry pass through unchanged.
	Aliases map[string]string

	// Middlewares run in slice order at every hook point.
	Middlewares []Middleware

	// Limiter enforces request-rate limits. Nil disables rate limiting.
	Limiter ratelimit.RequestLimiter

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// AuditLogger is the async per-request audit sink. Nil disables auditing.
	AuditLogger *logger.Logger

	// FallbackOrder lists backend names to try, in order, after the selected
	// backend fails. Backends already tried or currently unhealthy are
	// skipped. Empty disables fallback.
	FallbackOrder []string

	// MaxAttempts caps total backend attempts per request (including the
	// first). Default: 3.
	MaxAttempts int

	// RetryDelay is the constant pause before each fallback attempt.
	// Default: 250ms.
	RetryDelay time.Duration

	// BackendTimeout bounds each non-streaming backend call.
	// Default: backend.Timeout.
	BackendTimeout time.Duration

	// CORSOrigins is the allowed-origin list for the HTTP surface.
	// Empty means allow all.
	CORSOrigins []string
}

// Gateway is the orchestrator. All dependencies are injected via the
// constructor so tests can substitute doubles for any of them.
type Gateway struct {
	formats *formats.Registry
	rt      *router.Router
	execs   map[string]backend.Executor

	log     *slog.Logger
	aliases map[string]string
	mws     []Middleware

	limiter ratelimit.RequestLimiter
	metrics *metrics.Registry
	audit   *logger.Logger

	fallbackOrder  []string
	maxAttempts    int
	retryDelay     time.Duration
	backendTimeout time.Duration

	corsOrigins []string
}

// NewGateway wires a Gateway from its constructed parts. The executor map is
// keyed by backend name and must cover every backend the router can select.
func NewGateway(reg *formats.Registry, rt *router.Router, execs map[string]backend.Executor, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay < 0 {
		retryDelay = defaultRetryDelay
	}
	backendTimeout := opts.BackendTimeout
	if backendTimeout <= 0 {
		backendTimeout = backend.Timeout
	}

	return &Gateway{
		formats:        reg,
		rt:             rt,
		execs:          execs,
		log:            log,
		aliases:        opts.Aliases,
		mws:            opts.Middlewares,
		limiter:        opts.Limiter,
		metrics:        opts.Metrics,
		audit:          opts.AuditLogger,
		fallbackOrder:  opts.FallbackOrder,
		maxAttempts:    maxAttempts,
		retryDelay:     retryDelay,
		backendTimeout: backendTimeout,
		corsOrigins:    opts.CORSOrigins,
	}
}

// Complete runs the full non-streaming pipeline: raw request bytes in the
// input format, raw response bytes in the output format. Streaming requests
// must go through Execute + the SSE writer instead; Complete rejects them.
func (g *Gateway) Complete(ctx context.Context, inFormat, outFormat string, raw []byte) ([]byte, error) {
	resp, _, err := g.Execute(ctx, inFormat, raw)
	if err != nil {
		return nil, err
	}
	if resp.Stream != nil {
		err := formats.NewValidationError(inFormat, "streaming request on non-streaming endpoint")
		g.fireOnError(ctx, err)
		return nil, err
	}
	return g.Finish(ctx, outFormat, resp)
}

// Execute runs pipeline steps up to and including backend execution and
// latency reporting, with the fallback protocol on failure. The returned
// backend name identifies who served the request. For streaming requests the
// response carries an open Stream channel that the caller must drain.
func (g *Gateway) Execute(ctx context.Context, inFormat string, raw []byte) (*unified.Response, string, error) {
	in, ok := g.formats.Lookup(inFormat)
	if !ok {
		err := formats.NewValidationError(inFormat, "unsupported input format")
		g.fireOnError(ctx, err)
		return nil, "", err
	}

	raw, err := g.fireOnRequest(ctx, inFormat, raw)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, "", err
	}

	// Each attempt re-normalizes from the pristine body and re-resolves the
	// alias, so middleware rewrites and backend-specific mutations from a
	// failed attempt never leak into the next one.
	prepare := func() (*unified.Request, error) {
		req, err := in.Normalize(raw)
		if err != nil {
			return nil, err
		}
		req.Model = g.resolveAlias(req.Model)
		return g.fireOnUnifiedRequest(ctx, req)
	}

	req, err := prepare()
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, "", err
	}

	primary, err := g.rt.SelectBackend(req)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, "", err
	}

	resp, execErr := g.executeOn(ctx, primary.Name, req)
	if execErr == nil {
		return resp, primary.Name, nil
	}
	g.fireOnError(ctx, execErr)
	if isClientError(execErr) || len(g.fallbackOrder) == 0 {
		return nil, "", execErr
	}

	g.log.Warn("backend_attempt_failed",
		slog.String("backend", primary.Name),
		slog.String("model", req.Model),
		slog.String("error", execErr.Error()),
	)

	lastErr := execErr
	attempts := 1
	tried := map[string]bool{primary.Name: true}

	for _, cand := range g.fallbackOrder {
		if attempts >= g.maxAttempts {
			break
		}
		if tried[cand] || !g.rt.IsHealthy(cand) {
			continue
		}
		tried[cand] = true
		attempts++

		if err := sleepCtx(ctx, g.retryDelay); err != nil {
			return nil, "", lastErr
		}

		req, err := prepare()
		if err != nil {
			g.fireOnError(ctx, err)
			return nil, "", err
		}

		resp, execErr := g.executeOn(ctx, cand, req)
		if execErr == nil {
			if g.metrics != nil {
				g.metrics.RecordFallbackSuccess(primary.Name, cand)
			}
			g.log.Info("fallback_success",
				slog.String("primary", primary.Name),
				slog.String("backend", cand),
				slog.Int("attempt", attempts),
			)
			return resp, cand, nil
		}
		g.fireOnError(ctx, execErr)
		lastErr = execErr
		if isClientError(execErr) {
			break
		}
		g.log.Warn("backend_attempt_failed",
			slog.String("backend", cand),
			slog.String("model", req.Model),
			slog.Int("attempt", attempts),
			slog.String("error", execErr.Error()),
		)
	}

	if g.metrics != nil {
		g.metrics.RecordFallbackExhausted(primary.Name)
	}
	exhausted := &FallbackExhaustedError{Attempts: attempts, Last: lastErr}
	g.fireOnError(ctx, exhausted)
	return nil, "", exhausted
}

// Finish runs the response half of the pipeline: canonical response through
// the response middleware, denormalized into the output format, serialized,
// and through the raw-response middleware.
func (g *Gateway) Finish(ctx context.Context, outFormat string, resp *unified.Response) ([]byte, error) {
	out, ok := g.formats.Lookup(outFormat)
	if !ok {
		err := formats.NewValidationError(outFormat, "unsupported output format")
		g.fireOnError(ctx, err)
		return nil, err
	}

	resp, err := g.fireOnUnifiedResponse(ctx, resp)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, err
	}

	native, err := out.Denormalize(resp)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, err
	}
	body, err := marshalJSON(native)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, err
	}

	body, err = g.fireOnResponse(ctx, outFormat, body)
	if err != nil {
		g.fireOnError(ctx, err)
		return nil, err
	}
	return body, nil
}

// executeOn runs one backend attempt with circuit accounting. Non-streaming
// calls are bounded by the backend timeout; streaming calls inherit ctx
// directly so the channel outlives this function.
func (g *Gateway) executeOn(ctx context.Context, name string, req *unified.Request) (*unified.Response, error) {
	exec, ok := g.execs[name]
	if !ok {
		return nil, &backend.ExecError{
			Provider:   name,
			StatusCode: fasthttp.StatusBadGateway,
			Message:    fmt.Sprintf("backend %q has no executor", name),
			Type:       "server_error",
			Code:       "backend_not_wired",
		}
	}

	callCtx := ctx
	if !req.Stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.backendTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := exec.Execute(callCtx, req)
	elapsed := time.Since(start)

	if g.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = classifyError(err)
		}
		g.metrics.ObserveBackendAttempt(name, outcome, elapsed)
	}

	if err != nil {
		g.rt.ReportFailure(name, err)
		return nil, err
	}
	g.rt.ReportLatency(name, elapsed)
	return resp, nil
}

// resolveAlias maps a public model name to its backend name. Identity when
// no entry exists.
func (g *Gateway) resolveAlias(model string) string {
	if target, ok := g.aliases[model]; ok {
		return target
	}
	return model
}

// ── Middleware dispatch ───────────────────────────────────────────────────────

func (g *Gateway) fireOnRequest(ctx context.Context, format string, raw []byte) ([]byte, error) {
	for _, mw := range g.mws {
		if mw.OnRequest == nil {
			continue
		}
		var err error
		raw, err = mw.OnRequest(ctx, format, raw)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", mw.Name, err)
		}
	}
	return raw, nil
}

func (g *Gateway) fireOnUnifiedRequest(ctx context.Context, req *unified.Request) (*unified.Request, error) {
	for _, mw := range g.mws {
		if mw.OnUnifiedRequest == nil {
			continue
		}
		var err error
		req, err = mw.OnUnifiedRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", mw.Name, err)
		}
	}
	return req, nil
}

func (g *Gateway) fireOnUnifiedResponse(ctx context.Context, resp *unified.Response) (*unified.Response, error) {
	for _, mw := range g.mws {
		if mw.OnUnifiedResponse == nil {
			continue
		}
		var err error
		resp, err = mw.OnUnifiedResponse(ctx, resp)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", mw.Name, err)
		}
	}
	return resp, nil
}

func (g *Gateway) fireOnResponse(ctx context.Context, format string, raw []byte) ([]byte, error) {
	for _, mw := range g.mws {
		if mw.OnResponse == nil {
			continue
		}
		var err error
		raw, err = mw.OnResponse(ctx, format, raw)
		if err != nil {
			return nil, fmt.Errorf("middleware %s: %w", mw.Name, err)
		}
	}
	return raw, nil
}

func (g *Gateway) fireOnError(ctx context.Context, err error) {
	for _, mw := range g.mws {
		if mw.OnError != nil {
			mw.OnError(ctx, err)
		}
	}
}

// ── Error classification ──────────────────────────────────────────────────────

// isClientError reports whether err is the client's fault and must never be
// retried on another backend. Upstream 429s stay retryable — a different
// backend may have capacity.
func isClientError(err error) bool {
	var ve *formats.ValidationError
	var ce *formats.ConversionError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return true
	}
	var ee *backend.ExecError
	if errors.As(err, &ee) {
		return ee.StatusCode >= 400 && ee.StatusCode < 500 &&
			ee.StatusCode != fasthttp.StatusTooManyRequests
	}
	return false
}

// classifyError produces a short metric label for a backend failure.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var ee *backend.ExecError
	if errors.As(err, &ee) {
		switch {
		case ee.StatusCode == fasthttp.StatusTooManyRequests:
			return "rate_limited"
		case ee.StatusCode >= 500:
			return "upstream_5xx"
		case ee.StatusCode >= 400:
			return "upstream_4xx"
		}
	}
	return "error"
}

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
