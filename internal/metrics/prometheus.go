// Package metrics provides a Prometheus metrics registry for the bridge.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// bridge_inflight_requests
	inFlight prometheus.Gauge

	// bridge_http_requests_total{format,status}
	httpRequestsTotal *prometheus.CounterVec

	// bridge_http_request_duration_seconds{format}
	httpDuration *prometheus.HistogramVec

	// bridge_http_request_size_bytes{format}
	httpReqSize *prometheus.HistogramVec

	// bridge_http_response_size_bytes{format,status}
	httpRespSize *prometheus.HistogramVec

	// bridge_requests_total{backend,status}
	requestsTotal *prometheus.CounterVec

	// bridge_latency_ms_total{backend} — sum of latency in ms (derive avg externally)
	latencyTotal *prometheus.CounterVec

	// bridge_backend_attempts_total{backend,outcome}
	backendAttempts *prometheus.CounterVec

	// bridge_backend_attempt_duration_seconds{backend,outcome}
	backendDuration *prometheus.HistogramVec

	// bridge_fallback_success_total{primary,to}
	fallbackSuccess *prometheus.CounterVec

	// bridge_fallback_exhausted_total{primary}
	fallbackExhausted *prometheus.CounterVec

	// bridge_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// bridge_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// bridge_backend_healthy{backend} — 1=healthy, 0=circuit open or disabled
	backendHealthy *prometheus.GaugeVec

	// bridge_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the bridge",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests handled by the bridge",
			},
			[]string{"format", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"format"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"format"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"format", "status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_requests_total",
				Help: "Total number of inference requests by serving backend",
			},
			[]string{"backend", "status"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_latency_ms_total",
				Help: "Sum of latency in ms (compute avg externally)",
			},
			[]string{"backend"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_backend_attempts_total",
				Help: "Total backend attempts (includes fallback retries)",
			},
			[]string{"backend", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_backend_attempt_duration_seconds",
				Help:    "Backend attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"backend", "outcome"},
		),

		fallbackSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_fallback_success_total",
				Help: "Successful fallbacks (request served by a non-primary backend)",
			},
			[]string{"primary", "to"},
		),

		fallbackExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_fallback_exhausted_total",
				Help: "Requests that exhausted fallback attempts without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"backend", "direction"},
		),

		backendHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_backend_healthy",
				Help: "Backend health status (1=healthy, 0=circuit open or disabled)",
			},
			[]string{"backend"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.requestsTotal,
		r.latencyTotal,
		r.backendAttempts,
		r.backendDuration,
		r.fallbackSuccess,
		r.fallbackExhausted,
		r.rateLimitTotal,
		r.tokensTotal,
		r.backendHealthy,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(format string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(format, status).Inc()
	r.httpDuration.WithLabelValues(format).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(format).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(format, status).Observe(float64(respBytes))
	}
}

func (r *Registry) RecordRequest(backend string, statusCode int, latencyMs int64) {
	r.requestsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
	r.latencyTotal.WithLabelValues(backend).Add(float64(latencyMs))
}

// ObserveBackendAttempt records one backend execution attempt.
func (r *Registry) ObserveBackendAttempt(backend, outcome string, dur time.Duration) {
	r.backendAttempts.WithLabelValues(backend, outcome).Inc()
	r.backendDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(backend string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBackendHealthy(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.backendHealthy.WithLabelValues(backend).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
