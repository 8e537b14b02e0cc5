// Package router selects a backend for each request according to a
// configurable strategy and tracks per-backend health with a circuit breaker.
package router

import (
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

// Strategy names accepted in configuration.
const (
	StrategyModelMatch     = "model-match"
	StrategyRoundRobin     = "round-robin"
	StrategyLeastLatency   = "least-latency"
	StrategyCostOptimized  = "cost-optimized"
	StrategyPriority       = "priority"
	StrategyRandom         = "random"
	StrategyWeightedRandom = "weighted-random"
)

// ErrNoBackendAvailable is returned when every configured backend is disabled
// or circuit-open.
var ErrNoBackendAvailable = errors.New("router: no backend available")

// Cost is a per-1k-token price pair. A zero Cost means the backend declares
// no cost table.
type Cost struct {
	Input  float64 `mapstructure:"input"  json:"input"`
	Output float64 `mapstructure:"output" json:"output"`
}

func (c Cost) declared() bool { return c.Input > 0 || c.Output > 0 }

// Backend describes one configured downstream provider endpoint. Immutable
// after construction except for the enabled flag, which the Router guards.
type Backend struct {
	Name     string   `mapstructure:"name"     json:"name"`
	Provider string   `mapstructure:"provider" json:"provider"`
	APIKey   string   `mapstructure:"api_key"  json:"-"`
	BaseURL  string   `mapstructure:"base_url" json:"base_url,omitempty"`
	Priority int      `mapstructure:"priority" json:"priority"`
	Weight   int      `mapstructure:"weight"   json:"weight"`
	Models   []string `mapstructure:"models"   json:"models,omitempty"`
	Cost     Cost     `mapstructure:"cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	Enabled  bool     `mapstructure:"enabled"  json:"enabled"`
}

type entry struct {
	cfg     Backend
	stats   *backendStats
	enabled bool // guarded by Router.mu
}

// Router picks a backend per request and owns all per-backend statistics.
// Safe for concurrent use.
type Router struct {
	strategy string
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex // guards enabled flags and rrIndex
	backends []*entry
	byName   map[string]*entry
	rrIndex  int

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customizes Router construction.
type Option func(*Router)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithRandSource seeds the random strategies deterministically, for tests.
func WithRandSource(src rand.Source) Option {
	return func(r *Router) { r.rand = rand.New(src) }
}

// New builds a Router over the given backends. Backends are sorted by
// priority at construction so the priority strategy is a plain first-pick.
func New(strategy string, backends []Backend, opts ...Option) (*Router, error) {
	switch strategy {
	case "":
		strategy = StrategyPriority
	case StrategyModelMatch, StrategyRoundRobin, StrategyLeastLatency,
		StrategyCostOptimized, StrategyPriority, StrategyRandom, StrategyWeightedRandom:
	default:
		return nil, errors.New("router: unknown strategy " + strconv.Quote(strategy))
	}
	if len(backends) == 0 {
		return nil, errors.New("router: at least one backend is required")
	}

	sorted := make([]Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r := &Router{
		strategy: strategy,
		log:      slog.Default(),
		now:      time.Now,
		byName:   make(map[string]*entry, len(sorted)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rand == nil {
		r.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	for _, b := range sorted {
		if b.Name == "" {
			return nil, errors.New("router: backend with empty name")
		}
		if _, dup := r.byName[b.Name]; dup {
			return nil, errors.New("router: duplicate backend name " + strconv.Quote(b.Name))
		}
		e := &entry{cfg: b, stats: &backendStats{}, enabled: b.Enabled}
		r.backends = append(r.backends, e)
		r.byName[b.Name] = e
	}
	return r, nil
}

// Strategy returns the configured strategy name.
func (r *Router) Strategy() string { return r.strategy }

// Backends returns the configured backends in priority order.
func (r *Router) Backends() []Backend {
	out := make([]Backend, len(r.backends))
	for i, e := range r.backends {
		out[i] = e.cfg
	}
	return out
}

// SelectBackend picks a backend for req among those currently passing the
// circuit-breaker check.
func (r *Router) SelectBackend(req *unified.Request) (Backend, error) {
	avail := r.available()
	if len(avail) == 0 {
		return Backend{}, ErrNoBackendAvailable
	}

	var chosen *entry
	switch r.strategy {
	case StrategyModelMatch:
		chosen = r.selectModelMatch(avail, req.Model)
	case StrategyRoundRobin:
		chosen = r.selectRoundRobin(avail)
	case StrategyLeastLatency:
		chosen = selectLeastLatency(avail)
	case StrategyCostOptimized:
		chosen = r.selectCostOptimized(avail, req)
	case StrategyRandom:
		chosen = avail[r.intn(len(avail))]
	case StrategyWeightedRandom:
		chosen = r.selectWeightedRandom(avail)
	default: // StrategyPriority — backends are pre-sorted
		chosen = avail[0]
	}

	r.log.Debug("backend_selected",
		slog.String("strategy", r.strategy),
		slog.String("backend", chosen.cfg.Name),
		slog.String("model", req.Model),
	)
	return chosen.cfg, nil
}

// IsHealthy reports whether the named backend is enabled and circuit-closed.
func (r *Router) IsHealthy(name string) bool {
	r.mu.RLock()
	e, ok := r.byName[name]
	enabled := ok && e.enabled
	r.mu.RUnlock()
	return enabled && e.stats.available(r.now())
}

// ReportLatency records a successful call against the named backend.
func (r *Router) ReportLatency(name string, d time.Duration) {
	if e, ok := r.byName[name]; ok {
		e.stats.recordLatency(d, r.now())
	}
}

// ReportFailure records a failed call against the named backend.
func (r *Router) ReportFailure(name string, err error) {
	e, ok := r.byName[name]
	if !ok {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	e.stats.recordFailure(msg, r.now())
	r.log.Warn("backend_failure",
		slog.String("backend", name),
		slog.String("error", msg),
	)
}

// SetEnabled toggles a backend in or out of the selectable set.
func (r *Router) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	if e, ok := r.byName[name]; ok {
		e.enabled = enabled
	}
	r.mu.Unlock()
}

// Stats returns a read-only snapshot for every configured backend.
func (r *Router) Stats() []BackendStats {
	now := r.now()
	out := make([]BackendStats, 0, len(r.backends))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.backends {
		out = append(out, e.stats.snapshot(e.cfg.Name, e.cfg.Provider, e.enabled, now))
	}
	return out
}

// available returns enabled, circuit-admitted backends in priority order.
func (r *Router) available() []*entry {
	now := r.now()
	out := make([]*entry, 0, len(r.backends))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.backends {
		if e.enabled && e.stats.available(now) {
			out = append(out, e)
		}
	}
	return out
}

// ── Strategies ────────────────────────────────────────────────────────────────

// selectModelMatch prefers, in order: a backend whose models glob list matches
// the requested model; a backend whose provider matches the provider inferred
// from the model name; a backend whose provider name appears inside the model
// name; the first available backend.
func (r *Router) selectModelMatch(avail []*entry, model string) *entry {
	for _, e := range avail {
		for _, pattern := range e.cfg.Models {
			if ok, _ := path.Match(pattern, model); ok || pattern == model {
				return e
			}
		}
	}
	if inferred := ProviderForModel(model); inferred != "" {
		for _, e := range avail {
			if e.cfg.Provider == inferred {
				return e
			}
		}
	}
	lower := strings.ToLower(model)
	for _, e := range avail {
		if p := strings.ToLower(e.cfg.Provider); p != "" && strings.Contains(lower, p) {
			return e
		}
	}
	return avail[0]
}

func (r *Router) selectRoundRobin(avail []*entry) *entry {
	r.mu.Lock()
	idx := r.rrIndex % len(avail)
	r.rrIndex++
	r.mu.Unlock()
	return avail[idx]
}

// selectLeastLatency prefers a backend with no latency history over any with
// history, so new backends get explored before the averages settle.
func selectLeastLatency(avail []*entry) *entry {
	var best *entry
	var bestAvg time.Duration
	for _, e := range avail {
		if !e.stats.hasHistory() {
			return e
		}
		if avg := e.stats.avgLatency(); best == nil || avg < bestAvg {
			best, bestAvg = e, avg
		}
	}
	return best
}

// defaultOutputTokens is assumed for cost estimation when the request does
// not cap max_tokens.
const defaultOutputTokens = 1000

// selectCostOptimized picks the cheapest backend among those declaring a cost
// table. When none declares one it falls back to the first available backend
// rather than selecting from an empty set.
func (r *Router) selectCostOptimized(avail []*entry, req *unified.Request) *entry {
	input := estimateInputTokens(req)
	output := req.MaxTokens
	if output <= 0 {
		output = defaultOutputTokens
	}

	var best *entry
	bestCost := math.MaxFloat64
	for _, e := range avail {
		if !e.cfg.Cost.declared() {
			continue
		}
		cost := float64(input)/1000*e.cfg.Cost.Input + float64(output)/1000*e.cfg.Cost.Output
		if cost < bestCost {
			best, bestCost = e, cost
		}
	}
	if best == nil {
		return avail[0]
	}
	return best
}

// estimateInputTokens approximates prompt size as ceil(len/4) per message.
func estimateInputTokens(req *unified.Request) int {
	total := 0
	for _, m := range req.Messages {
		total += (len(m.Text()) + 3) / 4
	}
	return total
}

func (r *Router) selectWeightedRandom(avail []*entry) *entry {
	sum := 0
	for _, e := range avail {
		sum += e.cfg.Weight
	}
	if sum <= 0 {
		return avail[r.intn(len(avail))]
	}
	n := r.intn(sum)
	for _, e := range avail {
		n -= e.cfg.Weight
		if n < 0 {
			return e
		}
	}
	return avail[len(avail)-1]
}

func (r *Router) intn(n int) int {
	r.randMu.Lock()
	defer r.randMu.Unlock()
	return r.rand.Intn(n)
}
