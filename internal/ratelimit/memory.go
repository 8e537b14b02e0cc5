package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how often the background sweep scans for idle windows.
const sweepInterval = time.Minute

// window holds the in-window request timestamps for one key, sorted
// ascending. Each key has its own mutex so hot keys do not contend.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
}

// Limiter is the in-process sliding-window limiter. Safe for concurrent use.
type Limiter struct {
	def       Config
	overrides map[string]Config

	mu      sync.RWMutex // guards the windows map, not the windows themselves
	windows map[string]*window

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// LimiterOption customizes Limiter construction.
type LimiterOption func(*Limiter)

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithOverride sets a per-key config that takes precedence over the default.
func WithOverride(key string, cfg Config) LimiterOption {
	return func(l *Limiter) { l.overrides[key] = cfg }
}

// NewLimiter builds an in-memory limiter with the given default window and
// starts the background sweep. Call Close to stop the sweep.
func NewLimiter(def Config, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		def:       def,
		overrides: make(map[string]Config),
		windows:   make(map[string]*window),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweepLoop()
	return l
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

// Check admits or rejects a request for key, recording it when admitted.
func (l *Limiter) Check(_ context.Context, key string) (Result, error) {
	return l.check(key, true), nil
}

// Peek reports the decision Check would make without recording anything.
func (l *Limiter) Peek(_ context.Context, key string) (Result, error) {
	return l.check(key, false), nil
}

func (l *Limiter) configFor(key string) Config {
	if cfg, ok := l.overrides[key]; ok {
		return cfg
	}
	return l.def
}

func (l *Limiter) check(key string, record bool) Result {
	cfg := l.configFor(key)
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true, Remaining: -1}
	}

	now := l.now()
	w := l.windowFor(key)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now

	// Evict timestamps that fell out of the window. The slice is sorted
	// ascending so a single cut point suffices.
	cutoff := now.Add(-cfg.Window)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}

	current := len(w.timestamps)
	if current >= cfg.MaxRequests {
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.timestamps[0].Add(cfg.Window).Sub(now),
		}
	}
	if record {
		w.timestamps = append(w.timestamps, now)
	}
	return Result{Allowed: true, Remaining: cfg.MaxRequests - 1 - current}
}

func (l *Limiter) windowFor(key string) *window {
	l.mu.RLock()
	w, ok := l.windows[key]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[key]; ok {
		return w
	}
	w = &window{}
	l.windows[key] = w
	return w
}

// sweepLoop periodically purges windows whose key has not been seen for more
// than twice the longest configured window, bounding memory for churned keys.
// Any timestamps still held by such a window are necessarily expired.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	idle := 2 * l.longestWindow()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.lastSeen) > idle
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) longestWindow() time.Duration {
	longest := l.def.Window
	for _, cfg := range l.overrides {
		if cfg.Window > longest {
			longest = cfg.Window
		}
	}
	return longest
}
