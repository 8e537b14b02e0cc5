package router

import (
	"sync"
	"time"
)

const (
	// cbFailureThreshold is the number of consecutive failures that opens a
	// backend's circuit.
	cbFailureThreshold = 5

	// cbOpenWindow is how long an open circuit excludes a backend before the
	// next availability check re-admits it half-open.
	cbOpenWindow = 30 * time.Second

	// latencyHistorySize bounds the per-backend latency ring used for the
	// moving average.
	latencyHistorySize = 100
)

// backendStats tracks health and latency for one backend. Each backend has
// its own mutex so stat updates on one backend never block another.
type backendStats struct {
	mu sync.Mutex

	requests int64
	errors   int64

	latencies  []time.Duration // ring buffer, at most latencyHistorySize entries
	latencyPos int
	latencyLen int

	consecutiveFailures int
	circuitOpen         bool
	halfOpen            bool
	circuitOpenUntil    time.Time

	lastError string
	lastUsed  time.Time
}

// BackendStats is the read-only snapshot returned by Router.Stats.
type BackendStats struct {
	Name                string        `json:"name"`
	Provider            string        `json:"provider"`
	Healthy             bool          `json:"healthy"`
	Enabled             bool          `json:"enabled"`
	Requests            int64         `json:"requests"`
	Errors              int64         `json:"errors"`
	AvgLatency          time.Duration `json:"avg_latency_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpen         bool          `json:"circuit_open"`
	LastError           string        `json:"last_error,omitempty"`
	LastUsed            time.Time     `json:"last_used,omitempty"`
}

// available reports whether the circuit admits this backend at t. A circuit
// whose open window has elapsed transitions half-open: the failure counter
// resets and the backend is re-admitted, but a single subsequent failure
// re-opens it immediately with a fresh window.
func (s *backendStats) available(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.circuitOpen {
		return true
	}
	if t.Before(s.circuitOpenUntil) {
		return false
	}
	s.circuitOpen = false
	s.halfOpen = true
	s.consecutiveFailures = 0
	return true
}

// recordLatency registers a successful call. Success force-closes the circuit
// whatever state it was in.
func (s *backendStats) recordLatency(d time.Duration, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.lastUsed = t
	s.consecutiveFailures = 0
	s.circuitOpen = false
	s.halfOpen = false

	if len(s.latencies) < latencyHistorySize {
		s.latencies = append(s.latencies, d)
		s.latencyLen = len(s.latencies)
		return
	}
	s.latencies[s.latencyPos] = d
	s.latencyPos = (s.latencyPos + 1) % latencyHistorySize
}

// recordFailure registers a failed call and opens the circuit once the
// consecutive-failure threshold is reached. A half-open circuit re-opens on
// the first failure with a fresh window.
func (s *backendStats) recordFailure(errMsg string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	s.errors++
	s.lastUsed = t
	s.lastError = errMsg
	s.consecutiveFailures++

	if s.halfOpen || s.consecutiveFailures >= cbFailureThreshold {
		s.halfOpen = false
		s.circuitOpen = true
		s.circuitOpenUntil = t.Add(cbOpenWindow)
	}
}

// avgLatency returns the moving average over the ring, or 0 with no history.
func (s *backendStats) avgLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgLatencyLocked()
}

func (s *backendStats) avgLatencyLocked() time.Duration {
	if s.latencyLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < s.latencyLen; i++ {
		sum += s.latencies[i]
	}
	return sum / time.Duration(s.latencyLen)
}

// hasHistory reports whether any latency sample has been recorded.
func (s *backendStats) hasHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyLen > 0
}

func (s *backendStats) snapshot(name, provider string, enabled bool, t time.Time) BackendStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := enabled && (!s.circuitOpen || !t.Before(s.circuitOpenUntil))
	return BackendStats{
		Name:                name,
		Provider:            provider,
		Healthy:             healthy,
		Enabled:             enabled,
		Requests:            s.requests,
		Errors:              s.errors,
		AvgLatency:          s.avgLatencyLocked(),
		ConsecutiveFailures: s.consecutiveFailures,
		CircuitOpen:         s.circuitOpen,
		LastError:           s.lastError,
		LastUsed:            s.lastUsed,
	}
}
