package router

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/unified"
)

func testBackends() []Backend {
	return []Backend{
		{Name: "primary", Provider: "openai", Priority: 1, Enabled: true,
			Models: []string{"gpt-*"}, Cost: Cost{Input: 2.5, Output: 10}},
		{Name: "secondary", Provider: "anthropic", Priority: 2, Enabled: true,
			Models: []string{"claude-*"}, Cost: Cost{Input: 3, Output: 15}},
		{Name: "local", Provider: "ollama", Priority: 3, Enabled: true, Weight: 1},
	}
}

func testRequest(model string) *unified.Request {
	return &unified.Request{
		Model:    model,
		Messages: []unified.Message{{Role: unified.RoleUser, Content: "hi"}},
	}
}

// fakeClock lets the circuit-breaker tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRouter(t *testing.T, strategy string, clock *fakeClock) *Router {
	t.Helper()
	opts := []Option{WithRandSource(rand.NewSource(1))}
	if clock != nil {
		opts = append(opts, WithClock(clock.now))
	}
	r, err := New(strategy, testBackends(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNew_UnknownStrategy(t *testing.T) {
	if _, err := New("best-effort", testBackends()); err == nil {
		t.Error("unknown strategy should be rejected")
	}
}

func TestNew_DuplicateName(t *testing.T) {
	backends := testBackends()
	backends[1].Name = backends[0].Name
	if _, err := New(StrategyPriority, backends); err == nil {
		t.Error("duplicate backend names should be rejected")
	}
}

func TestSelectBackend_Priority(t *testing.T) {
	r := newTestRouter(t, StrategyPriority, nil)
	b, err := r.SelectBackend(testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if b.Name != "primary" {
		t.Errorf("priority strategy should pick the lowest priority value, got %s", b.Name)
	}
}

func TestSelectBackend_ModelMatch(t *testing.T) {
	r := newTestRouter(t, StrategyModelMatch, nil)

	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "primary"},            // glob match
		{"claude-sonnet-4", "secondary"}, // glob match
		{"gemini-2.5-pro", "primary"},    // no match anywhere → first available
		{"llama3.2", "local"},            // inferred provider match
		{"my-ollama-finetune", "local"},  // provider substring match
	}
	for _, tc := range cases {
		b, err := r.SelectBackend(testRequest(tc.model))
		if err != nil {
			t.Fatalf("SelectBackend(%s): %v", tc.model, err)
		}
		if b.Name != tc.want {
			t.Errorf("model %s: got backend %s, want %s", tc.model, b.Name, tc.want)
		}
	}
}

func TestSelectBackend_RoundRobin(t *testing.T) {
	r := newTestRouter(t, StrategyRoundRobin, nil)

	var got []string
	for i := 0; i < 4; i++ {
		b, err := r.SelectBackend(testRequest("gpt-4o"))
		if err != nil {
			t.Fatalf("SelectBackend: %v", err)
		}
		got = append(got, b.Name)
	}
	want := []string{"primary", "secondary", "local", "primary"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: got %s, want %s (sequence %v)", i, got[i], want[i], got)
		}
	}
}

func TestSelectBackend_LeastLatency(t *testing.T) {
	r := newTestRouter(t, StrategyLeastLatency, nil)

	r.ReportLatency("primary", 200*time.Millisecond)
	r.ReportLatency("secondary", 50*time.Millisecond)

	// "local" has no history yet and must win the cold-start preference.
	b, _ := r.SelectBackend(testRequest("gpt-4o"))
	if b.Name != "local" {
		t.Fatalf("backend without history should be preferred, got %s", b.Name)
	}

	r.ReportLatency("local", 500*time.Millisecond)
	b, _ = r.SelectBackend(testRequest("gpt-4o"))
	if b.Name != "secondary" {
		t.Errorf("lowest average latency should win, got %s", b.Name)
	}
}

func TestSelectBackend_CostOptimized(t *testing.T) {
	r := newTestRouter(t, StrategyCostOptimized, nil)

	// primary: 2.5 in / 10 out vs secondary: 3 in / 15 out; local has no
	// cost table and must never win while priced backends exist.
	b, _ := r.SelectBackend(testRequest("gpt-4o"))
	if b.Name != "primary" {
		t.Errorf("cheapest priced backend should win, got %s", b.Name)
	}
}

func TestSelectBackend_CostOptimizedNoCostTables(t *testing.T) {
	backends := testBackends()
	for i := range backends {
		backends[i].Cost = Cost{}
	}
	r, err := New(StrategyCostOptimized, backends)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := r.SelectBackend(testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if b.Name != "primary" {
		t.Errorf("with no cost tables the first available backend should win, got %s", b.Name)
	}
}

func TestSelectBackend_NoneAvailable(t *testing.T) {
	r := newTestRouter(t, StrategyPriority, nil)
	for _, b := range testBackends() {
		r.SetEnabled(b.Name, false)
	}
	if _, err := r.SelectBackend(testRequest("gpt-4o")); !errors.Is(err, ErrNoBackendAvailable) {
		t.Errorf("expected ErrNoBackendAvailable, got %v", err)
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRouter(t, StrategyPriority, clock)

	for i := 0; i < cbFailureThreshold-1; i++ {
		r.ReportFailure("primary", errors.New("upstream 500"))
		if !r.IsHealthy("primary") {
			t.Fatalf("should stay healthy before threshold, failure %d", i+1)
		}
	}

	r.ReportFailure("primary", errors.New("upstream 500"))
	if r.IsHealthy("primary") {
		t.Fatal("should be unhealthy after threshold failures")
	}

	b, err := r.SelectBackend(testRequest("gpt-4o"))
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if b.Name != "secondary" {
		t.Errorf("open circuit should exclude primary, got %s", b.Name)
	}
}

func TestCircuitBreaker_ReopensAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRouter(t, StrategyPriority, clock)

	for i := 0; i < cbFailureThreshold; i++ {
		r.ReportFailure("primary", errors.New("boom"))
	}

	clock.advance(cbOpenWindow - time.Second)
	if r.IsHealthy("primary") {
		t.Fatal("circuit should still be open inside the window")
	}

	clock.advance(2 * time.Second)
	if !r.IsHealthy("primary") {
		t.Fatal("circuit should re-admit the backend after the window")
	}

	// One more failure after re-admission re-opens immediately.
	r.ReportFailure("primary", errors.New("boom again"))
	if r.IsHealthy("primary") {
		t.Error("single failure after re-admission should re-open the circuit")
	}
}

func TestCircuitBreaker_HalfOpenFailureStartsFreshWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRouter(t, StrategyPriority, clock)

	for i := 0; i < cbFailureThreshold; i++ {
		r.ReportFailure("primary", errors.New("boom"))
	}
	clock.advance(cbOpenWindow + time.Second)
	if !r.IsHealthy("primary") {
		t.Fatal("circuit should re-admit the backend after the window")
	}

	// The failure that re-opens the circuit starts an entirely new window.
	r.ReportFailure("primary", errors.New("boom again"))
	clock.advance(cbOpenWindow - time.Second)
	if r.IsHealthy("primary") {
		t.Fatal("re-opened circuit should hold for a full window")
	}
	clock.advance(2 * time.Second)
	if !r.IsHealthy("primary") {
		t.Error("re-opened circuit should re-admit after its own window")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRouter(t, StrategyPriority, clock)

	for i := 0; i < cbFailureThreshold; i++ {
		r.ReportFailure("primary", errors.New("boom"))
	}
	clock.advance(cbOpenWindow + time.Second)
	if !r.IsHealthy("primary") {
		t.Fatal("circuit should re-admit the backend after the window")
	}
	r.ReportLatency("primary", 50*time.Millisecond)

	// Closed for good now: failures count from zero again.
	r.ReportFailure("primary", errors.New("blip"))
	if !r.IsHealthy("primary") {
		t.Error("one failure after a half-open success should not re-open the circuit")
	}
}

func TestCircuitBreaker_SuccessForceCloses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := newTestRouter(t, StrategyPriority, clock)

	for i := 0; i < cbFailureThreshold; i++ {
		r.ReportFailure("primary", errors.New("boom"))
	}
	clock.advance(cbOpenWindow + time.Second)
	r.ReportLatency("primary", 80*time.Millisecond)

	if !r.IsHealthy("primary") {
		t.Fatal("success should force-close the circuit")
	}
	stats := r.Stats()
	if stats[0].ConsecutiveFailures != 0 {
		t.Errorf("success should reset consecutive failures, got %d", stats[0].ConsecutiveFailures)
	}
}

func TestStats_Snapshot(t *testing.T) {
	r := newTestRouter(t, StrategyPriority, nil)
	r.ReportLatency("primary", 100*time.Millisecond)
	r.ReportLatency("primary", 200*time.Millisecond)
	r.ReportFailure("secondary", errors.New("timeout"))

	stats := r.Stats()
	if len(stats) != 3 {
		t.Fatalf("expected 3 stat entries, got %d", len(stats))
	}
	byName := map[string]BackendStats{}
	for _, s := range stats {
		byName[s.Name] = s
	}
	if got := byName["primary"].AvgLatency; got != 150*time.Millisecond {
		t.Errorf("avg latency: got %v, want 150ms", got)
	}
	if byName["primary"].Requests != 2 || byName["primary"].Errors != 0 {
		t.Errorf("primary counters wrong: %+v", byName["primary"])
	}
	if byName["secondary"].Errors != 1 || byName["secondary"].LastError != "timeout" {
		t.Errorf("secondary error accounting wrong: %+v", byName["secondary"])
	}
}

func TestLatencyRing_Bounded(t *testing.T) {
	r := newTestRouter(t, StrategyPriority, nil)
	// Fill beyond capacity: 150 slow samples, then 100 fast ones. The ring
	// keeps only the last 100, so the average must settle at the fast value.
	for i := 0; i < 150; i++ {
		r.ReportLatency("primary", time.Second)
	}
	for i := 0; i < latencyHistorySize; i++ {
		r.ReportLatency("primary", 10*time.Millisecond)
	}
	if got := r.Stats()[0].AvgLatency; got != 10*time.Millisecond {
		t.Errorf("ring should have evicted slow samples, avg %v", got)
	}
}

func TestProviderForModel(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":               "openai",
		"o3-mini":              "openai",
		"claude-sonnet-4":      "anthropic",
		"gemini-2.5-flash":     "google",
		"command-r-plus":       "cohere",
		"llama3.2":             "ollama",
		"anthropic/claude-3.5": "anthropic",
		"acme/gpt-4o":          "openai",
		"totally-unknown":      "",
	}
	for model, want := range cases {
		if got := ProviderForModel(model); got != want {
			t.Errorf("ProviderForModel(%s): got %q, want %q", model, got, want)
		}
	}
}
