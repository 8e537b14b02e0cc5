// Package ratelimit implements sliding-window admission control keyed by
// arbitrary strings (API key, backend name). Two implementations share one
// interface: an in-process window store and a Redis sorted-set variant for
// multi-instance deployments.
package ratelimit

import (
	"context"
	"time"
)

// Config is the window definition for one key class.
type Config struct {
	// Window is the sliding window length.
	Window time.Duration `mapstructure:"window"`
	// MaxRequests is the number of requests admitted per window.
	MaxRequests int `mapstructure:"max_requests"`
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the oldest in-window request expires.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// RequestLimiter is the admission-control surface the gateway consumes.
// Check records the request when admitted; Peek never records.
type RequestLimiter interface {
	Check(ctx context.Context, key string) (Result, error)
	Peek(ctx context.Context, key string) (Result, error)
}
