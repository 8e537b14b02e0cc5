package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript is an atomic sliding-window check over a sorted set.
// KEYS[1] = window key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = unique member to record when admitted
// Returns: {allowed (0/1), count before this request, oldest score or 0}.
var checkScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		local oldest = 0
		local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if first[2] then
			oldest = tonumber(first[2])
		end

		if count >= limit then
			return {0, count, oldest}
		end

		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return {1, count, oldest}
`)

// peekScript performs the same computation without recording.
var peekScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		local oldest = 0
		local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if first[2] then
			oldest = tonumber(first[2])
		end

		if count >= limit then
			return {0, count, oldest}
		end
		return {1, count, oldest}
`)

const redisKeyPrefix = "bridge:ratelimit:"

// RedisLimiter is the sliding-window limiter backed by Redis sorted sets, for
// deployments running more than one bridge instance. A Redis outage degrades
// to admitting requests rather than failing them.
type RedisLimiter struct {
	rdb       *redis.Client
	def       Config
	overrides map[string]Config
	log       *slog.Logger
	now       func() time.Time
}

// RedisOption customizes RedisLimiter construction.
type RedisOption func(*RedisLimiter)

// WithRedisOverride sets a per-key config taking precedence over the default.
func WithRedisOverride(key string, cfg Config) RedisOption {
	return func(l *RedisLimiter) { l.overrides[key] = cfg }
}

// WithRedisLogger sets the structured logger.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(l *RedisLimiter) { l.log = log }
}

// WithRedisNow overrides the time source, for tests.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) { l.now = now }
}

// NewRedisLimiter builds a Redis-backed limiter with the given default window.
func NewRedisLimiter(rdb *redis.Client, def Config, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		rdb:       rdb,
		def:       def,
		overrides: make(map[string]Config),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects a request for key, recording it when admitted.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Result, error) {
	return l.run(ctx, key, true)
}

// Peek reports the decision Check would make without recording anything.
func (l *RedisLimiter) Peek(ctx context.Context, key string) (Result, error) {
	return l.run(ctx, key, false)
}

func (l *RedisLimiter) run(ctx context.Context, key string, record bool) (Result, error) {
	cfg := l.def
	if o, ok := l.overrides[key]; ok {
		cfg = o
	}
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true, Remaining: -1}, nil
	}

	now := l.now().UnixNano()
	window := cfg.Window.Nanoseconds()
	member := strconv.FormatInt(now, 10) + "-" + strconv.Itoa(rand.Intn(1_000_000))

	script := peekScript
	args := []any{now, window, cfg.MaxRequests}
	if record {
		script = checkScript
		args = append(args, member)
	}

	vals, err := script.Run(ctx, l.rdb, []string{redisKeyPrefix + key}, args...).Int64Slice()
	if err != nil || len(vals) != 3 {
		// Redis unavailable — admit the request rather than hard-failing.
		l.log.Warn("ratelimit_redis_unavailable", slog.String("key", key), slog.Any("error", err))
		return Result{Allowed: true, Remaining: -1}, nil
	}

	allowed, count, oldest := vals[0] == 1, int(vals[1]), vals[2]
	if allowed {
		return Result{Allowed: true, Remaining: cfg.MaxRequests - 1 - count}, nil
	}
	retryAfter := time.Duration(oldest + window - now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}, nil
}
