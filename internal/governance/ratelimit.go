package governance

import (
	"context"
	"sync"
	"time"
)

// AnyCommand is the configuration key applied to commands without their own
// limit.
const AnyCommand = "*"

// RateLimiterConfig defines per-command rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requestsPerSecond"`
	BurstSize         int     `yaml:"burst" json:"burstSize"`
}

// RateLimiter implements token bucket rate limiting per command and subject.
// Each (command, subject) pair owns a bucket, so one user exhausting a
// command's budget does not throttle another.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*tokenBucket
	config  map[string]RateLimiterConfig
	now     func() time.Time
}

type bucketKey struct {
	command string
	subject string
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[bucketKey]*tokenBucket),
		config:  make(map[string]RateLimiterConfig),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// WithClock overrides the clock used for refills.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
	return rl
}

// Configure updates the per-command limits. Existing buckets keep their
// tokens and pick up the new rate.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.config = make(map[string]RateLimiterConfig, len(config))
	for command, cfg := range config {
		rl.config[command] = cfg
	}

	for key, bucket := range rl.buckets {
		cfg, ok := rl.limitForLocked(key.command)
		if !ok {
			delete(rl.buckets, key)
			continue
		}
		bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
	}
}

func (rl *RateLimiter) limitForLocked(command string) (RateLimiterConfig, bool) {
	if cfg, ok := rl.config[command]; ok {
		return cfg, true
	}
	cfg, ok := rl.config[AnyCommand]
	return cfg, ok
}

// Allow checks whether subject may run command now. Commands without a
// configured limit are always allowed.
func (rl *RateLimiter) Allow(command, subject string) bool {
	key := bucketKey{command: command, subject: subject}

	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		cfg, limited := rl.limitForLocked(command)
		if !limited {
			rl.mu.Unlock()
			return true
		}
		if bucket, exists = rl.buckets[key]; !exists {
			bucket = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, rl.now)
			rl.buckets[key] = bucket
		}
		rl.mu.Unlock()
	}

	return bucket.take()
}

// AllowContext checks if a call is allowed, with context cancellation support.
func (rl *RateLimiter) AllowContext(ctx context.Context, command, subject string) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	return rl.Allow(command, subject)
}

// Stats returns current rate limit statistics keyed by "command/subject".
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key.command+"/"+key.subject] = bucket.stats()
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          float64 `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
	now        func() time.Time
}

// newTokenBucket creates a full token bucket with the specified rate and capacity.
func newTokenBucket(rps float64, burstSize int, now func() time.Time) *tokenBucket {
	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = max(int(rps), 1)
	}

	return &tokenBucket{
		rate:       rps,
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: now(),
		now:        now,
	}
}

// configure updates the bucket's rate and capacity.
func (tb *tokenBucket) configure(rps float64, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = max(int(rps), 1)
	}

	oldCapacity := tb.capacity
	tb.rate = rps
	tb.capacity = float64(burstSize)

	// A larger burst grants the difference immediately.
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take attempts to consume one token from the bucket.
func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

// stats returns current statistics for this bucket.
func (tb *tokenBucket) stats() RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return RateLimitStats{
		Limit:          tb.rate,
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}
