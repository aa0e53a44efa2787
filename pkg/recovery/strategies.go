package recovery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// Fallback substitutes a fixed or lazily computed value.
type Fallback[T any] struct {
	value T
	fn    func(ctx context.Context, err *taxonomy.Error) (T, error)
	codes []taxonomy.Code
}

// NewFallback returns a fixed value. With codes, only errors carrying one of
// them are handled.
func NewFallback[T any](value T, codes ...taxonomy.Code) *Fallback[T] {
	return &Fallback[T]{value: value, codes: codes}
}

// NewFallbackFunc computes the substitute on demand.
func NewFallbackFunc[T any](fn func(ctx context.Context, err *taxonomy.Error) (T, error), codes ...taxonomy.Code) *Fallback[T] {
	return &Fallback[T]{fn: fn, codes: codes}
}

// Name implements Strategy.
func (f *Fallback[T]) Name() string { return "fallback" }

// CanRecover implements Strategy.
func (f *Fallback[T]) CanRecover(err *taxonomy.Error) bool {
	return matchesCodes(f.codes, err)
}

// Recover implements Strategy.
func (f *Fallback[T]) Recover(ctx context.Context, err *taxonomy.Error) (T, error) {
	if !f.CanRecover(err) {
		var zero T
		return zero, notRecoverable(f.Name(), err)
	}
	if f.fn != nil {
		return f.fn(ctx, err)
	}
	return f.value, nil
}

// Cache serves the most recent successful value while it is younger than the
// TTL. Callers feed it with UpdateCache after each success.
type Cache[T any] struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	value     T
	updatedAt time.Time
	set       bool
	codes     []taxonomy.Code
}

// NewCache creates a cache strategy with the given TTL.
func NewCache[T any](ttl time.Duration, codes ...taxonomy.Code) *Cache[T] {
	return &Cache[T]{ttl: ttl, now: time.Now, codes: codes}
}

// WithClock overrides the clock.
func (c *Cache[T]) WithClock(now func() time.Time) *Cache[T] {
	c.now = now
	return c
}

// Name implements Strategy.
func (c *Cache[T]) Name() string { return "cache" }

// UpdateCache stores value as the most recent success.
func (c *Cache[T]) UpdateCache(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.updatedAt = c.now()
	c.set = true
}

// Invalidate drops the cached value.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.set = false
}

// CanRecover reports whether a fresh value is cached.
func (c *Cache[T]) CanRecover(err *taxonomy.Error) bool {
	if !matchesCodes(c.codes, err) {
		return false
	}
	_, ok := c.fresh()
	return ok
}

// Recover returns the cached value if it is still fresh.
func (c *Cache[T]) Recover(_ context.Context, err *taxonomy.Error) (T, error) {
	if !matchesCodes(c.codes, err) {
		var zero T
		return zero, notRecoverable(c.Name(), err)
	}
	v, ok := c.fresh()
	if !ok {
		var zero T
		return zero, taxonomy.NotFound("cached value", taxonomy.WithCause(err))
	}
	return v, nil
}

func (c *Cache[T]) fresh() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set || c.now().Sub(c.updatedAt) >= c.ttl {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Compensation runs a caller-supplied corrective action and returns its
// result.
type Compensation[T any] struct {
	name   string
	action func(ctx context.Context, err *taxonomy.Error) (T, error)
	codes  []taxonomy.Code
}

// NewCompensation creates a compensation strategy. With codes, only errors
// carrying one of them are handled.
func NewCompensation[T any](name string, action func(ctx context.Context, err *taxonomy.Error) (T, error), codes ...taxonomy.Code) *Compensation[T] {
	if name == "" {
		name = "compensation"
	}
	return &Compensation[T]{name: name, action: action, codes: codes}
}

// Name implements Strategy.
func (c *Compensation[T]) Name() string { return c.name }

// CanRecover implements Strategy.
func (c *Compensation[T]) CanRecover(err *taxonomy.Error) bool {
	return c.action != nil && matchesCodes(c.codes, err)
}

// Recover implements Strategy.
func (c *Compensation[T]) Recover(ctx context.Context, err *taxonomy.Error) (T, error) {
	if !c.CanRecover(err) {
		var zero T
		return zero, notRecoverable(c.Name(), err)
	}
	return c.action(ctx, err)
}

func matchesCodes(codes []taxonomy.Code, err *taxonomy.Error) bool {
	if err == nil {
		return false
	}
	return len(codes) == 0 || slices.Contains(codes, err.Code())
}
