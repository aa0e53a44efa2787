// Package recovery provides strategies that turn a taxonomy error into a
// usable value, and a Manager that tries them in registration order.
//
// Strategies that hold state (CircuitBreaker, Cache) own it privately. Two
// independently protected operations need two strategy instances.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// ErrNotRecoverable is returned by a strategy's Recover when called with an
// error it does not handle.
var ErrNotRecoverable = errors.New("recovery: strategy cannot recover from error")

// Operation is a protected unit of work.
type Operation[T any] func(ctx context.Context) (T, error)

// Strategy is a named recovery policy.
type Strategy[T any] interface {
	Name() string
	CanRecover(err *taxonomy.Error) bool
	Recover(ctx context.Context, err *taxonomy.Error) (T, error)
}

// Result is the outcome of a recovery attempt. When Recovered is false, Err
// holds the original failure mapped into the taxonomy.
type Result[T any] struct {
	Value     T
	Recovered bool
	// Strategy names the strategy that produced Value. Empty when the
	// operation succeeded on its own or nothing recovered.
	Strategy string
	Err      *taxonomy.Error
	// Attempts lists the strategies that were invoked, in order.
	Attempts []string
}

// OK reports whether the result carries a usable value.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Unwrap returns the value and the error as a regular Go pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.Err != nil {
		var zero T
		return zero, r.Err
	}
	return r.Value, nil
}

func notRecoverable(name string, err *taxonomy.Error) error {
	return fmt.Errorf("%w: %s does not handle %s", ErrNotRecoverable, name, err.Code())
}
