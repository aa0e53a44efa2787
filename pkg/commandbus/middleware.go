package commandbus

import (
	"context"
	"time"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// Invocation is one command execution as seen by middleware.
type Invocation struct {
	Name     string
	Command  Command
	Input    any
	Metadata Metadata
}

// Middleware hooks into the execution pipeline. Every hook is optional.
//
// Before runs ahead of validation; returning false aborts with a
// BUSINESS_COMMAND_REJECTED error, returning an error aborts with that error.
// After runs once the command succeeded and was recorded. OnError observes
// every failure of the pipeline.
type Middleware struct {
	Name    string
	Before  func(ctx context.Context, inv Invocation) (bool, error)
	After   func(ctx context.Context, inv Invocation, output any, elapsed time.Duration) error
	OnError func(ctx context.Context, inv Invocation, err *taxonomy.Error)
}

func (b *Bus) runBefore(ctx context.Context, middleware []Middleware, inv Invocation) error {
	for _, mw := range middleware {
		if mw.Before == nil {
			continue
		}
		proceed, err := mw.Before(ctx, inv)
		if err != nil {
			return err
		}
		if !proceed {
			return taxonomy.Rejected("command rejected by "+mw.Name,
				taxonomy.WithDetail("command", inv.Name),
				taxonomy.WithDetail("middleware", mw.Name),
			)
		}
	}
	return nil
}

func (b *Bus) runAfter(ctx context.Context, middleware []Middleware, inv Invocation, output any, elapsed time.Duration) error {
	for _, mw := range middleware {
		if mw.After == nil {
			continue
		}
		if err := mw.After(ctx, inv, output, elapsed); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) runOnError(ctx context.Context, middleware []Middleware, inv Invocation, err *taxonomy.Error) {
	for _, mw := range middleware {
		if mw.OnError != nil {
			mw.OnError(ctx, inv, err)
		}
	}
}
