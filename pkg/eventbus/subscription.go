package eventbus

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Subscription binds a handler to a target event type.
type Subscription struct {
	ID       string
	Target   string
	Name     string
	Priority int
	handler  Handler
	pattern  glob.Glob
	seq      uint64
}

// Matches reports whether the subscription receives events of eventType.
func (s *Subscription) Matches(eventType string) bool {
	switch {
	case s.Target == Wildcard:
		return true
	case s.pattern != nil:
		return s.pattern.Match(eventType)
	default:
		return s.Target == eventType
	}
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the subscription priority. Higher runs first; equal
// priorities keep subscription order.
func WithPriority(priority int) SubscribeOption {
	return func(s *Subscription) { s.Priority = priority }
}

// WithName labels the subscription in logs and error reports.
func WithName(name string) SubscribeOption {
	return func(s *Subscription) { s.Name = name }
}

// isPattern reports whether target uses glob syntax. Segments are separated
// by '.', so "command.*" matches "command.executed" and "user.**" matches any
// depth.
func isPattern(target string) bool {
	return target != Wildcard && strings.ContainsAny(target, "*?[{")
}

func compilePattern(target string) (glob.Glob, error) {
	g, err := glob.Compile(target, '.')
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, target, err)
	}
	return g, nil
}

// sortSubscriptions orders by priority descending, then subscription order.
func sortSubscriptions(subs []*Subscription) {
	slices.SortStableFunc(subs, func(a, b *Subscription) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
