package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-dispatch/internal/app"
	"github.com/polisai/polis-dispatch/pkg/audit"
	"github.com/polisai/polis-dispatch/pkg/commandbus"
	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/recovery"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

// Result is the outcome of one scenario.
type Result struct {
	Name   string        `json:"name"`
	Passed bool          `json:"passed"`
	Detail string        `json:"detail"`
	Took   time.Duration `json:"took"`
}

// Scenario is a named end-to-end check.
type Scenario struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

// Run executes scenarios in order. A failing scenario does not stop the rest.
func Run(ctx context.Context, logger *slog.Logger, scenarios ...Scenario) []Result {
	if logger == nil {
		logger = slog.Default()
	}
	results := make([]Result, 0, len(scenarios))
	for _, s := range scenarios {
		start := time.Now()
		detail, err := s.Run(ctx)
		r := Result{Name: s.Name, Passed: err == nil, Detail: detail, Took: time.Since(start)}
		if err != nil {
			r.Detail = err.Error()
			logger.ErrorContext(ctx, "scenario failed", slog.String("scenario", s.Name), slog.Any("error", err))
		} else {
			logger.InfoContext(ctx, "scenario passed", slog.String("scenario", s.Name), slog.String("detail", detail))
		}
		results = append(results, r)
	}
	return results
}

// Scenarios returns the standard scenario set run against a.
func Scenarios(a *app.App) []Scenario {
	return []Scenario{
		{Name: "undo-redo", Run: func(ctx context.Context) (string, error) { return UndoRedo(ctx, a.Commands) }},
		{Name: "retry", Run: RetryTransient},
		{Name: "circuit-breaker", Run: CircuitBreaker},
		{Name: "priority-delivery", Run: PriorityDelivery},
		{Name: "registration", Run: func(ctx context.Context) (string, error) { return Registration(ctx, a) }},
	}
}

// UndoRedo executes IncrementCounter three times, undoes twice and redoes
// once, expecting 3, 1 and 2.
func UndoRedo(ctx context.Context, bus *commandbus.Bus) (string, error) {
	counter := &Counter{}
	if err := bus.Register(IncrementCounter{Counter: counter}); err != nil {
		return "", err
	}
	meta := commandbus.Metadata{UserID: "demo"}

	for range 3 {
		if _, err := bus.Execute(ctx, "IncrementCounter", nil, meta); err != nil {
			return "", err
		}
	}
	if got := counter.Value(); got != 3 {
		return "", fmt.Errorf("after 3 executions counter is %d, want 3", got)
	}
	afterExec := len(bus.History())

	for range 2 {
		if _, err := bus.Undo(ctx); err != nil {
			return "", err
		}
	}
	if got := counter.Value(); got != 1 {
		return "", fmt.Errorf("after 2 undos counter is %d, want 1", got)
	}

	if _, err := bus.Redo(ctx); err != nil {
		return "", err
	}
	if got := counter.Value(); got != 2 {
		return "", fmt.Errorf("after redo counter is %d, want 2", got)
	}
	return fmt.Sprintf("counter 3 -> 1 -> 2, history %d", afterExec), nil
}

// RetryTransient retries an operation that fails twice before succeeding.
func RetryTransient(ctx context.Context) (string, error) {
	var calls atomic.Int32
	op := func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", taxonomy.Network("connection reset")
		}
		return "recovered", nil
	}

	retry := recovery.NewRetry[string](recovery.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Backoff:     1,
	}, op)
	value, err := retry.Execute(ctx, op)
	if err != nil {
		return "", err
	}
	if n := calls.Load(); n != 3 {
		return "", fmt.Errorf("operation invoked %d times, want 3", n)
	}
	return fmt.Sprintf("%s after %d invocations", value, calls.Load()), nil
}

// CircuitBreaker opens after two failures, fails fast while open and lets a
// trial call through after the timeout.
func CircuitBreaker(ctx context.Context) (string, error) {
	var calls atomic.Int32
	op := func(context.Context) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, taxonomy.ServiceUnavailable("dependency down")
	}
	breaker := recovery.NewCircuitBreaker(recovery.CircuitBreakerConfig[struct{}]{
		Name:      "demo",
		Threshold: 2,
		Timeout:   50 * time.Millisecond,
	})

	for range 2 {
		_, _ = breaker.Execute(ctx, op)
	}
	if breaker.State() != recovery.StateOpen {
		return "", fmt.Errorf("breaker is %s after 2 failures, want open", breaker.State())
	}

	_, err := breaker.Execute(ctx, op)
	if !taxonomy.HasCode(err, taxonomy.CodeCircuitOpen) || calls.Load() != 2 {
		return "", fmt.Errorf("third call was not short-circuited: %v (%d invocations)", err, calls.Load())
	}

	select {
	case <-time.After(60 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	_, _ = breaker.Execute(ctx, op)
	if calls.Load() != 3 {
		return "", fmt.Errorf("half-open trial not invoked (%d invocations)", calls.Load())
	}
	return "opened after 2 failures, failed fast, trial after 60ms", nil
}

type recordingHandler struct {
	name     string
	priority int
	mu       *sync.Mutex
	order    *[]string
}

func (h recordingHandler) EventType() string { return EventUserRegistered }
func (h recordingHandler) Priority() int     { return h.priority }
func (h recordingHandler) Handle(context.Context, eventbus.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.order = append(*h.order, h.name)
	return nil
}

// PriorityDelivery publishes UserRegistered to handlers with priorities 5
// and 10 and expects the higher priority first.
func PriorityDelivery(ctx context.Context) (string, error) {
	bus := eventbus.New(eventbus.DefaultConfig())
	defer bus.Close(ctx)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, h := range []recordingHandler{
		{name: "priority-5", priority: 5, mu: &mu, order: &order},
		{name: "priority-10", priority: 10, mu: &mu, order: &order},
	} {
		if _, err := bus.SubscribeHandler(h, eventbus.WithName(h.name)); err != nil {
			return "", err
		}
	}

	if _, err := bus.Publish(ctx, eventbus.NewEvent(EventUserRegistered, User{Email: "ada@example.com"})); err != nil {
		return "", err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "priority-10" || order[1] != "priority-5" {
		return "", fmt.Errorf("delivery order %v, want [priority-10 priority-5]", order)
	}
	return fmt.Sprintf("delivered %v", order), nil
}

// Registration runs RegisterUser through the full stack: a successful
// registration, a duplicate, a weak password and an unauthorized delete,
// then checks the audit trail.
func Registration(ctx context.Context, a *app.App) (string, error) {
	users := NewUserDirectory()
	for _, cmd := range []commandbus.Command{
		RegisterUser{Directory: users, Events: a.Events},
		DeleteUser{Directory: users},
	} {
		if err := a.Commands.Register(cmd); err != nil {
			return "", err
		}
	}

	var announced atomic.Int32
	subID, err := a.Events.SubscribeFunc(EventUserRegistered, func(context.Context, eventbus.Event) error {
		announced.Add(1)
		return nil
	}, eventbus.WithName("welcome-mail"))
	if err != nil {
		return "", err
	}
	defer a.Events.Unsubscribe(subID)

	meta := commandbus.Metadata{UserID: "registrar", CorrelationID: "demo-registration", Locale: "en-US"}
	input := RegisterUserInput{Email: "ada@example.com", Name: "Ada", Password: "correct-horse"}

	if _, err := a.Commands.Execute(ctx, "RegisterUser", input, meta); err != nil {
		return "", fmt.Errorf("register: %w", err)
	}

	_, err = a.Commands.Execute(ctx, "RegisterUser", input, meta)
	if !taxonomy.HasCode(err, taxonomy.CodeAlreadyExists) {
		return "", fmt.Errorf("duplicate registration returned %v, want %s", err, taxonomy.CodeAlreadyExists)
	}

	weak := RegisterUserInput{Email: "bob@example.com", Password: "short"}
	_, err = a.Commands.Execute(ctx, "RegisterUser", weak, meta)
	if !taxonomy.HasCode(err, taxonomy.CodeValidationFailed) {
		return "", fmt.Errorf("weak password returned %v, want %s", err, taxonomy.CodeValidationFailed)
	}

	if a.Policy != nil {
		_, err = a.Commands.Execute(ctx, "DeleteUser", input.Email, meta)
		if !taxonomy.HasCode(err, taxonomy.CodeForbidden) {
			return "", fmt.Errorf("unauthorized delete returned %v, want %s", err, taxonomy.CodeForbidden)
		}
	}

	detail := fmt.Sprintf("%d user registered, %d announced", users.Len(), announced.Load())
	if a.Audit == nil {
		return detail, nil
	}

	// Async delivery may still be writing the trail.
	deadline := time.Now().Add(time.Second)
	var records []audit.Record
	for {
		records, err = a.Audit.Store().List(ctx, audit.Query{CorrelationID: meta.CorrelationID})
		if err != nil {
			return "", fmt.Errorf("read audit trail: %w", err)
		}
		if len(records) > 0 || a.Events.Mode() != eventbus.ModeAsync || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(records) == 0 {
		return "", errors.New("audit trail is empty")
	}
	return fmt.Sprintf("%s, %d audit records", detail, len(records)), nil
}
