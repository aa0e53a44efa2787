package commandbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dispatch/pkg/eventbus"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

type counter struct {
	mu    sync.Mutex
	value int
}

func (c *counter) add(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += n
	return c.value
}

func (c *counter) get() int {
	return c.add(0)
}

type incrementCounter struct{ c *counter }

func (incrementCounter) Name() string        { return "IncrementCounter" }
func (incrementCounter) Description() string { return "adds one to the counter" }

func (cmd incrementCounter) Execute(context.Context, any, Metadata) (any, error) {
	return cmd.c.add(1), nil
}

func (cmd incrementCounter) Undo(context.Context, ExecutedCommand) error {
	cmd.c.add(-1)
	return nil
}

// funcCommand is a non-undoable command backed by a function.
type funcCommand struct {
	name string
	fn   func(ctx context.Context, input any) (any, error)
}

func (f funcCommand) Name() string { return f.name }
func (f funcCommand) Execute(ctx context.Context, input any, _ Metadata) (any, error) {
	return f.fn(ctx, input)
}

type validatedCommand struct {
	funcCommand
	valid func(input any) (bool, error)
}

func (v validatedCommand) Validate(_ context.Context, input any) (bool, error) {
	return v.valid(input)
}

// capture records lifecycle events from a sync event bus.
type capture struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func newCapturingBus(t *testing.T, config Config) (*Bus, *capture) {
	t.Helper()
	events := eventbus.New(eventbus.Config{Mode: eventbus.ModeSync})
	c := &capture{}
	_, err := events.SubscribeFunc("command.*", func(_ context.Context, e eventbus.Event) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, e)
		return nil
	})
	require.NoError(t, err)
	config.Publisher = events
	return New(config), c
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *capture) last() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1].Payload.(Lifecycle)
}

func TestIncrementCounterUndoRedo(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	bus, events := newCapturingBus(t, Config{})
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	for range 3 {
		_, err := bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.get())
	assert.Len(t, bus.History(), 3)

	_, err := bus.Undo(ctx)
	require.NoError(t, err)
	_, err = bus.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.get())
	assert.True(t, bus.CanRedo())

	redone, err := bus.Redo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.get())
	assert.Equal(t, 2, redone.Output)
	assert.Len(t, bus.History(), 2)

	assert.Equal(t, []string{
		EventExecuted, EventExecuted, EventExecuted,
		EventUndone, EventUndone, EventRedone,
	}, events.types())
	assert.Equal(t, "adds one to the counter", events.last().Description)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		c := &counter{}
		bus := New(Config{HistorySize: 50})
		if err := bus.Register(incrementCounter{c: c}); err != nil {
			t.Fatal(err)
		}

		n := rapid.IntRange(1, 20).Draw(t, "executions")
		outputs := make([]any, 0, n)
		for range n {
			out, err := bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
			if err != nil {
				t.Fatal(err)
			}
			outputs = append(outputs, out)
		}

		k := rapid.IntRange(1, n).Draw(t, "undos")
		for range k {
			if _, err := bus.Undo(ctx); err != nil {
				t.Fatal(err)
			}
		}
		for i := n - k; i < n; i++ {
			entry, err := bus.Redo(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if entry.Output != outputs[i] {
				t.Fatalf("redo %d produced %v, original %v", i, entry.Output, outputs[i])
			}
		}
		if c.get() != n {
			t.Fatalf("counter = %d, want %d", c.get(), n)
		}
	})
}

type recordInput struct{}

func (recordInput) Name() string { return "Record" }
func (recordInput) Execute(_ context.Context, input any, _ Metadata) (any, error) {
	return input, nil
}
func (recordInput) Undo(context.Context, ExecutedCommand) error { return nil }

func TestHistoryCapacityEvictsOldest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		capacity := rapid.IntRange(1, 10).Draw(t, "capacity")
		bus := New(Config{HistorySize: capacity})
		if err := bus.Register(recordInput{}); err != nil {
			t.Fatal(err)
		}

		for i := 1; i <= capacity+1; i++ {
			if _, err := bus.Execute(ctx, "Record", i, Metadata{}); err != nil {
				t.Fatal(err)
			}
		}
		if got := len(bus.History()); got != capacity {
			t.Fatalf("history length %d, want %d", got, capacity)
		}

		for want := capacity + 1; want >= 2; want-- {
			entry, err := bus.Undo(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if entry.Input != want {
				t.Fatalf("undo acted on input %v, want %d", entry.Input, want)
			}
		}
		if _, err := bus.Undo(ctx); !errors.Is(err, ErrNothingToUndo) {
			t.Fatalf("expected ErrNothingToUndo, got %v", err)
		}
	})
}

func TestNewExecutionDiscardsRedo(t *testing.T) {
	ctx := context.Background()
	c := &counter{}
	bus := New(Config{})
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	_, _ = bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
	_, _ = bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
	_, err := bus.Undo(ctx)
	require.NoError(t, err)
	require.True(t, bus.CanRedo())

	_, err = bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
	require.NoError(t, err)
	assert.False(t, bus.CanRedo())
	_, err = bus.Redo(ctx)
	assert.ErrorIs(t, err, ErrNothingToRedo)
	assert.Len(t, bus.History(), 2)

	bus.ClearHistory()
	assert.False(t, bus.CanUndo())
	_, err = bus.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestLifecycleSubscribersMayCallBackIntoBus(t *testing.T) {
	ctx := context.Background()
	events := eventbus.New(eventbus.Config{Mode: eventbus.ModeSync})
	bus := New(Config{Publisher: events})
	c := &counter{}
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	var canRedo, historyLen []int
	_, err := events.SubscribeFunc(EventUndone, func(context.Context, eventbus.Event) error {
		if bus.CanRedo() {
			canRedo = append(canRedo, 1)
		}
		return nil
	})
	require.NoError(t, err)
	_, err = events.SubscribeFunc(EventRedone, func(ctx context.Context, _ eventbus.Event) error {
		historyLen = append(historyLen, len(bus.History()))
		// A follow-up undoable command from inside the handler.
		_, err := bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
		return err
	})
	require.NoError(t, err)

	_, err = bus.Execute(ctx, "IncrementCounter", nil, Metadata{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		if _, err := bus.Undo(ctx); err != nil {
			done <- err
			return
		}
		_, err := bus.Redo(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("undo/redo blocked on a subscriber calling back into the bus")
	}
	assert.Equal(t, []int{1}, canRedo)
	assert.Equal(t, []int{1}, historyLen)
	assert.Equal(t, 2, c.get())
	assert.Len(t, bus.History(), 2)
}

func TestRedoReexecutionRunsBeforeMiddleware(t *testing.T) {
	ctx := context.Background()
	var before []string
	blocked := false
	bus := New(Config{Middleware: []Middleware{{
		Name: "gate",
		Before: func(_ context.Context, inv Invocation) (bool, error) {
			before = append(before, inv.Name)
			return !blocked, nil
		},
	}}})
	c := &counter{}
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	_, err := bus.Execute(ctx, "IncrementCounter", nil, Metadata{UserID: "u1"})
	require.NoError(t, err)
	_, err = bus.Undo(ctx)
	require.NoError(t, err)

	blocked = true
	_, err = bus.Redo(ctx)
	assert.True(t, taxonomy.HasCode(err, taxonomy.CodeCommandRejected))
	assert.Equal(t, 0, c.get())
	assert.True(t, bus.CanRedo(), "a rejected redo stays on the redo side")

	blocked = false
	_, err = bus.Redo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.get())
	assert.Equal(t, []string{"IncrementCounter", "IncrementCounter", "IncrementCounter"}, before)
}

func TestNonUndoableCommandsSkipHistory(t *testing.T) {
	bus := New(Config{})
	require.NoError(t, bus.Register(funcCommand{name: "Ping", fn: func(context.Context, any) (any, error) {
		return "pong", nil
	}}))

	out, err := bus.Execute(context.Background(), "Ping", nil, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Empty(t, bus.History())
}

func TestSanitizedLifecycleEvents(t *testing.T) {
	bus, events := newCapturingBus(t, Config{SensitiveFields: []string{"apiKey"}})
	require.NoError(t, bus.Register(funcCommand{name: "ChangePassword", fn: func(context.Context, any) (any, error) {
		return map[string]any{"token": "new-session", "ok": true}, nil
	}}))

	input := map[string]any{
		"userId":          "u1",
		"currentPassword": "old",
		"newPassword":     "hunter2",
		"apiKey":          "k",
	}
	_, err := bus.Execute(context.Background(), "ChangePassword", input, Metadata{UserID: "u1"})
	require.NoError(t, err)

	payload := events.last()
	in := payload.Input.(map[string]any)
	assert.Equal(t, "u1", in["userId"])
	assert.Equal(t, RedactionMarker, in["currentPassword"])
	assert.Equal(t, RedactionMarker, in["newPassword"])
	assert.Equal(t, RedactionMarker, in["apiKey"])
	assert.Equal(t, RedactionMarker, payload.Output.(map[string]any)["token"])
	assert.Equal(t, "hunter2", input["newPassword"], "caller input must not be modified")
}

func TestPasswordNeverPublished(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOfDistinct(rapid.StringMatching(`[a-z]{1,8}`), rapid.ID[string]).Draw(t, "keys")
		secret := rapid.String().Draw(t, "secret")
		input := map[string]any{"password": secret}
		for _, k := range keys {
			if k != "password" && k != "token" && k != "secret" {
				input[k] = k
			}
		}

		events := eventbus.New(eventbus.Config{Mode: eventbus.ModeSync})
		var published Lifecycle
		_, _ = events.SubscribeFunc(EventExecuted, func(_ context.Context, e eventbus.Event) error {
			published = e.Payload.(Lifecycle)
			return nil
		})
		bus := New(Config{Publisher: events})
		_ = bus.Register(funcCommand{name: "Register", fn: func(context.Context, any) (any, error) { return nil, nil }})
		if _, err := bus.Execute(context.Background(), "Register", input, Metadata{}); err != nil {
			t.Fatal(err)
		}

		got := published.Input.(map[string]any)
		if got["password"] != RedactionMarker {
			t.Fatalf("password published as %v", got["password"])
		}
		for k, v := range input {
			if k != "password" && got[k] != v {
				t.Fatalf("key %q changed to %v", k, got[k])
			}
		}
	})
}

func TestValidationFailure(t *testing.T) {
	executed := false
	bus, events := newCapturingBus(t, Config{})
	require.NoError(t, bus.Register(validatedCommand{
		funcCommand: funcCommand{name: "RegisterUser", fn: func(context.Context, any) (any, error) {
			executed = true
			return nil, nil
		}},
		valid: func(any) (bool, error) { return false, nil },
	}))

	_, err := bus.Execute(context.Background(), "RegisterUser", map[string]any{"password": "x"}, Metadata{CorrelationID: "corr-9"})
	require.Error(t, err)
	assert.False(t, executed)
	assert.True(t, taxonomy.HasCode(err, taxonomy.CodeValidationFailed))

	assert.Equal(t, []string{EventFailed}, events.types())
	payload := events.last()
	require.NotNil(t, payload.Error)
	assert.Equal(t, taxonomy.CodeValidationFailed, payload.Error.Code)
	assert.Equal(t, "corr-9", payload.Metadata.CorrelationID)
	assert.Equal(t, RedactionMarker, payload.Input.(map[string]any)["password"])
}

func TestValidatorErrorPropagates(t *testing.T) {
	bus := New(Config{})
	want := taxonomy.RequiredField("email")
	require.NoError(t, bus.Register(validatedCommand{
		funcCommand: funcCommand{name: "RegisterUser", fn: func(context.Context, any) (any, error) { return nil, nil }},
		valid:       func(any) (bool, error) { return false, want },
	}))
	_, err := bus.Execute(context.Background(), "RegisterUser", nil, Metadata{})
	assert.Same(t, want, err)
}

func TestExecuteErrorPropagation(t *testing.T) {
	ctx := context.Background()
	domainErr := taxonomy.AlreadyExists("user")
	bus := New(Config{})
	require.NoError(t, bus.Register(funcCommand{name: "Taxonomy", fn: func(context.Context, any) (any, error) {
		return nil, domainErr
	}}))
	require.NoError(t, bus.Register(funcCommand{name: "Foreign", fn: func(context.Context, any) (any, error) {
		return nil, context.DeadlineExceeded
	}}))
	require.NoError(t, bus.Register(funcCommand{name: "Panics", fn: func(context.Context, any) (any, error) {
		panic("boom")
	}}))

	_, err := bus.Execute(ctx, "Taxonomy", nil, Metadata{})
	assert.Same(t, domainErr, err)

	_, err = bus.Execute(ctx, "Foreign", nil, Metadata{UserID: "u1", CorrelationID: "c1"})
	terr, ok := taxonomy.As(err)
	require.True(t, ok)
	assert.Equal(t, taxonomy.CodeTimeout, terr.Code())
	assert.Equal(t, "c1", terr.Context().CorrelationID)
	assert.Equal(t, "Foreign", terr.Context().Path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = bus.Execute(ctx, "Panics", nil, Metadata{})
	assert.Equal(t, taxonomy.CodeUnknown, taxonomy.CodeOf(err))
}

func TestUnknownCommand(t *testing.T) {
	_, err := New(Config{}).Execute(context.Background(), "Nope", nil, Metadata{})
	assert.ErrorIs(t, err, ErrUnknownCommand)
	_, isTaxonomy := taxonomy.As(err)
	assert.False(t, isTaxonomy)
}

func TestRegisterLastWriteWins(t *testing.T) {
	bus := New(Config{})
	assert.ErrorIs(t, bus.Register(nil), ErrNilCommand)
	assert.ErrorIs(t, bus.RegisterAs("  ", recordInput{}), ErrEmptyName)

	require.NoError(t, bus.RegisterAs("Greet", funcCommand{name: "a", fn: func(context.Context, any) (any, error) { return "first", nil }}))
	require.NoError(t, bus.RegisterAs("Greet", funcCommand{name: "b", fn: func(context.Context, any) (any, error) { return "second", nil }}))

	out, err := bus.Execute(context.Background(), "Greet", nil, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "second", out)
	assert.Equal(t, []string{"Greet"}, bus.Commands())
}

func TestMiddlewarePipeline(t *testing.T) {
	ctx := context.Background()
	var calls []string
	var failed *taxonomy.Error
	bus := New(Config{Middleware: []Middleware{{
		Name: "audit",
		Before: func(_ context.Context, inv Invocation) (bool, error) {
			calls = append(calls, "before:"+inv.Name)
			return inv.Metadata.UserID != "blocked", nil
		},
		After: func(_ context.Context, inv Invocation, output any, _ time.Duration) error {
			calls = append(calls, "after:"+inv.Name)
			return nil
		},
		OnError: func(_ context.Context, _ Invocation, err *taxonomy.Error) {
			failed = err
		},
	}}})
	c := &counter{}
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	_, err := bus.Execute(ctx, "IncrementCounter", nil, Metadata{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"before:IncrementCounter", "after:IncrementCounter"}, calls)

	_, err = bus.Execute(ctx, "IncrementCounter", nil, Metadata{UserID: "blocked"})
	require.Error(t, err)
	assert.True(t, taxonomy.HasCode(err, taxonomy.CodeCommandRejected))
	require.NotNil(t, failed)
	assert.Equal(t, taxonomy.CodeCommandRejected, failed.Code())
	assert.Equal(t, 1, c.get())
}

func TestAfterMiddlewareFailureKeepsHistory(t *testing.T) {
	bus := New(Config{})
	bus.Use(Middleware{Name: "notify", After: func(context.Context, Invocation, any, time.Duration) error {
		return taxonomy.ExternalService("mailer", "smtp down")
	}})
	c := &counter{}
	require.NoError(t, bus.Register(incrementCounter{c: c}))

	_, err := bus.Execute(context.Background(), "IncrementCounter", nil, Metadata{})
	assert.True(t, taxonomy.HasCode(err, taxonomy.CodeExternalService))
	assert.True(t, bus.CanUndo())

	_, err = bus.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.get())
}

func TestExecuteSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	bus := New(Config{Tracer: tp.Tracer("test"), Redaction: telemetry.DefaultRedactionRules()})
	require.NoError(t, bus.Register(recordInput{}))
	_, err := bus.Execute(context.Background(), "Record", 1, Metadata{UserID: "u-42", UserAgent: "curl/8"})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "command Record", spans[0].Name())
	attrs := attribute.NewSet(spans[0].Attributes()...)
	user, ok := attrs.Value("enduser.id")
	require.True(t, ok)
	assert.NotEqual(t, "u-42", user.AsString())
	_, ok = attrs.Value("user_agent.original")
	assert.False(t, ok)
	_, ok = attrs.Value("command.execution_id")
	assert.True(t, ok)
}

func TestMetadataCompletion(t *testing.T) {
	var seen Metadata
	bus := New(Config{})
	require.NoError(t, bus.Register(funcCommand{name: "Noop", fn: func(context.Context, any) (any, error) { return nil, nil }}))
	bus.Use(Middleware{Before: func(_ context.Context, inv Invocation) (bool, error) {
		seen = inv.Metadata
		return true, nil
	}})

	_, err := bus.Execute(context.Background(), "Noop", nil, Metadata{Locale: "es"})
	require.NoError(t, err)
	assert.NotEmpty(t, seen.CorrelationID)
	assert.False(t, seen.Timestamp.IsZero())
	assert.Equal(t, "es", seen.Locale)
}
