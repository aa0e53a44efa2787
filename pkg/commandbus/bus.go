package commandbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dispatch/pkg/taxonomy"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

var (
	// ErrUnknownCommand is returned when executing a name nothing is registered under.
	ErrUnknownCommand = errors.New("commandbus: command not registered")
	// ErrEmptyName is returned when registering a command without a name.
	ErrEmptyName = errors.New("commandbus: command name is required")
	// ErrNilCommand is returned when registering a nil command.
	ErrNilCommand = errors.New("commandbus: command is required")
	// ErrNothingToUndo is returned by Undo on an empty undo history.
	ErrNothingToUndo = errors.New("commandbus: nothing to undo")
	// ErrNothingToRedo is returned by Redo when no undone command remains.
	ErrNothingToRedo = errors.New("commandbus: nothing to redo")
	// ErrNotUndoable is returned when the recorded command cannot be undone.
	ErrNotUndoable = errors.New("commandbus: command does not support undo")
)

const tracerName = "polis.dispatch/commandbus"

// Config controls bus behaviour.
type Config struct {
	// HistorySize bounds the undo/redo history.
	HistorySize int
	// SensitiveFields extends the redaction deny-list.
	SensitiveFields []string
	Publisher       Publisher
	Middleware      []Middleware
	// Redaction is applied to span attributes.
	Redaction telemetry.RedactionRules
	// ExposeInternal includes internal messages and causes in failure events.
	ExposeInternal bool
	// DefaultLocale renders failure messages when the caller sends none.
	DefaultLocale string
	Logger        *slog.Logger
	Tracer        trace.Tracer
}

// Bus executes registered commands.
type Bus struct {
	mu         sync.RWMutex
	commands   map[string]Command
	middleware []Middleware

	// histMu serializes history mutation, including undo and redo hooks.
	// Lifecycle events are published outside it.
	histMu  sync.Mutex
	history *history

	sanitizer *Sanitizer
	publisher Publisher
	redaction telemetry.RedactionRules
	expose    bool
	locale    string
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a command bus.
func New(config Config) *Bus {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Bus{
		commands:   make(map[string]Command),
		middleware: slices.Clone(config.Middleware),
		history:    newHistory(config.HistorySize),
		sanitizer:  NewSanitizer(config.SensitiveFields...),
		publisher:  config.Publisher,
		redaction:  config.Redaction,
		expose:     config.ExposeInternal,
		locale:     config.DefaultLocale,
		logger:     logger.With(slog.String("component", "commandbus")),
		tracer:     tracer,
		now:        time.Now,
	}
}

// Register binds cmd under cmd.Name(). Registering a name again replaces the
// previous command.
func (b *Bus) Register(cmd Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	return b.RegisterAs(cmd.Name(), cmd)
}

// RegisterAs binds cmd under name.
func (b *Bus) RegisterAs(name string, cmd Command) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if cmd == nil {
		return ErrNilCommand
	}

	b.mu.Lock()
	_, replaced := b.commands[name]
	b.commands[name] = cmd
	b.mu.Unlock()

	b.logger.Debug("command registered",
		slog.String("command", name),
		slog.Bool("replaced", replaced),
		slog.Bool("undoable", isUndoable(cmd)),
	)
	return nil
}

// Commands returns the registered names in sorted order.
func (b *Bus) Commands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Use appends middleware to the pipeline.
func (b *Bus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

func (b *Bus) lookup(name string) (Command, []Middleware, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cmd, ok := b.commands[name]
	return cmd, b.middleware, ok
}

// Execute runs the command registered under name. Failures inside the
// pipeline are returned as *taxonomy.Error: taxonomy errors from the command
// pass through unchanged, anything else is wrapped. Executing an
// unregistered name returns ErrUnknownCommand.
func (b *Bus) Execute(ctx context.Context, name string, input any, meta Metadata) (any, error) {
	cmd, middleware, ok := b.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	meta = meta.complete(b.now())
	inv := Invocation{Name: name, Command: cmd, Input: input, Metadata: meta}

	ctx, span := b.tracer.Start(ctx, "command "+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(b.spanAttributes(inv)...),
	)
	defer span.End()

	logger := b.logger.With(
		slog.String("command", name),
		slog.String("correlation_id", meta.CorrelationID),
	)

	start := b.now()
	entry, err := b.run(ctx, middleware, inv)
	elapsed := b.now().Sub(start)

	if err != nil {
		terr := taxonomy.Wrap(err, taxonomy.WithContext(taxonomy.Context{
			UserID:        meta.UserID,
			CorrelationID: meta.CorrelationID,
			Path:          name,
		}))
		b.runOnError(ctx, middleware, inv, terr)

		logger.Log(ctx, terr.LogLevel(), "command failed", slog.Any("error", terr))
		span.SetStatus(codes.Error, string(terr.Code()))
		telemetry.RecordCommandFailure(span, string(terr.Code()), terr.IsRetryable())
		telemetry.RecordCommandMetrics(ctx, telemetry.CommandMetrics{
			Command:  name,
			Outcome:  "failed",
			Code:     string(terr.Code()),
			Duration: elapsed,
		})

		payload := b.lifecycle(cmd, name, input, nil, meta, elapsed)
		locale := meta.Locale
		if locale == "" {
			locale = b.locale
		}
		resp := terr.LocalizedResponse(locale, b.expose)
		payload.Error = &resp
		b.publish(ctx, EventFailed, payload)
		return nil, terr
	}

	logger.InfoContext(ctx, "command executed",
		slog.Duration("duration", elapsed),
		slog.Bool("undoable", entry.Undoable),
	)
	span.SetAttributes(attribute.String("command.execution_id", entry.ID))
	telemetry.RecordCommandMetrics(ctx, telemetry.CommandMetrics{
		Command:  name,
		Outcome:  "succeeded",
		Duration: elapsed,
	})

	payload := b.lifecycle(cmd, name, input, entry.Output, meta, elapsed)
	payload.ExecutionID = entry.ID
	b.publish(ctx, EventExecuted, payload)
	return entry.Output, nil
}

// run is the fallible part of the pipeline: before middleware, validation,
// execution, history and after middleware.
func (b *Bus) run(ctx context.Context, middleware []Middleware, inv Invocation) (ExecutedCommand, error) {
	if err := b.runBefore(ctx, middleware, inv); err != nil {
		return ExecutedCommand{}, err
	}

	if v, ok := inv.Command.(Validator); ok {
		valid, err := v.Validate(ctx, inv.Input)
		if err != nil {
			return ExecutedCommand{}, err
		}
		if !valid {
			return ExecutedCommand{}, taxonomy.Validation("invalid input for "+inv.Name,
				taxonomy.WithDetail("command", inv.Name))
		}
	}

	start := b.now()
	output, err := execute(ctx, inv.Command, inv.Input, inv.Metadata)
	elapsed := b.now().Sub(start)
	if err != nil {
		return ExecutedCommand{}, err
	}

	entry := ExecutedCommand{
		ID:         uuid.NewString(),
		Name:       inv.Name,
		Command:    inv.Command,
		Input:      inv.Input,
		Output:     output,
		Metadata:   inv.Metadata,
		ExecutedAt: b.now().UTC(),
		Duration:   elapsed,
		Undoable:   isUndoable(inv.Command),
	}
	if entry.Undoable {
		b.histMu.Lock()
		b.history.push(entry)
		b.histMu.Unlock()
	}

	// A failing after hook fails the call but the entry stays in history:
	// the command's effect has happened and remains undoable.
	if err := b.runAfter(ctx, middleware, inv, output, elapsed); err != nil {
		return ExecutedCommand{}, err
	}
	return entry, nil
}

func execute(ctx context.Context, cmd Command, input any, meta Metadata) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taxonomy.From(r, taxonomy.WithDetail("panic", true))
		}
	}()
	return cmd.Execute(ctx, input, meta)
}

// Undo reverts the most recent undoable execution and moves it to the redo
// side. It returns the undone entry. command.undone is published after the
// history lock is released, so subscribers may call back into the bus.
func (b *Bus) Undo(ctx context.Context) (ExecutedCommand, error) {
	ctx, entry, elapsed, err := b.undo(ctx)
	if err != nil {
		return ExecutedCommand{}, err
	}

	b.logger.InfoContext(ctx, "command undone",
		slog.String("command", entry.Name),
		slog.String("execution_id", entry.ID),
		slog.String("correlation_id", entry.Metadata.CorrelationID),
	)
	payload := b.lifecycle(entry.Command, entry.Name, entry.Input, entry.Output, entry.Metadata, elapsed)
	payload.ExecutionID = entry.ID
	b.publish(ctx, EventUndone, payload)
	return entry, nil
}

func (b *Bus) undo(ctx context.Context) (context.Context, ExecutedCommand, time.Duration, error) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	entry, ok := b.history.peekUndo()
	if !ok {
		return ctx, ExecutedCommand{}, 0, ErrNothingToUndo
	}
	undoer, ok := entry.Command.(Undoer)
	if !ok {
		return ctx, ExecutedCommand{}, 0, fmt.Errorf("%w: %s", ErrNotUndoable, entry.Name)
	}

	ctx, span := b.tracer.Start(ctx, "undo "+entry.Name,
		trace.WithAttributes(attribute.String("command.execution_id", entry.ID)))
	defer span.End()

	start := b.now()
	if err := undoer.Undo(ctx, entry); err != nil {
		return ctx, ExecutedCommand{}, 0, b.reversalFailed(ctx, span, "undo", entry, err)
	}
	b.history.undo()
	return ctx, entry, b.now().Sub(start), nil
}

// Redo re-applies the most recently undone execution through the command's
// Redo hook. Commands without one are executed again with the original input
// and metadata; that path runs the before middleware, so rate limits and
// authorization apply as they did to the first execution. command.redone is
// published after the history lock is released.
func (b *Bus) Redo(ctx context.Context) (ExecutedCommand, error) {
	ctx, entry, elapsed, err := b.redo(ctx)
	if err != nil {
		return ExecutedCommand{}, err
	}

	b.logger.InfoContext(ctx, "command redone",
		slog.String("command", entry.Name),
		slog.String("execution_id", entry.ID),
		slog.String("correlation_id", entry.Metadata.CorrelationID),
	)
	payload := b.lifecycle(entry.Command, entry.Name, entry.Input, entry.Output, entry.Metadata, elapsed)
	payload.ExecutionID = entry.ID
	b.publish(ctx, EventRedone, payload)
	return entry, nil
}

func (b *Bus) redo(ctx context.Context) (context.Context, ExecutedCommand, time.Duration, error) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	entry, ok := b.history.peekRedo()
	if !ok {
		return ctx, ExecutedCommand{}, 0, ErrNothingToRedo
	}

	ctx, span := b.tracer.Start(ctx, "redo "+entry.Name,
		trace.WithAttributes(attribute.String("command.execution_id", entry.ID)))
	defer span.End()

	start := b.now()
	var (
		output any
		err    error
	)
	if r, ok := entry.Command.(Redoer); ok {
		output, err = r.Redo(ctx, entry)
	} else {
		output, err = b.reexecute(ctx, entry)
	}
	if err != nil {
		return ctx, ExecutedCommand{}, 0, b.reversalFailed(ctx, span, "redo", entry, err)
	}
	elapsed := b.now().Sub(start)

	entry.Output = output
	entry.ExecutedAt = b.now().UTC()
	entry.Duration = elapsed
	b.history.redo(entry)
	return ctx, entry, elapsed, nil
}

func (b *Bus) reexecute(ctx context.Context, entry ExecutedCommand) (any, error) {
	_, middleware, _ := b.lookup(entry.Name)
	inv := Invocation{Name: entry.Name, Command: entry.Command, Input: entry.Input, Metadata: entry.Metadata}
	if err := b.runBefore(ctx, middleware, inv); err != nil {
		return nil, err
	}
	return execute(ctx, entry.Command, entry.Input, entry.Metadata)
}

func (b *Bus) reversalFailed(ctx context.Context, span trace.Span, op string, entry ExecutedCommand, err error) *taxonomy.Error {
	terr := taxonomy.Wrap(err, taxonomy.WithContext(taxonomy.Context{
		UserID:        entry.Metadata.UserID,
		CorrelationID: entry.Metadata.CorrelationID,
		Path:          entry.Name,
	}))
	span.SetStatus(codes.Error, string(terr.Code()))
	telemetry.RecordCommandFailure(span, string(terr.Code()), terr.IsRetryable())
	b.logger.Log(ctx, terr.LogLevel(), op+" failed",
		slog.String("command", entry.Name),
		slog.String("execution_id", entry.ID),
		slog.Any("error", terr),
	)
	return terr
}

// History returns the entries that can currently be undone, oldest first.
func (b *Bus) History() []ExecutedCommand {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.history.done()
}

// CanUndo reports whether Undo has an entry to act on.
func (b *Bus) CanUndo() bool {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	_, ok := b.history.peekUndo()
	return ok
}

// CanRedo reports whether Redo has an entry to act on.
func (b *Bus) CanRedo() bool {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.history.pending() > 0
}

// ClearHistory drops both the undo and the redo side.
func (b *Bus) ClearHistory() {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history.reset()
}

func (b *Bus) spanAttributes(inv Invocation) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("command.name", inv.Name),
		attribute.String("command.correlation_id", inv.Metadata.CorrelationID),
		attribute.Bool("command.undoable", isUndoable(inv.Command)),
	}
	if inv.Metadata.UserID != "" {
		attrs = append(attrs, attribute.String("enduser.id", inv.Metadata.UserID))
	}
	if inv.Metadata.IPAddress != "" {
		attrs = append(attrs, attribute.String("client.address", inv.Metadata.IPAddress))
	}
	if inv.Metadata.UserAgent != "" {
		attrs = append(attrs, attribute.String("user_agent.original", inv.Metadata.UserAgent))
	}
	return telemetry.RedactAttributes(b.redaction, attrs)
}
