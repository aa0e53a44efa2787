package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MeterName is the instrumentation scope of every instrument in this package.
const MeterName = "polis.dispatch"

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	commandExecutionCounter metric.Int64Counter
	commandLatencyHistogram metric.Float64Histogram
	recoveryAttemptCounter  metric.Int64Counter
	recoveryOutcomeCounter  metric.Int64Counter
	handlerDeliveryCounter  metric.Int64Counter
	handlerRetryCounter     metric.Int64Counter
)

// Recovery outcomes.
const (
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// CommandMetrics captures the fields needed to record one command execution.
type CommandMetrics struct {
	Command  string
	Outcome  string
	Code     string
	Duration time.Duration
}

// RecordCommandMetrics emits the execution counter and latency histogram.
func RecordCommandMetrics(ctx context.Context, m CommandMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("command.name", m.Command),
		attribute.String("command.outcome", m.Outcome),
	}
	if m.Code != "" {
		attrs = append(attrs, attribute.String("error.code", m.Code))
	}

	commandExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Duration > 0 {
		commandLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("command.name", m.Command)))
	}
}

// RecordRecoveryAttempt counts a strategy invocation and its outcome.
func RecordRecoveryAttempt(ctx context.Context, strategy, code, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("recovery.strategy", strategy),
		attribute.String("error.code", code),
		attribute.String("recovery.outcome", outcome),
	)
	recoveryAttemptCounter.Add(ctx, 1, attrs)
}

// RecordRecoveryResult counts the final outcome of a managed recovery.
func RecordRecoveryResult(ctx context.Context, code string, recovered bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	outcome := OutcomeFailed
	if recovered {
		outcome = OutcomeRecovered
	}
	recoveryOutcomeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", code),
		attribute.String("recovery.outcome", outcome),
	))
}

// RecordHandlerDelivery counts one handler delivery and its retries.
func RecordHandlerDelivery(ctx context.Context, eventType string, failed bool, retries int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	outcome := "delivered"
	if failed {
		outcome = "failed"
	}
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("delivery.outcome", outcome),
	)
	handlerDeliveryCounter.Add(ctx, 1, attrs)
	if retries > 0 {
		handlerRetryCounter.Add(ctx, int64(retries), metric.WithAttributes(attribute.String("event.type", eventType)))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(MeterName)

		commandExecutionCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.command.executions_total",
			metric.WithDescription("Command executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		commandLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dispatch.command.duration_ms",
			metric.WithDescription("Observed command execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		recoveryAttemptCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.recovery.attempts_total",
			metric.WithDescription("Recovery strategy invocations partitioned by strategy and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		recoveryOutcomeCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.recovery.results_total",
			metric.WithDescription("Final recovery outcomes per error code"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		handlerDeliveryCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.event.deliveries_total",
			metric.WithDescription("Event handler deliveries partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		handlerRetryCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.event.retries_total",
			metric.WithDescription("Retry attempts performed by event handlers"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordCommandFailure marks span as failed with the error code without
// recording the error message.
func RecordCommandFailure(span trace.Span, code string, retryable bool) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("error.code", code),
		attribute.Bool("error.retryable", retryable),
	)
	span.AddEvent("command.failed", trace.WithAttributes(attribute.String("error.code", code)))
}
