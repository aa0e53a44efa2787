// Package telemetry wires OpenTelemetry tracing and meters and the Prometheus
// collectors exposed by polis-dispatch.
//
// It sets up the trace exporter, redacts span attributes before export,
// records command, recovery and event delivery instruments, and provides the
// analytics subscriber that feeds command lifecycle events into Prometheus.
package telemetry
