package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dispatch/pkg/policy"
)

// RecordPolicyDecision annotates the provided span with the authorization outcome.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.decision.action", string(decision.Action)),
	)

	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}

	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if code, ok := decision.Metadata["violation_code"]; ok && code != "" {
		span.SetAttributes(attribute.String("policy.violation_code", code))
	} else if decision.Action == policy.ActionBlock {
		span.SetAttributes(attribute.String("policy.violation_code", decision.Reason))
	}

	if decision.Action == policy.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}

// RecordPolicyError marks span with an engine failure and the posture applied.
func RecordPolicyError(span trace.Span, failOpen bool) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Bool("policy.error", true),
		attribute.Bool("policy.fail_open", failOpen),
	)
}
