package commandbus

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dispatch/pkg/policy"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

// PolicyMiddleware authorizes every command with filter. A block decision
// fails with AUTH_FORBIDDEN. When the filter errors, the authorization
// posture decides between letting the command through and failing with
// SYSTEM_SERVICE_UNAVAILABLE.
func PolicyMiddleware(filter policy.Filter, posture policy.PostureSet, roles func(Metadata) []string, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	posture = posture.Clone()
	sanitizer := NewSanitizer()
	return Middleware{
		Name: "policy",
		Before: func(ctx context.Context, inv Invocation) (bool, error) {
			span := trace.SpanFromContext(ctx)
			input := policy.Input{
				Command:  inv.Name,
				Identity: policy.Identity{Subject: inv.Metadata.UserID},
				Attributes: map[string]any{
					"input":  sanitizer.Sanitize(inv.Input),
					"locale": inv.Metadata.Locale,
				},
			}
			if roles != nil {
				input.Identity.Roles = roles(inv.Metadata)
			}

			decision, err := filter.Evaluate(ctx, input)
			if err != nil {
				failOpen := posture.FailOpen(policy.DomainAuthorization)
				telemetry.RecordPolicyError(span, failOpen)
				logger.WarnContext(ctx, "policy evaluation failed",
					slog.String("command", inv.Name),
					slog.Bool("fail_open", failOpen),
					slog.String("error", err.Error()),
				)
				if failOpen {
					return true, nil
				}
				return false, taxonomy.ServiceUnavailable("authorization policy unavailable",
					taxonomy.WithCause(err),
					taxonomy.WithDetail("command", inv.Name),
				)
			}

			telemetry.RecordPolicyDecision(span, decision)
			if decision.Allowed() {
				return true, nil
			}
			reason := decision.Reason
			if reason == "" {
				reason = "blocked by policy"
			}
			return false, taxonomy.Forbidden(reason,
				taxonomy.WithDetail("command", inv.Name),
				taxonomy.WithDetail("reason", reason),
			)
		},
	}
}
