package commandbus

import (
	"context"
	"fmt"

	"github.com/polisai/polis-dispatch/internal/governance"
	"github.com/polisai/polis-dispatch/pkg/taxonomy"
)

const anonymousSubject = "anonymous"

// RateLimitMiddleware rejects commands whose (command, subject) bucket is
// exhausted with SYSTEM_RATE_LIMIT. The subject is the acting user, else the
// client address.
func RateLimitMiddleware(limiter *governance.RateLimiter) Middleware {
	return Middleware{
		Name: "rate-limit",
		Before: func(ctx context.Context, inv Invocation) (bool, error) {
			subject := subjectOf(inv.Metadata)
			if limiter.AllowContext(ctx, inv.Name, subject) {
				return true, nil
			}
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, taxonomy.RateLimited(fmt.Sprintf("rate limit exceeded for %s", inv.Name),
				taxonomy.WithDetail("command", inv.Name),
				taxonomy.WithDetail("subject", subject),
			)
		},
	}
}

func subjectOf(meta Metadata) string {
	switch {
	case meta.UserID != "":
		return meta.UserID
	case meta.IPAddress != "":
		return meta.IPAddress
	default:
		return anonymousSubject
	}
}
