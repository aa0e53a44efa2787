package taxonomy

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyCode is returned by New when no code is supplied.
var ErrEmptyCode = errors.New("taxonomy: error code is required")

// Option customizes an Error at construction.
type Option func(*Error)

// WithDetails merges structured details into the error.
func WithDetails(details map[string]any) Option {
	return func(e *Error) {
		if len(details) == 0 {
			return
		}
		if e.details == nil {
			e.details = make(map[string]any, len(details))
		}
		maps.Copy(e.details, details)
	}
}

// WithDetail sets a single detail.
func WithDetail(key string, value any) Option {
	return WithDetails(map[string]any{key: value})
}

// WithContext attaches causal context.
func WithContext(ctx Context) Option {
	return func(e *Error) { e.context = ctx }
}

// WithCorrelationID sets only the correlation id of the context.
func WithCorrelationID(id string) Option {
	return func(e *Error) { e.context.CorrelationID = id }
}

// WithCause records the originating error.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// WithSeverity overrides the default severity.
func WithSeverity(s Severity) Option {
	return func(e *Error) { e.severity = s }
}

// WithStatus overrides the default status code.
func WithStatus(status int) Option {
	return func(e *Error) { e.status = status }
}

// WithRetryable overrides the default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = retryable }
}

// WithSuggestedAction sets a remediation hint that replaces the catalog one.
func WithSuggestedAction(action string) Option {
	return func(e *Error) { e.suggestedAction = action }
}

// WithCategory overrides the default category.
func WithCategory(c Category) Option {
	return func(e *Error) { e.category = c }
}

// New constructs an error for code. It fails only when code is empty.
func New(code Code, message string, opts ...Option) (*Error, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	return build(code, message, opts...), nil
}

func build(code Code, message string, opts ...Option) *Error {
	d := code.lookup()
	e := &Error{
		id:        uuid.NewString(),
		code:      code,
		message:   message,
		category:  d.category,
		severity:  d.severity,
		status:    d.status,
		retryable: d.retryable,
		timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Unauthorized reports a missing or unverifiable identity.
func Unauthorized(message string, opts ...Option) *Error {
	return build(CodeUnauthorized, message, opts...)
}

// InvalidCredentials reports a failed credential check.
func InvalidCredentials(message string, opts ...Option) *Error {
	return build(CodeInvalidCredentials, message, opts...)
}

// Forbidden reports that the identity lacks permission.
func Forbidden(message string, opts ...Option) *Error {
	return build(CodeForbidden, message, opts...)
}

// TokenExpired reports an expired session or access token.
func TokenExpired(message string, opts ...Option) *Error {
	return build(CodeTokenExpired, message, opts...)
}

// Validation reports invalid input.
func Validation(message string, opts ...Option) *Error {
	return build(CodeValidationFailed, message, opts...)
}

// RequiredField reports a missing input field.
func RequiredField(field string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("field", field)}, opts...)
	return build(CodeRequiredField, field+" is required", opts...)
}

// NotFound reports a missing resource.
func NotFound(resource string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("resource", resource)}, opts...)
	return build(CodeNotFound, resource+" not found", opts...)
}

// AlreadyExists reports a uniqueness conflict.
func AlreadyExists(resource string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("resource", resource)}, opts...)
	return build(CodeAlreadyExists, resource+" already exists", opts...)
}

// InvalidStateTransition reports a forbidden transition between two states.
func InvalidStateTransition(from, to string, opts ...Option) *Error {
	opts = append([]Option{WithDetails(map[string]any{"from": from, "to": to})}, opts...)
	return build(CodeInvalidStateTransition, "cannot transition from "+from+" to "+to, opts...)
}

// QuotaExceeded reports an exhausted business quota.
func QuotaExceeded(message string, opts ...Option) *Error {
	return build(CodeQuotaExceeded, message, opts...)
}

// Rejected reports a command refused before execution.
func Rejected(message string, opts ...Option) *Error {
	return build(CodeCommandRejected, message, opts...)
}

// Database reports a storage failure.
func Database(message string, opts ...Option) *Error {
	return build(CodeDatabase, message, opts...)
}

// Network reports a transport failure.
func Network(message string, opts ...Option) *Error {
	return build(CodeNetwork, message, opts...)
}

// Timeout reports an operation that did not complete in time.
func Timeout(message string, opts ...Option) *Error {
	return build(CodeTimeout, message, opts...)
}

// RateLimited reports a throttled request.
func RateLimited(message string, opts ...Option) *Error {
	return build(CodeRateLimit, message, opts...)
}

// ServiceUnavailable reports a dependency that is temporarily down.
func ServiceUnavailable(message string, opts ...Option) *Error {
	return build(CodeServiceUnavailable, message, opts...)
}

// ExternalService reports a failure returned by a third-party dependency.
func ExternalService(service, message string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("service", service)}, opts...)
	return build(CodeExternalService, message, opts...)
}

// CircuitOpen reports a call short-circuited by an open breaker.
func CircuitOpen(name string, opts ...Option) *Error {
	opts = append([]Option{WithDetail("circuit", name)}, opts...)
	return build(CodeCircuitOpen, "circuit "+name+" is open", opts...)
}

// Internal reports an unexpected failure inside the process.
func Internal(message string, opts ...Option) *Error {
	return build(CodeInternal, message, opts...)
}
