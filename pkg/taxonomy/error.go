package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"
)

// Context is the optional causal context attached to an error.
type Context struct {
	UserID        string `json:"userId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Path          string `json:"path,omitempty"`
}

// IsZero reports whether no context field is set.
func (c Context) IsZero() bool {
	return c == Context{}
}

// Error is the unit of failure. All fields are fixed at construction.
type Error struct {
	id              string
	code            Code
	message         string
	category        Category
	severity        Severity
	status          int
	retryable       bool
	suggestedAction string
	details         map[string]any
	context         Context
	cause           error
	timestamp       time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.message == "" {
		return string(e.code)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.code == t.code
	}
	return false
}

// ID returns the unique id of this error instance.
func (e *Error) ID() string { return e.id }

// Code returns the machine-readable code.
func (e *Error) Code() Code { return e.code }

// Message returns the internal message. It may contain implementation detail
// and must not be shown to end users; use UserMessage instead.
func (e *Error) Message() string { return e.message }

// Category returns the error category.
func (e *Error) Category() Category { return e.category }

// Severity returns the error severity.
func (e *Error) Severity() Severity { return e.severity }

// StatusCode returns the HTTP status code associated with the error.
func (e *Error) StatusCode() int { return e.status }

// IsRetryable reports whether the failed operation may succeed if repeated.
func (e *Error) IsRetryable() bool { return e.retryable }

// Context returns the causal context.
func (e *Error) Context() Context { return e.context }

// Cause returns the original error, if any.
func (e *Error) Cause() error { return e.cause }

// Timestamp returns when the error was constructed.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// Details returns a copy of the structured details.
func (e *Error) Details() map[string]any {
	if len(e.details) == 0 {
		return nil
	}
	return maps.Clone(e.details)
}

// Detail returns a single detail value.
func (e *Error) Detail(key string) (any, bool) {
	v, ok := e.details[key]
	return v, ok
}

// UserMessage returns the sanitized end-user message in the default locale.
func (e *Error) UserMessage() string {
	return e.LocalizedUserMessage(DefaultLocale)
}

// LocalizedUserMessage returns the sanitized end-user message for locale.
func (e *Error) LocalizedUserMessage(locale string) string {
	return lookupCatalog(locale).format(e.code, e.category, e.details)
}

// SuggestedAction returns the remediation hint for the end user.
func (e *Error) SuggestedAction() string {
	return e.LocalizedSuggestedAction(DefaultLocale)
}

// LocalizedSuggestedAction returns the remediation hint for locale. An action
// supplied at construction takes precedence over the catalog.
func (e *Error) LocalizedSuggestedAction(locale string) string {
	if e.suggestedAction != "" {
		return e.suggestedAction
	}
	return lookupCatalog(locale).action(e.category)
}

// With returns a copy of e with opts applied. The receiver is left untouched.
func (e *Error) With(opts ...Option) *Error {
	cp := *e
	cp.details = maps.Clone(e.details)
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Response is the JSON-safe envelope sent to callers.
type Response struct {
	ID              string         `json:"id"`
	Code            Code           `json:"code"`
	Category        Category       `json:"category"`
	Message         string         `json:"message"`
	SuggestedAction string         `json:"suggestedAction,omitempty"`
	Retryable       bool           `json:"retryable"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Details         map[string]any `json:"details,omitempty"`
	Internal        string         `json:"internal,omitempty"`
	Cause           string         `json:"cause,omitempty"`
}

// Response builds the caller-facing envelope. The internal message and cause
// are included only when expose is true.
func (e *Error) Response(expose bool) Response {
	return e.LocalizedResponse(DefaultLocale, expose)
}

// LocalizedResponse builds the caller-facing envelope for locale.
func (e *Error) LocalizedResponse(locale string, expose bool) Response {
	r := Response{
		ID:              e.id,
		Code:            e.code,
		Category:        e.category,
		Message:         e.LocalizedUserMessage(locale),
		SuggestedAction: e.LocalizedSuggestedAction(locale),
		Retryable:       e.retryable,
		CorrelationID:   e.context.CorrelationID,
		Timestamp:       e.timestamp,
	}
	if e.category == CategoryValidation {
		r.Details = e.Details()
	}
	if expose {
		r.Details = e.Details()
		r.Internal = e.message
		if e.cause != nil {
			r.Cause = e.cause.Error()
		}
	}
	return r
}

// MarshalJSON renders the non-exposing response envelope.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Response(false))
}

// LogValue implements slog.LogValuer.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", e.id),
		slog.String("code", string(e.code)),
		slog.String("category", string(e.category)),
		slog.String("severity", string(e.severity)),
		slog.String("message", e.message),
		slog.Bool("retryable", e.retryable),
	}
	if e.context.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.context.CorrelationID))
	}
	if e.context.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.context.UserID))
	}
	if e.context.Path != "" {
		attrs = append(attrs, slog.String("path", e.context.Path))
	}
	if len(e.details) > 0 {
		attrs = append(attrs, slog.Any("details", e.details))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// LogLevel maps severity to a slog level.
func (e *Error) LogLevel() slog.Level {
	switch e.severity {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or the empty
// code when there is none.
func CodeOf(err error) Code {
	if te, ok := As(err); ok {
		return te.code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{code: code})
}

// IsRetryable reports whether err is a retryable taxonomy error.
func IsRetryable(err error) bool {
	te, ok := As(err)
	return ok && te.retryable
}
