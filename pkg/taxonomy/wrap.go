package taxonomy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/grpc/status"
)

// sqlStateError is implemented by store drivers that expose a SQLSTATE code
// (pgconn.PgError, mysql errors and similar).
type sqlStateError interface {
	SQLState() string
}

// Wrap maps err into the taxonomy. A nil err yields nil. An error whose chain
// already contains an *Error is returned as that *Error unmodified and opts are
// ignored. Any other error is kept as the cause of the result.
func Wrap(err error, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}

	e := classify(err)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// From maps any raised value into the taxonomy. It never returns nil: a nil
// value yields SYSTEM_UNKNOWN. Non-error values, such as recovered panics, are
// formatted into the cause.
func From(v any, opts ...Option) *Error {
	switch x := v.(type) {
	case nil:
		return build(CodeUnknown, "nil error value", opts...)
	case *Error:
		return x
	case error:
		return Wrap(x, opts...)
	case string:
		return build(CodeUnknown, x, append([]Option{WithCause(errors.New(x))}, opts...)...)
	case fmt.Stringer:
		s := x.String()
		return build(CodeUnknown, s, append([]Option{WithCause(errors.New(s))}, opts...)...)
	default:
		s := fmt.Sprintf("%v", x)
		return build(CodeUnknown, s, append([]Option{WithCause(fmt.Errorf("panic: %v", x))}, opts...)...)
	}
}

func classify(err error) *Error {
	msg := err.Error()
	withCause := WithCause(err)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return build(CodeTimeout, msg, withCause)
	case errors.Is(err, context.Canceled):
		return build(CodeInternal, msg, withCause, WithDetail("reason", "canceled"))
	case errors.Is(err, sql.ErrNoRows):
		return build(CodeNotFound, msg, withCause)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrTxDone):
		return build(CodeDatabase, msg, withCause)
	case errors.Is(err, fs.ErrNotExist):
		return build(CodeNotFound, msg, withCause)
	case errors.Is(err, fs.ErrExist):
		return build(CodeAlreadyExists, msg, withCause)
	case errors.Is(err, fs.ErrPermission):
		return build(CodeForbidden, msg, withCause)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return build(CodeNetwork, msg, withCause)
	}

	var stateErr sqlStateError
	if errors.As(err, &stateErr) {
		return build(codeFromSQLState(stateErr.SQLState()), msg, withCause,
			WithDetail("sqlstate", stateErr.SQLState()))
	}

	if st, ok := status.FromError(err); ok && st != nil {
		return fromStatus(st, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return build(CodeTimeout, msg, withCause)
		}
		return build(CodeNetwork, msg, withCause)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return build(CodeInvalidFormat, msg, withCause, WithDetail("offset", syntaxErr.Offset))
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return build(CodeInvalidFormat, msg, withCause, WithDetail("field", typeErr.Field))
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		if errors.Is(numErr.Err, strconv.ErrRange) {
			return build(CodeOutOfRange, msg, withCause)
		}
		return build(CodeInvalidFormat, msg, withCause)
	}

	return build(classifyMessage(msg), msg, withCause)
}

// codeFromSQLState maps SQLSTATE classes onto taxonomy codes.
func codeFromSQLState(state string) Code {
	switch state {
	case "23505":
		return CodeAlreadyExists
	case "23502", "23503", "23514", "22001", "22P02":
		return CodeValidationFailed
	case "57014":
		return CodeTimeout
	case "40001", "40P01":
		return CodeDatabase
	}
	if strings.HasPrefix(state, "08") {
		return CodeNetwork
	}
	return CodeDatabase
}

// statusPattern finds an HTTP status code introduced as one, as in
// "status 503", "HTTP/1.1 429" or "code=401". Bare numbers are not statuses.
var statusPattern = regexp.MustCompile(`\b(?:status(?:\s+code)?|http(?:/\d(?:\.\d)?)?|code)\s*[:=]?\s*(\d{3})\b`)

func httpStatusIn(s string) string {
	if m := statusPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// classifyMessage is the last resort for errors that carry no type information.
func classifyMessage(msg string) Code {
	s := strings.ToLower(msg)
	status := httpStatusIn(s)
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"), strings.Contains(s, "deadline exceeded"):
		return CodeTimeout
	case status == "429", strings.Contains(s, "too many requests"), strings.Contains(s, "rate limit"):
		return CodeRateLimit
	case strings.Contains(s, "connection refused"), strings.Contains(s, "connection reset"),
		strings.Contains(s, "broken pipe"), strings.Contains(s, "no such host"):
		return CodeNetwork
	case status == "503", strings.Contains(s, "service unavailable"):
		return CodeServiceUnavailable
	case status == "401", strings.Contains(s, "unauthorized"):
		return CodeUnauthorized
	case strings.Contains(s, "forbidden"), strings.Contains(s, "permission denied"):
		return CodeForbidden
	case strings.Contains(s, "not found"):
		return CodeNotFound
	case strings.Contains(s, "already exists"), strings.Contains(s, "duplicate"), strings.Contains(s, "unique constraint"):
		return CodeAlreadyExists
	case strings.Contains(s, "database is locked"), strings.Contains(s, "sql:"):
		return CodeDatabase
	default:
		return CodeUnknown
	}
}
