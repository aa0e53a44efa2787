package taxonomy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"pgregory.net/rapid"
)

type pgError struct{ state string }

func (e *pgError) Error() string    { return "pg: " + e.state }
func (e *pgError) SQLState() string { return e.state }

type stringer struct{}

func (stringer) String() string { return "stringer panic" }

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
}

func TestWrapPropagatesTaxonomyErrorsUnmodified(t *testing.T) {
	orig := NotFound("user")
	wrapped := fmt.Errorf("load profile: %w", orig)

	got := Wrap(wrapped, WithSeverity(SeverityCritical))
	assert.Same(t, orig, got)
	assert.Same(t, orig, From(orig))
}

func TestWrapClassifiesForeignErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"canceled", fmt.Errorf("op: %w", context.Canceled), CodeInternal},
		{"no rows", sql.ErrNoRows, CodeNotFound},
		{"conn done", sql.ErrConnDone, CodeDatabase},
		{"fs not exist", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, CodeNotFound},
		{"fs exist", fs.ErrExist, CodeAlreadyExists},
		{"fs permission", fs.ErrPermission, CodeForbidden},
		{"unique violation", &pgError{"23505"}, CodeAlreadyExists},
		{"not null violation", &pgError{"23502"}, CodeValidationFailed},
		{"query canceled", &pgError{"57014"}, CodeTimeout},
		{"connection exception", &pgError{"08006"}, CodeNetwork},
		{"serialization", &pgError{"40001"}, CodeDatabase},
		{"dns", &net.DNSError{Err: "no such host", Name: "db"}, CodeNetwork},
		{"dns timeout", &net.DNSError{Err: "i/o timeout", Name: "db", IsTimeout: true}, CodeTimeout},
		{"json syntax", json.Unmarshal([]byte("{"), &struct{}{}), CodeInvalidFormat},
		{"json type", json.Unmarshal([]byte(`{"a":"x"}`), &struct{ A int }{}), CodeInvalidFormat},
		{"atoi", func() error { _, err := strconv.Atoi("abc"); return err }(), CodeInvalidFormat},
		{"atoi range", func() error { _, err := strconv.ParseInt("99999999999999999999", 10, 64); return err }(), CodeOutOfRange},
		{"grpc not found", status.Error(codes.NotFound, "missing"), CodeNotFound},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), CodeServiceUnavailable},
		{"text timeout", errors.New("upstream timed out"), CodeTimeout},
		{"text rate", errors.New("HTTP 429 Too Many Requests"), CodeRateLimit},
		{"text status 503", errors.New("upstream returned status code: 503"), CodeServiceUnavailable},
		{"text code 401", errors.New("login failed code=401"), CodeUnauthorized},
		{"text bare number", errors.New("order 14290 not found"), CodeNotFound},
		{"text number in id", errors.New("invoice 5031 rejected by status 4290"), CodeUnknown},
		{"text refused", errors.New("dial tcp: connection refused"), CodeNetwork},
		{"text duplicate", errors.New("duplicate key"), CodeAlreadyExists},
		{"opaque", errors.New("something odd"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			got := Wrap(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Code())
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestWrapAppliesOptions(t *testing.T) {
	got := Wrap(errors.New("boom"), WithCorrelationID("c-1"), WithDetail("op", "save"))
	assert.Equal(t, "c-1", got.Context().CorrelationID)
	v, _ := got.Detail("op")
	assert.Equal(t, "save", v)
}

func TestFromNonErrorValues(t *testing.T) {
	assert.Equal(t, CodeUnknown, From(nil).Code())

	s := From("kaboom")
	assert.Equal(t, CodeUnknown, s.Code())
	assert.EqualError(t, s.Cause(), "kaboom")

	assert.Equal(t, "stringer panic", From(stringer{}).Message())

	n := From(42)
	assert.Equal(t, CodeUnknown, n.Code())
	assert.Contains(t, n.Cause().Error(), "42")
}

func TestFromIsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var v any
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			v = errors.New(rapid.String().Draw(t, "msg"))
		case 1:
			v = rapid.String().Draw(t, "str")
		case 2:
			v = rapid.Int().Draw(t, "int")
		case 3:
			v = nil
		}

		e := From(v)
		if e == nil {
			t.Fatal("From returned nil")
		}
		if e.Code() == "" {
			t.Fatal("empty code")
		}
		if v != nil && e.Cause() == nil {
			t.Fatal("cause not preserved")
		}
	})
}

func TestGRPCStatusRoundTrip(t *testing.T) {
	orig := QuotaExceeded("monthly limit", WithCorrelationID("corr"))
	st := orig.GRPCStatus()

	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Equal(t, orig.UserMessage(), st.Message())

	var info *errdetails.ErrorInfo
	var localized *errdetails.LocalizedMessage
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			info = v
		case *errdetails.LocalizedMessage:
			localized = v
		}
	}
	require.NotNil(t, info)
	require.NotNil(t, localized)
	assert.Equal(t, string(CodeQuotaExceeded), info.GetReason())
	assert.Equal(t, "corr", info.GetMetadata()["correlation_id"])
	assert.Equal(t, DefaultLocale, localized.GetLocale())

	back := Wrap(st.Err())
	assert.Equal(t, CodeQuotaExceeded, back.Code())
	assert.NotContains(t, st.Message(), "monthly limit")
}

func TestStatusFromErrorUsesGRPCStatusMethod(t *testing.T) {
	st, ok := status.FromError(Forbidden("nope"))
	require.True(t, ok)
	assert.Equal(t, codes.PermissionDenied, st.Code())
}

func TestIsRetryableHelper(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", Network("reset"))))
	assert.False(t, IsRetryable(Validation("bad")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
