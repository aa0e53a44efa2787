package taxonomy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewRequiresCode(t *testing.T) {
	e, err := New("", "boom")
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrEmptyCode)
}

func TestNewAppliesCodeDefaults(t *testing.T) {
	tests := []struct {
		code      Code
		category  Category
		status    int
		retryable bool
	}{
		{CodeUnauthorized, CategoryAuth, http.StatusUnauthorized, false},
		{CodeForbidden, CategoryAuth, http.StatusForbidden, false},
		{CodeRequiredField, CategoryValidation, http.StatusBadRequest, false},
		{CodeNotFound, CategoryBusiness, http.StatusNotFound, false},
		{CodeAlreadyExists, CategoryBusiness, http.StatusConflict, false},
		{CodeTimeout, CategorySystem, http.StatusGatewayTimeout, true},
		{CodeRateLimit, CategorySystem, http.StatusTooManyRequests, true},
		{CodeServiceUnavailable, CategorySystem, http.StatusServiceUnavailable, true},
		{CodeCircuitOpen, CategorySystem, http.StatusServiceUnavailable, false},
		{CodeInternal, CategorySystem, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			e, err := New(tt.code, "msg")
			require.NoError(t, err)
			assert.Equal(t, tt.category, e.Category())
			assert.Equal(t, tt.status, e.StatusCode())
			assert.Equal(t, tt.retryable, e.IsRetryable())
			assert.NotEmpty(t, e.ID())
			assert.False(t, e.Timestamp().IsZero())
		})
	}
}

func TestUnknownCodeUsesPrefix(t *testing.T) {
	e, err := New("BUSINESS_CART_EMPTY", "cart is empty")
	require.NoError(t, err)
	assert.Equal(t, CategoryBusiness, e.Category())
	assert.False(t, e.IsRetryable())

	e, err = New("WHATEVER", "x")
	require.NoError(t, err)
	assert.Equal(t, CategorySystem, e.Category())
}

func TestOptionsOverrideDefaults(t *testing.T) {
	cause := errors.New("driver: bad conn")
	e := Database("insert failed",
		WithSeverity(SeverityLow),
		WithStatus(http.StatusTeapot),
		WithRetryable(false),
		WithCategory(CategoryBusiness),
		WithCause(cause),
		WithContext(Context{UserID: "u1", CorrelationID: "c1", Path: "/users"}),
		WithSuggestedAction("call support"),
	)

	assert.Equal(t, SeverityLow, e.Severity())
	assert.Equal(t, http.StatusTeapot, e.StatusCode())
	assert.False(t, e.IsRetryable())
	assert.Equal(t, CategoryBusiness, e.Category())
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "c1", e.Context().CorrelationID)
	assert.Equal(t, "call support", e.SuggestedAction())
}

func TestDetailsAreCopied(t *testing.T) {
	details := map[string]any{"field": "email"}
	e := Validation("bad", WithDetails(details))

	details["field"] = "changed"
	got := e.Details()
	got["field"] = "mutated"

	v, ok := e.Detail("field")
	require.True(t, ok)
	assert.Equal(t, "email", v)
}

func TestWithReturnsCopy(t *testing.T) {
	orig := NotFound("user")
	derived := orig.With(WithCorrelationID("abc"), WithDetail("id", 7))

	assert.Empty(t, orig.Context().CorrelationID)
	_, ok := orig.Detail("id")
	assert.False(t, ok)
	assert.Equal(t, "abc", derived.Context().CorrelationID)
	assert.Equal(t, orig.ID(), derived.ID())
}

func TestIsMatchesByCode(t *testing.T) {
	a := NotFound("user")
	b := NotFound("order")
	c := AlreadyExists("user")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
	assert.True(t, HasCode(errors.Join(errors.New("x"), a), CodeNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(a))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "SYSTEM_TIMEOUT: took too long", Timeout("took too long").Error())
	e, _ := New(CodeInternal, "")
	assert.Equal(t, "SYSTEM_INTERNAL_ERROR", e.Error())
}

func TestUserMessageNeverLeaksInternals(t *testing.T) {
	e := Database("pq: relation users_secret_idx violated",
		WithCause(errors.New("stack: main.go:42")))

	msg := e.UserMessage()
	assert.NotContains(t, msg, "users_secret_idx")
	assert.NotContains(t, msg, "main.go")
	assert.NotContains(t, msg, e.ID())
	assert.NotEmpty(t, e.SuggestedAction())
}

func TestLocalizedMessages(t *testing.T) {
	e := RequiredField("email")
	assert.Equal(t, "The field email is required.", e.UserMessage())
	assert.Equal(t, "El campo email es obligatorio.", e.LocalizedUserMessage("es"))
	assert.Equal(t, "El campo email es obligatorio.", e.LocalizedUserMessage("es-MX"))
	assert.Equal(t, e.UserMessage(), e.LocalizedUserMessage("zz"))
	assert.Equal(t, e.UserMessage(), e.LocalizedUserMessage(""))
}

func TestCustomCodeFallsBackToCategoryMessage(t *testing.T) {
	e, err := New("AUTH_MFA_REQUIRED", "mfa needed")
	require.NoError(t, err)
	assert.Equal(t, "You are not allowed to do this.", e.UserMessage())
}

func TestRegisterCatalog(t *testing.T) {
	RegisterCatalog(NewCatalog("fr", map[Code]string{
		CodeNotFound: "Introuvable.",
	}, nil, nil))

	e := NotFound("user")
	assert.Equal(t, "Introuvable.", e.LocalizedUserMessage("fr-CA"))
}

func TestResponseHidesInternalsUnlessExposed(t *testing.T) {
	e := Internal("nil pointer in handler", WithCause(errors.New("runtime error")),
		WithCorrelationID("corr-1"))

	r := e.Response(false)
	assert.Equal(t, CodeInternal, r.Code)
	assert.Empty(t, r.Internal)
	assert.Empty(t, r.Cause)
	assert.Equal(t, "corr-1", r.CorrelationID)

	r = e.Response(true)
	assert.Equal(t, "nil pointer in handler", r.Internal)
	assert.Equal(t, "runtime error", r.Cause)

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "nil pointer")
	assert.Contains(t, string(raw), `"code":"SYSTEM_INTERNAL_ERROR"`)
}

func TestLogValue(t *testing.T) {
	e := Timeout("slow", WithCorrelationID("c"))
	v := e.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	got := map[string]string{}
	for _, a := range v.Group() {
		got[a.Key] = a.Value.String()
	}
	assert.Equal(t, "SYSTEM_TIMEOUT", got["code"])
	assert.Equal(t, "c", got["correlation_id"])
	assert.Equal(t, slog.LevelError, e.LogLevel())
	assert.Equal(t, slog.LevelInfo, NotFound("x").LogLevel())
}

func TestRetryableOnlyForSystemDefaults(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		code := rapid.SampledFrom(allCodes()).Draw(t, "code")
		e, err := New(code, "m")
		if err != nil {
			t.Fatal(err)
		}
		if e.IsRetryable() && e.Category() != CategorySystem {
			t.Fatalf("%s is retryable outside the system category", code)
		}
		if e.Category() == CategoryAuth || e.Category() == CategoryValidation {
			if e.IsRetryable() {
				t.Fatalf("%s should not be retryable", code)
			}
		}
	})
}

func allCodes() []Code {
	return slices.Sorted(maps.Keys(knownCodes))
}
