package commandbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type registerInput struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Profile  map[string]string `json:"profile"`
}

func TestSanitizeShapes(t *testing.T) {
	s := NewSanitizer()

	in := &registerInput{Email: "a@b.c", Password: "pw", Profile: map[string]string{"token": "nested"}}
	got := s.Sanitize(in).(map[string]any)
	assert.Equal(t, "a@b.c", got["email"])
	assert.Equal(t, RedactionMarker, got["password"])
	assert.Equal(t, map[string]any{"token": "nested"}, got["profile"], "only top-level keys are redacted")

	assert.Equal(t, map[string]string{"Secret": RedactionMarker, "name": "x"},
		s.Sanitize(map[string]string{"Secret": "s", "name": "x"}))

	type custom map[string]int
	assert.Equal(t, map[string]any{"token": RedactionMarker, "n": 1}, s.Sanitize(custom{"token": 7, "n": 1}))

	assert.Equal(t, 42, s.Sanitize(42))
	assert.Equal(t, []string{"password"}, s.Sanitize([]string{"password"}))
	assert.Nil(t, s.Sanitize(nil))
	assert.Nil(t, s.Sanitize((*registerInput)(nil)))
	assert.Equal(t, map[int]string{1: "password"}, s.Sanitize(map[int]string{1: "password"}))
}

func TestSanitizerExtraFields(t *testing.T) {
	s := NewSanitizer(" ssn ", "")
	assert.True(t, s.Sensitive("SSN"))
	assert.True(t, s.Sensitive("ConfirmPassword"))
	assert.False(t, s.Sensitive("email"))
}
