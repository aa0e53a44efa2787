package commandbus

import (
	"encoding/json"
	"reflect"
	"strings"
)

// RedactionMarker replaces sensitive values in lifecycle events.
const RedactionMarker = "[REDACTED]"

// DefaultSensitiveFields are always redacted.
var DefaultSensitiveFields = []string{
	"password",
	"confirmPassword",
	"currentPassword",
	"newPassword",
	"token",
	"secret",
}

// Sanitizer redacts deny-listed top-level fields. Field names match
// case-insensitively.
type Sanitizer struct {
	fields map[string]struct{}
}

// NewSanitizer builds a sanitizer for the default fields plus extra.
func NewSanitizer(extra ...string) *Sanitizer {
	s := &Sanitizer{fields: make(map[string]struct{}, len(DefaultSensitiveFields)+len(extra))}
	for _, f := range DefaultSensitiveFields {
		s.fields[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range extra {
		if f = strings.TrimSpace(f); f != "" {
			s.fields[strings.ToLower(f)] = struct{}{}
		}
	}
	return s
}

// Sensitive reports whether key is deny-listed.
func (s *Sanitizer) Sensitive(key string) bool {
	_, ok := s.fields[strings.ToLower(key)]
	return ok
}

// Sanitize returns a copy of v safe to publish. Maps with string keys are
// copied with sensitive values replaced; structs are sanitized through their
// JSON object view. Other values are returned unchanged. Nested values are
// not inspected.
func (s *Sanitizer) Sanitize(v any) any {
	if v == nil {
		return nil
	}
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = s.redact(k, val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			if s.Sensitive(k) {
				val = RedactionMarker
			}
			out[k] = val
		}
		return out
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			out[k] = s.redact(k, iter.Value().Interface())
		}
		return out
	case reflect.Struct:
		view, ok := jsonObject(rv.Interface())
		if !ok {
			return v
		}
		for k, val := range view {
			view[k] = s.redact(k, val)
		}
		return view
	default:
		return v
	}
}

func (s *Sanitizer) redact(key string, value any) any {
	if s.Sensitive(key) {
		return RedactionMarker
	}
	return value
}

func jsonObject(v any) (map[string]any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}
