// Package logging provides logger construction and redaction of sensitive data.
package logging

import (
	"regexp"
	"strings"
)

// DefaultSensitiveFields lists the key substrings that mark a metadata field as sensitive.
var DefaultSensitiveFields = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"key",
	"authorization",
	"cookie",
	"session",
	"credential",
	"bearer",
	"jwt",
	"signature",
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// Redactor replaces sensitive metadata values with MaskedValue.
// Matching is a case-insensitive substring test on the key.
type Redactor struct {
	fields []string
}

// NewRedactor creates a redactor for the given key substrings.
// An empty list falls back to DefaultSensitiveFields.
func NewRedactor(fields []string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultSensitiveFields
	}
	lower := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			lower = append(lower, f)
		}
	}
	return &Redactor{fields: lower}
}

// IsSensitiveField checks if a field name is sensitive.
func (r *Redactor) IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	for _, sensitive := range r.fields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of metadata with sensitive values masked,
// recursing through nested maps and slices. The input is never modified.
func (r *Redactor) Redact(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if r.IsSensitiveField(k) {
			out[k] = MaskedValue
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.Redact(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return r.Redact(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.Redact(item)
		}
		return out
	case string:
		return MaskSensitivePatterns(val)
	default:
		return v
	}
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// API keys and tokens (common formats)
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]{8,}`),
	// Generic secrets with common prefixes
	regexp.MustCompile(`(?i)(sk_live_|pk_live_|sk_test_|pk_test_)[a-zA-Z0-9]+`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}
