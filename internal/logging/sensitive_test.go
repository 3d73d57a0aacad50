package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactor_IsSensitiveField(t *testing.T) {
	r := NewRedactor(nil)

	tests := []struct {
		name      string
		fieldName string
		expected  bool
	}{
		{name: "password field", fieldName: "password", expected: true},
		{name: "api key", fieldName: "api_key", expected: true},
		{name: "mixed case", fieldName: "Authorization", expected: true},
		{name: "contains keyword", fieldName: "x_session_id", expected: true},
		{name: "cookie header", fieldName: "Set-Cookie", expected: true},
		{name: "normal field", fieldName: "username", expected: false},
		{name: "document id", fieldName: "document_id", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.IsSensitiveField(tt.fieldName); got != tt.expected {
				t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.fieldName, got, tt.expected)
			}
		})
	}
}

func TestRedactor_RedactNested(t *testing.T) {
	r := NewRedactor(nil)

	input := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"request": map[string]any{
			"path":          "/documents/42",
			"authorization": "Bearer abc.def",
			"headers": map[string]string{
				"cookie":     "sid=123",
				"user-agent": "curl/8.0",
			},
		},
		"attempts": []any{
			map[string]any{"token": "t1", "at": 1},
			"plain",
		},
	}

	out := r.Redact(input)

	if out["username"] != "alice" {
		t.Errorf("username should pass through, got %v", out["username"])
	}
	if out["password"] != MaskedValue {
		t.Errorf("password should be masked, got %v", out["password"])
	}

	req := out["request"].(map[string]any)
	if req["authorization"] != MaskedValue {
		t.Errorf("nested authorization should be masked, got %v", req["authorization"])
	}
	if req["path"] != "/documents/42" {
		t.Errorf("nested path should pass through, got %v", req["path"])
	}
	headers := req["headers"].(map[string]any)
	if headers["cookie"] != MaskedValue {
		t.Errorf("cookie header should be masked, got %v", headers["cookie"])
	}
	if headers["user-agent"] != "curl/8.0" {
		t.Errorf("user-agent should pass through, got %v", headers["user-agent"])
	}

	attempts := out["attempts"].([]any)
	first := attempts[0].(map[string]any)
	if first["token"] != MaskedValue {
		t.Errorf("token inside slice should be masked, got %v", first["token"])
	}
	if first["at"] != 1 {
		t.Errorf("non-sensitive value inside slice should pass through, got %v", first["at"])
	}

	// Input must be untouched.
	if input["password"] != "hunter2" {
		t.Error("Redact must not modify its input")
	}
	if input["request"].(map[string]any)["authorization"] != "Bearer abc.def" {
		t.Error("Redact must not modify nested input maps")
	}
}

func TestRedactor_CustomFields(t *testing.T) {
	r := NewRedactor([]string{"SSN"})
	out := r.Redact(map[string]any{"customer_ssn": "123-45-6789", "password": "kept"})

	if out["customer_ssn"] != MaskedValue {
		t.Errorf("custom field should be masked, got %v", out["customer_ssn"])
	}
	if out["password"] != "kept" {
		t.Errorf("custom list replaces defaults, got %v", out["password"])
	}
	if r.Redact(nil) != nil {
		t.Error("nil metadata should stay nil")
	}
}

func TestMaskSensitivePatterns(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
	}{
		{name: "bearer token", input: "header was Bearer eyJhbGciOi.payload", contains: MaskedValue},
		{name: "key value secret", input: "password=supersecret", contains: MaskedValue},
		{name: "stripe key", input: "using sk_live_abcdef123", contains: MaskedValue},
		{name: "no secrets", input: "document signed", contains: "document signed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := MaskSensitivePatterns(tt.input); !strings.Contains(result, tt.contains) {
				t.Errorf("expected %q to contain %q", result, tt.contains)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON warn output, got %q", out)
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
