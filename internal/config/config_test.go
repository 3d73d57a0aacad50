package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}

	// Rate limit defaults
	if !cfg.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled to be true")
	}
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("expected MaxRequests 100, got %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("expected Window 1m, got %v", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.Store != "memory" {
		t.Errorf("expected memory store, got %s", cfg.RateLimit.Store)
	}

	// Alert rule defaults
	if len(cfg.Alerting.Rules) != 4 {
		t.Fatalf("expected 4 default alert rules, got %d", len(cfg.Alerting.Rules))
	}
	first := cfg.Alerting.Rules[0]
	if first.EventType != "authentication_failure" || first.Threshold != 3 || first.TimeWindowMinutes != 5 {
		t.Errorf("unexpected first default rule: %+v", first)
	}

	if cfg.Behavior.AnomalyThreshold != 0.7 {
		t.Errorf("expected AnomalyThreshold 0.7, got %v", cfg.Behavior.AnomalyThreshold)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"zero max requests", func(c *Config) { c.RateLimit.MaxRequests = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"unknown store", func(c *Config) { c.RateLimit.Store = "etcd" }},
		{"bad rule severity", func(c *Config) { c.Alerting.Rules[0].Severity = "urgent" }},
		{"bad rule action", func(c *Config) { c.Alerting.Rules[0].Action = "ban" }},
		{"zero threshold", func(c *Config) { c.Alerting.Rules[0].Threshold = 0 }},
		{"anomaly threshold above one", func(c *Config) { c.Behavior.AnomalyThreshold = 1.5 }},
		{"bad cidr", func(c *Config) { c.IPAccess.AllowedCIDRs = []string{"10.0.0.0/33"} }},
		{"bad ip", func(c *Config) { c.IPAccess.BlockedIPs = []string{"not-an-ip"} }},
		{"redis without addr", func(c *Config) {
			c.RateLimit.Store = "redis"
			c.Redis.Addr = ""
		}},
		{"stream without topic", func(c *Config) {
			c.Audit.Stream = true
			c.Kafka.Topic = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_DisabledRateLimitSkipsBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.RateLimit.MaxRequests = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled rate limiter should not require bounds, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signguard.yaml")
	content := `
rate_limit:
  enabled: true
  window: 30s
  max_requests: 5
  store: memory
alerting:
  enabled: true
  rules:
    - id: custom
      event_type: validation_failure
      threshold: 2
      time_window_minutes: 1
      severity: low
      action: log
ip_access:
  enabled: true
  allowed_cidrs: ["10.0.0.0/24"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("expected window 30s, got %v", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.MaxRequests != 5 {
		t.Errorf("expected max_requests 5, got %d", cfg.RateLimit.MaxRequests)
	}
	if len(cfg.Alerting.Rules) != 1 || cfg.Alerting.Rules[0].ID != "custom" {
		t.Errorf("expected rules to be replaced by file, got %+v", cfg.Alerting.Rules)
	}
	if len(cfg.IPAccess.AllowedCIDRs) != 1 {
		t.Errorf("expected one allowed CIDR, got %v", cfg.IPAccess.AllowedCIDRs)
	}
	// Untouched sections keep defaults.
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.HTTPPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoadFile_MissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.RateLimit.MaxRequests != 100 {
		t.Errorf("expected defaults, got %d", cfg.RateLimit.MaxRequests)
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("rate_limit: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNGUARD_HTTP_PORT", "9090")
	t.Setenv("SIGNGUARD_LOG_LEVEL", "debug")
	t.Setenv("SIGNGUARD_RATELIMIT_MAX", "42")
	t.Setenv("SIGNGUARD_RATELIMIT_STORE", "redis")
	t.Setenv("SIGNGUARD_REDIS_ADDR", "redis:6379")
	t.Setenv("SIGNGUARD_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.RateLimit.MaxRequests != 42 {
		t.Errorf("expected max 42, got %d", cfg.RateLimit.MaxRequests)
	}
	if cfg.RateLimit.Store != "redis" || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("expected redis store at redis:6379, got %s at %s", cfg.RateLimit.Store, cfg.Redis.Addr)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
}
