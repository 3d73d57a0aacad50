// Package config handles configuration loading for signguard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Audit      AuditConfig      `yaml:"audit"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Behavior   BehaviorConfig   `yaml:"behavior"`
	IPAccess   IPAccessConfig   `yaml:"ip_access"`
	Geo        GeoConfig        `yaml:"geo"`
	Incident   IncidentConfig   `yaml:"incident"`
	Headers    HeadersConfig    `yaml:"security_headers"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

// ServerConfig holds HTTP server configuration for the demo binary.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// RateLimitConfig holds token bucket rate limiting settings.
// Capacity is MaxRequests and the refill rate is MaxRequests per Window.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	MaxRequests   int           `yaml:"max_requests" validate:"min=0"`
	KeyStrategy   string        `yaml:"key_strategy" validate:"omitempty,oneof=ip_subject ip route organization"`
	Store         string        `yaml:"store" validate:"omitempty,oneof=memory redis"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	SweepBatch    int           `yaml:"sweep_batch" validate:"min=0"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// AuditConfig holds audit logger settings.
type AuditConfig struct {
	Source          string   `yaml:"source"`
	Console         bool     `yaml:"console"`
	FilePath        string   `yaml:"file_path"`
	Store           bool     `yaml:"store"`  // ClickHouse sink
	Stream          bool     `yaml:"stream"` // Kafka sink
	Async           bool     `yaml:"async"`
	QueueSize       int      `yaml:"queue_size" validate:"min=0"`
	SensitiveFields []string `yaml:"sensitive_fields"`
}

// AlertingConfig holds threshold alert settings.
type AlertingConfig struct {
	Enabled       bool              `yaml:"enabled"`
	Store         string            `yaml:"store" validate:"omitempty,oneof=memory redis"`
	CleanupPeriod time.Duration     `yaml:"cleanup_period"`
	Rules         []AlertRuleConfig `yaml:"rules" validate:"dive"`
	Webhooks      []WebhookConfig   `yaml:"webhooks" validate:"dive"`
	SlackWebhook  string            `yaml:"slack_webhook" validate:"omitempty,url"`
}

// AlertRuleConfig is the configuration form of an alert rule.
type AlertRuleConfig struct {
	ID                string `yaml:"id"`
	EventType         string `yaml:"event_type" validate:"required"`
	Threshold         int    `yaml:"threshold" validate:"min=1"`
	TimeWindowMinutes int    `yaml:"time_window_minutes" validate:"min=1"`
	Severity          string `yaml:"severity" validate:"oneof=low medium high critical"`
	Action            string `yaml:"action" validate:"oneof=log alert block"`
}

// WebhookConfig configures a generic webhook notification channel.
type WebhookConfig struct {
	Name    string            `yaml:"name" validate:"required"`
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// BehaviorConfig holds behavioral analysis settings.
type BehaviorConfig struct {
	Enabled            bool          `yaml:"enabled"`
	LearningPeriodDays int           `yaml:"learning_period_days" validate:"min=0"`
	AnomalyThreshold   float64       `yaml:"anomaly_threshold" validate:"gte=0,lte=1"`
	AdaptiveBlocking   bool          `yaml:"adaptive_blocking"`
	MaxProfiles        int           `yaml:"max_profiles" validate:"min=0"`
	ProfileTTL         time.Duration `yaml:"profile_ttl"`
	SweepPeriod        time.Duration `yaml:"sweep_period"`
}

// IPAccessConfig holds IP allow/deny settings.
type IPAccessConfig struct {
	Enabled         bool     `yaml:"enabled"`
	AllowedIPs      []string `yaml:"allowed_ips" validate:"dive,ip"`
	AllowedCIDRs    []string `yaml:"allowed_cidrs" validate:"dive,cidr"`
	BlockedIPs      []string `yaml:"blocked_ips" validate:"dive,ip"`
	BlockedCIDRs    []string `yaml:"blocked_cidrs" validate:"dive,cidr"`
	BlockUnknownIPs bool     `yaml:"block_unknown_ips"`
	ExemptPaths     []string `yaml:"exempt_paths"`
}

// GeoConfig holds geofencing and reputation settings.
type GeoConfig struct {
	Enabled             bool          `yaml:"enabled"`
	AllowedCountries    []string      `yaml:"allowed_countries" validate:"dive,len=2"`
	BlockedCountries    []string      `yaml:"blocked_countries" validate:"dive,len=2"`
	AllowedRegions      []string      `yaml:"allowed_regions"`
	BlockedRegions      []string      `yaml:"blocked_regions"`
	StrictMode          bool          `yaml:"strict_mode"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	CacheSize           int           `yaml:"cache_size" validate:"min=0"`
	ReputationThreshold float64       `yaml:"reputation_threshold" validate:"gte=0,lte=1"`
}

// IncidentConfig holds incident orchestration settings.
type IncidentConfig struct {
	EscalationInterval time.Duration `yaml:"escalation_interval"`
	AutoOpenOnBlock    bool          `yaml:"auto_open_on_block"`
	QuarantineTTL      time.Duration `yaml:"quarantine_ttl"`
	BlockTTL           time.Duration `yaml:"block_ttl"`
}

// HeadersConfig holds the security response headers set on every request.
// Empty values omit the header.
type HeadersConfig struct {
	Enabled               bool              `yaml:"enabled"`
	HSTSMaxAge            int               `yaml:"hsts_max_age" validate:"min=0"`
	HSTSIncludeSubdomains bool              `yaml:"hsts_include_subdomains"`
	ContentSecurityPolicy string            `yaml:"content_security_policy"`
	FrameOptions          string            `yaml:"frame_options" validate:"omitempty,oneof=DENY SAMEORIGIN"`
	ReferrerPolicy        string            `yaml:"referrer_policy"`
	PermissionsPolicy     string            `yaml:"permissions_policy"`
	Custom                map[string]string `yaml:"custom"`
}

// SecretsConfig controls how env: and file: references in credential
// fields are resolved.
type SecretsConfig struct {
	FileDir  string        `yaml:"file_dir"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Window:        time.Minute,
			MaxRequests:   100,
			KeyStrategy:   "ip_subject",
			Store:         "memory",
			CleanupPeriod: time.Minute,
			SweepBatch:    1000,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Audit: AuditConfig{
			Source:    "signguard",
			Console:   true,
			Async:     false,
			QueueSize: 10000,
		},
		Alerting: AlertingConfig{
			Enabled:       true,
			Store:         "memory",
			CleanupPeriod: time.Minute,
			Rules:         DefaultAlertRules(),
		},
		Behavior: BehaviorConfig{
			Enabled:            true,
			LearningPeriodDays: 7,
			AnomalyThreshold:   0.7,
			AdaptiveBlocking:   false,
			MaxProfiles:        100000,
			ProfileTTL:         90 * 24 * time.Hour,
			SweepPeriod:        time.Hour,
		},
		IPAccess: IPAccessConfig{
			Enabled:     true,
			ExemptPaths: []string{"/health"},
		},
		Geo: GeoConfig{
			Enabled:             false,
			CacheTTL:            time.Hour,
			CacheSize:           10000,
			ReputationThreshold: 0.8,
		},
		Incident: IncidentConfig{
			EscalationInterval: time.Minute,
			AutoOpenOnBlock:    true,
			QuarantineTTL:      24 * time.Hour,
			BlockTTL:           time.Hour,
		},
		Headers: HeadersConfig{
			Enabled:               true,
			HSTSMaxAge:            31536000,
			HSTSIncludeSubdomains: true,
			ContentSecurityPolicy: "default-src 'self'; frame-ancestors 'none'",
			FrameOptions:          "DENY",
			ReferrerPolicy:        "strict-origin-when-cross-origin",
			PermissionsPolicy:     "geolocation=(), microphone=(), camera=()",
		},
		Secrets: SecretsConfig{
			FileDir:  "/run/secrets",
			CacheTTL: 5 * time.Minute,
		},
		Redis:      DefaultRedisConfig(),
		ClickHouse: DefaultClickHouseConfig(),
		Kafka:      DefaultKafkaConfig(),
	}
}

// DefaultAlertRules returns the built-in threshold rules.
func DefaultAlertRules() []AlertRuleConfig {
	return []AlertRuleConfig{
		{ID: "auth-failure-burst", EventType: "authentication_failure", Threshold: 3, TimeWindowMinutes: 5, Severity: "high", Action: "alert"},
		{ID: "authz-failure-burst", EventType: "authorization_failure", Threshold: 10, TimeWindowMinutes: 10, Severity: "high", Action: "alert"},
		{ID: "privilege-escalation", EventType: "privilege_escalation", Threshold: 1, TimeWindowMinutes: 1, Severity: "critical", Action: "block"},
		{ID: "rate-limit-abuse", EventType: "rate_limit_exceeded", Threshold: 20, TimeWindowMinutes: 1, Severity: "medium", Action: "block"},
	}
}

// Path returns the configuration file location: SIGNGUARD_CONFIG_PATH or
// configs/signguard.yaml.
func Path() string {
	if p := os.Getenv("SIGNGUARD_CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/signguard.yaml"
}

// Load loads configuration from Path or returns defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile loads configuration from path. A missing file yields defaults.
// Environment overrides are applied in both cases.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SIGNGUARD_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.HTTPPort = p
		}
	}

	if level := os.Getenv("SIGNGUARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// Rate limit settings
	if enabled := os.Getenv("SIGNGUARD_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}
	if max := os.Getenv("SIGNGUARD_RATELIMIT_MAX"); max != "" {
		if n, err := strconv.Atoi(max); err == nil {
			c.RateLimit.MaxRequests = n
		}
	}
	if store := os.Getenv("SIGNGUARD_RATELIMIT_STORE"); store != "" {
		c.RateLimit.Store = store
	}

	// Backends
	if addr := os.Getenv("SIGNGUARD_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("SIGNGUARD_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.ClickHouse.Hosts = []string{host}
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.ClickHouse.Password = pass
	}
	if brokers := os.Getenv("SIGNGUARD_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.RateLimit.Enabled && (c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0) {
		return fmt.Errorf("invalid config: rate_limit.window and rate_limit.max_requests must be positive")
	}

	if c.RateLimit.Store == "redis" || c.Alerting.Store == "redis" {
		if c.Redis.Addr == "" {
			return fmt.Errorf("invalid config: redis.addr is required when a redis store is selected")
		}
	}
	if c.Audit.Store && len(c.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("invalid config: clickhouse.hosts is required when audit.store is enabled")
	}
	if c.Audit.Stream && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("invalid config: kafka brokers and topic are required when audit.stream is enabled")
	}

	return nil
}
