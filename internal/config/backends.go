package config

import (
	"time"
)

// RedisConfig holds the shared key-value store settings used by the
// distributed rate limiter and alert counter backends.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size" validate:"min=0"`
	MinIdleConns int           `yaml:"min_idle_conns" validate:"min=0"`
	MaxRetries   int           `yaml:"max_retries"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "signguard:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   2,
	}
}

// ClickHouseConfig holds ClickHouse connection settings for the audit store.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Table           string        `yaml:"table"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	BatchSize       int           `yaml:"batch_size" validate:"min=0"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRetries      int           `yaml:"max_retries" validate:"min=0"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Retention       time.Duration `yaml:"retention"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "signguard",
		Table:           "security_events",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		BatchSize:       500,
		FlushInterval:   5 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		Retention:       365 * 24 * time.Hour,
	}
}

// KafkaConfig holds settings for streaming audit events.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	ClientID        string        `yaml:"client_id"`
	BatchSize       int           `yaml:"batch_size" validate:"min=0"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"min=0"`
	RequiredAcks    int           `yaml:"required_acks" validate:"min=-1,max=1"`
	CompressionType string        `yaml:"compression_type" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
}

// DefaultKafkaConfig returns the default Kafka configuration.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		Topic:           "signguard.security-events",
		ClientID:        "signguard",
		BatchSize:       100,
		BatchTimeout:    time.Second,
		WriteTimeout:    10 * time.Second,
		MaxAttempts:     3,
		RequiredAcks:    1,
		CompressionType: "snappy",
	}
}
