package storage

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"signguard/internal/config"
)

// NewRedisClient creates a go-redis client from configuration and verifies
// the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, WrapConnectionError("RedisPing", err)
	}
	return client, nil
}

// HashKey builds a fixed-length Redis key for an arbitrary caller key.
// Caller keys may carry IPs and user ids, so they are hashed with BLAKE2b
// rather than stored verbatim.
func HashKey(prefix, namespace, key string) string {
	sum := blake2b.Sum256([]byte(key))
	return prefix + namespace + ":" + hex.EncodeToString(sum[:16])
}
