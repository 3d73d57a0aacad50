package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Name returns the provider name.
func (e *EnvProvider) Name() string { return "environment" }

// Get returns the variable named by key, normalised to upper case with dots,
// dashes and slashes mapped to underscores. Empty variables count as missing.
func (e *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if v, ok := e.lookup(normalizeEnvKey(key)); ok && v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// normalizeEnvKey converts a key to environment variable form.
//   - "redis.password" -> "REDIS_PASSWORD"
//   - "slack/webhook" -> "SLACK_WEBHOOK"
func normalizeEnvKey(key string) string {
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(strings.ToUpper(key))
}
