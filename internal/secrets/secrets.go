// Package secrets resolves secret references in configuration values so
// credentials never have to be written into the config file itself.
//
// A reference has the form "env:NAME" or "file:NAME". Any other value,
// including URLs, is returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"signguard/internal/config"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

const cacheSize = 256

// Provider looks up secret values by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Options configures a Resolver.
type Options struct {
	// FileDir enables the file provider rooted at this directory.
	FileDir string
	// CacheTTL bounds how long resolved values are reused. Zero disables caching.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Resolver maps reference schemes to providers.
type Resolver struct {
	providers map[string]Provider
	cache     *expirable.LRU[string, string]
	logger    *slog.Logger
}

// NewResolver creates a resolver with the environment provider and, when
// FileDir is set, the file provider.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Resolver{
		providers: map[string]Provider{"env": NewEnvProvider()},
		logger:    opts.Logger,
	}
	if opts.FileDir != "" {
		r.providers["file"] = NewFileProvider(opts.FileDir)
	}
	if opts.CacheTTL > 0 {
		r.cache = expirable.NewLRU[string, string](cacheSize, nil, opts.CacheTTL)
	}
	return r
}

// Register adds or replaces the provider for scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.providers[scheme] = p
}

// ParseRef splits ref into scheme and key. ok is false for literal values.
func (r *Resolver) ParseRef(ref string) (scheme, key string, ok bool) {
	scheme, key, found := strings.Cut(ref, ":")
	if !found || key == "" {
		return "", ref, false
	}
	if _, known := r.providers[scheme]; !known {
		return "", ref, false
	}
	return scheme, key, true
}

// Resolve returns the value ref points to, or ref itself when it is a literal.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := r.ParseRef(ref)
	if !ok {
		return ref, nil
	}
	if r.cache != nil {
		if v, hit := r.cache.Get(ref); hit {
			return v, nil
		}
	}

	p := r.providers[scheme]
	v, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s secret %q: %w", p.Name(), key, err)
	}
	if r.cache != nil {
		r.cache.Add(ref, v)
	}
	r.logger.Debug("secret resolved", "provider", p.Name(), "key", key)
	return v, nil
}

// ResolveConfig replaces references in the credential fields of cfg:
// backend passwords, webhook URLs and headers, and the Slack webhook.
func (r *Resolver) ResolveConfig(ctx context.Context, cfg *config.Config) error {
	var errs []error
	resolve := func(field string, v *string) {
		out, err := r.Resolve(ctx, *v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*v = out
	}

	resolve("redis.password", &cfg.Redis.Password)
	resolve("clickhouse.password", &cfg.ClickHouse.Password)
	resolve("alerting.slack_webhook", &cfg.Alerting.SlackWebhook)
	for i := range cfg.Alerting.Webhooks {
		wh := &cfg.Alerting.Webhooks[i]
		resolve(fmt.Sprintf("alerting.webhooks[%d].url", i), &wh.URL)
		for name, v := range wh.Headers {
			resolve(fmt.Sprintf("alerting.webhooks[%d].headers.%s", i, name), &v)
			wh.Headers[name] = v
		}
	}
	return errors.Join(errs...)
}
