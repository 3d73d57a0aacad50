// Package guard builds the signguard components once from configuration and
// wires them into a single request pipeline.
package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"signguard/internal/access"
	"signguard/internal/alerting"
	"signguard/internal/audit"
	"signguard/internal/behavior"
	"signguard/internal/config"
	"signguard/internal/event"
	"signguard/internal/incident"
	"signguard/internal/logging"
	"signguard/internal/metrics"
	"signguard/internal/middleware"
	"signguard/internal/ratelimit"
	"signguard/internal/storage"
	"signguard/internal/stream"
)

// Options carries collaborators that cannot be built from configuration.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Geo        access.GeoResolver
	Reputation access.ReputationFeed
	// Redis replaces the client built from the redis section.
	Redis redis.UniversalClient
	// Sinks are appended to the configured audit sinks.
	Sinks []audit.Sink
}

// VulnerabilityFeed returns the current findings of a scanner.
type VulnerabilityFeed interface {
	Findings(ctx context.Context) ([]incident.Vulnerability, error)
}

// Guard owns every component of the security layer.
type Guard struct {
	Config     *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Audit      *audit.Logger
	Limiter    *ratelimit.Limiter
	Alerts     *alerting.Engine
	Dispatcher *alerting.Dispatcher
	Analyzer   *behavior.Analyzer
	Access     *access.Checker
	Incidents  *incident.Manager
	Escalation *incident.EscalationEngine
	Playbooks  *incident.PlaybookRunner
	Quarantine *incident.Quarantine
	Observer   *middleware.Observer
	Pipeline   *middleware.Pipeline

	// incidentMu serialises find-or-open so one threat cluster maps to one incident.
	incidentMu sync.Mutex
	closers    []namedCloser
	closeOnce  sync.Once
	closeErr   error
}

type namedCloser struct {
	name string
	fn   func() error
}

// New builds a guard. On error every component built so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Guard, err error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	g := &Guard{
		Config:  cfg,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	}
	defer func() {
		if err != nil {
			g.Close()
		}
	}()

	rdb, err := g.redisClient(cfg, opts)
	if err != nil {
		return nil, err
	}

	sinks, err := g.auditSinks(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, opts.Sinks...)

	g.Audit = audit.New(audit.Options{
		Sinks:           sinks,
		Fallback:        audit.NewConsoleSink(g.Logger),
		SensitiveFields: cfg.Audit.SensitiveFields,
		Async:           cfg.Audit.Async,
		QueueSize:       cfg.Audit.QueueSize,
		Metrics:         g.Metrics,
		Logger:          g.Logger,
	})
	g.onClose("audit", g.Audit.Close)

	if err := g.buildAlerting(cfg, rdb); err != nil {
		return nil, err
	}

	g.Observer = middleware.NewObserver(middleware.ObserverOptions{
		Source:   cfg.Audit.Source,
		Auditor:  g.Audit,
		Alerts:   g.Alerts,
		OnAlerts: g.handleAlerts,
		Logger:   g.Logger,
	})

	if err := g.buildLimiter(cfg, rdb); err != nil {
		return nil, err
	}

	g.Analyzer, err = behavior.NewAnalyzer(cfg.Behavior, behavior.Options{
		Auditor: g.Observer,
		Metrics: g.Metrics,
		Logger:  g.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("behavior analyzer: %w", err)
	}
	g.onClose("behavior", g.Analyzer.Close)

	g.Access, err = access.NewChecker(cfg.IPAccess, cfg.Geo, access.CheckerOptions{
		Geo:        opts.Geo,
		Reputation: opts.Reputation,
		Metrics:    g.Metrics,
		Logger:     g.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("access checker: %w", err)
	}

	if err := g.buildIncidents(cfg); err != nil {
		return nil, err
	}

	g.Pipeline = middleware.NewPipeline(middleware.PipelineOptions{
		TrustProxy: cfg.RateLimit.TrustProxy,
		Observer:   g.Observer,
		Metrics:    g.Metrics,
		Logger:     g.Logger,
	}, g.middlewares(cfg)...)

	g.Logger.Info("guard initialized",
		"pipeline", g.Pipeline.Names(),
		"rate_limit_store", cfg.RateLimit.Store,
		"alert_rules", len(g.Alerts.Rules()),
		"audit_sinks", len(sinks),
	)
	return g, nil
}

func (g *Guard) redisClient(cfg *config.Config, opts Options) (redis.UniversalClient, error) {
	if opts.Redis != nil {
		return opts.Redis, nil
	}
	if cfg.RateLimit.Store != "redis" && cfg.Alerting.Store != "redis" {
		return nil, nil
	}
	client, err := storage.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	g.onClose("redis", client.Close)
	return client, nil
}

func (g *Guard) auditSinks(ctx context.Context, cfg *config.Config) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.Audit.Console {
		sinks = append(sinks, audit.NewConsoleSink(g.Logger))
	}
	if cfg.Audit.FilePath != "" {
		fs, err := audit.NewFileSink(cfg.Audit.FilePath)
		if err != nil {
			return nil, fmt.Errorf("audit file sink: %w", err)
		}
		g.onClose("audit_file", fs.Close)
		sinks = append(sinks, fs)
	}

	if cfg.Audit.Store {
		client, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		g.onClose("clickhouse", client.Close)

		if err := client.EnsureDatabase(ctx); err != nil {
			return nil, fmt.Errorf("clickhouse database: %w", err)
		}
		if err := storage.NewMigrator(client, g.Logger).Run(ctx); err != nil {
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		storage.ApplyRetention(ctx, client, cfg.ClickHouse.Retention, g.Logger)

		store := storage.NewAuditStore(client, storage.BatchWriterConfigFrom(cfg.ClickHouse), g.Logger)
		g.onClose("audit_store", store.Close)
		sinks = append(sinks, audit.NewStoreSink(store))
	}

	if cfg.Audit.Stream {
		producer, err := stream.NewProducer(cfg.Kafka, g.Logger)
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		g.onClose("kafka", producer.Close)
		sinks = append(sinks, audit.NewStreamSink(producer))
	}
	return sinks, nil
}

func (g *Guard) buildAlerting(cfg *config.Config, rdb redis.UniversalClient) error {
	channels := []alerting.Channel{alerting.NewLogChannel(g.Logger)}
	for _, wh := range cfg.Alerting.Webhooks {
		channels = append(channels, alerting.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	if cfg.Alerting.SlackWebhook != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Alerting.SlackWebhook))
	}
	g.Dispatcher = alerting.NewDispatcher(alerting.DefaultDeliveryConfig(), channels, g.Logger)
	g.onClose("dispatcher", func() error {
		g.Dispatcher.Stop()
		return nil
	})

	var rules []alerting.Rule
	if cfg.Alerting.Enabled {
		var err error
		if rules, err = alerting.RulesFromConfig(cfg.Alerting.Rules); err != nil {
			return err
		}
	}

	var counters alerting.CounterStore
	if cfg.Alerting.Store == "redis" && rdb != nil {
		counters = alerting.NewRedisCounterStore(rdb, cfg.Redis.KeyPrefix)
	} else {
		counters = alerting.NewMemoryCounterStore(cfg.Alerting.CleanupPeriod, g.Logger)
	}
	g.onClose("alert_counters", counters.Close)

	engine, err := alerting.NewEngine(rules, alerting.Options{
		Store:      counters,
		Auditor:    g.Audit,
		Dispatcher: g.Dispatcher,
		Metrics:    g.Metrics,
		Logger:     g.Logger,
		Redactor:   logging.NewRedactor(cfg.Audit.SensitiveFields),
	})
	if err != nil {
		return err
	}
	g.Alerts = engine
	return nil
}

func (g *Guard) buildLimiter(cfg *config.Config, rdb redis.UniversalClient) error {
	if !cfg.RateLimit.Enabled {
		return nil
	}

	var store ratelimit.Store
	if cfg.RateLimit.Store == "redis" && rdb != nil {
		store = ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	} else {
		store = ratelimit.NewMemoryStore(ratelimit.MemoryOptions{
			CleanupPeriod: cfg.RateLimit.CleanupPeriod,
			SweepBatch:    cfg.RateLimit.SweepBatch,
			Logger:        g.Logger,
		})
	}
	g.onClose("ratelimit_store", store.Close)

	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, store, ratelimit.Options{
		Auditor: g.Observer,
		Metrics: g.Metrics,
		Logger:  g.Logger,
	})
	if err != nil {
		return err
	}
	g.Limiter = limiter
	return nil
}

func (g *Guard) buildIncidents(cfg *config.Config) error {
	g.Incidents = incident.NewManager(incident.ManagerOptions{
		Auditor: g.Audit,
		Metrics: g.Metrics,
		Logger:  g.Logger,
	})
	g.Quarantine = incident.NewQuarantine()

	executor := incident.NewExecutor(g.Incidents, incident.ExecutorOptions{
		Notifier:      g.Dispatcher,
		Blocker:       g.Access.Filter(),
		Quarantiner:   g.Quarantine,
		BlockTTL:      cfg.Incident.BlockTTL,
		QuarantineTTL: cfg.Incident.QuarantineTTL,
		Metrics:       g.Metrics,
		Logger:        g.Logger,
	})

	var err error
	g.Escalation, err = incident.NewEscalationEngine(g.Incidents, executor, incident.DefaultEscalationRules(), g.Logger)
	if err != nil {
		return err
	}
	g.onClose("escalation", func() error {
		g.Escalation.Stop()
		return nil
	})

	g.Playbooks, err = incident.NewPlaybookRunner(g.Incidents, executor, incident.DefaultPlaybooks(), g.Logger)
	return err
}

func (g *Guard) middlewares(cfg *config.Config) []middleware.Middleware {
	var mws []middleware.Middleware
	if cfg.Headers.Enabled {
		mws = append(mws, middleware.NewSecurityHeaders(cfg.Headers))
	}
	if g.Limiter != nil {
		mws = append(mws, middleware.NewRateLimit(g.Limiter, cfg.RateLimit.ExemptPaths, g.Observer, g.Logger))
	}
	mws = append(mws, middleware.NewAccessControl(g.Access, g.Quarantine, g.Observer, g.Logger))
	if cfg.Behavior.Enabled {
		mws = append(mws, middleware.NewBehavior(g.Analyzer, g.Logger))
	}
	return mws
}

// Handler wraps next with the security pipeline.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return g.Pipeline.Wrap(next)
}

// Start launches background work.
func (g *Guard) Start() {
	g.Escalation.Start(g.Config.Incident.EscalationInterval)
}

// handleAlerts turns blocking or critical alerts into incidents.
func (g *Guard) handleAlerts(ctx context.Context, ev event.SecurityEvent, res alerting.Result) {
	if !g.Config.Incident.AutoOpenOnBlock {
		return
	}
	for _, a := range res.Alerts {
		if a.Action != alerting.ActionBlock && a.Severity != event.SeverityCritical {
			continue
		}
		th := incident.ThreatFromAlert(a)
		if _, err := g.HandleThreat(ctx, th); err != nil {
			g.Logger.Error("failed to open incident for alert",
				"alert_id", a.ID,
				"rule_id", a.RuleID,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
}

// HandleThreat attaches th to an active incident sharing one of its
// indicators, or opens a new one, then runs escalation rules and the
// playbooks bound to the threat type.
func (g *Guard) HandleThreat(ctx context.Context, th incident.Threat) (incident.Incident, error) {
	g.incidentMu.Lock()
	inc, err := g.attachOrOpen(ctx, th)
	g.incidentMu.Unlock()
	if err != nil {
		return incident.Incident{}, err
	}

	if _, err := g.Escalation.Evaluate(ctx, inc.ID); err != nil {
		g.Logger.Error("escalation evaluation failed", "incident_id", inc.ID, "error", err)
	}
	run := g.Playbooks.RunPlaybooks(ctx, inc.ID, th)
	if len(run.Executed) > 0 || len(run.Pending) > 0 {
		g.Logger.Info("playbooks matched threat",
			"incident_id", inc.ID,
			"threat_type", th.Type,
			"executed", run.Executed,
			"pending", len(run.Pending),
			"failures", run.Failures,
		)
	}

	if latest, ok := g.Incidents.Get(inc.ID); ok {
		return latest, nil
	}
	return inc, nil
}

func (g *Guard) attachOrOpen(ctx context.Context, th incident.Threat) (incident.Incident, error) {
	for _, inc := range g.Incidents.List(incident.Filter{ActiveOnly: true}) {
		if sharesIndicator(inc, th) {
			return g.Incidents.AddThreat(ctx, inc.ID, th, incident.SystemActor)
		}
	}
	return g.Incidents.OpenFromThreat(ctx, th, incident.SystemActor)
}

func sharesIndicator(inc incident.Incident, th incident.Threat) bool {
	if len(th.Indicators) == 0 {
		return false
	}
	want := make(map[string]bool, len(th.Indicators))
	for _, ind := range th.Indicators {
		want[ind.Type+"|"+ind.Value] = true
	}
	for _, existing := range inc.Threats {
		for _, ind := range existing.Indicators {
			if want[ind.Type+"|"+ind.Value] {
				return true
			}
		}
	}
	return false
}

// IngestVulnerabilities pulls findings from feed and handles each one as a
// threat. It returns the ids of the incidents touched.
func (g *Guard) IngestVulnerabilities(ctx context.Context, feed VulnerabilityFeed) ([]string, error) {
	findings, err := feed.Findings(ctx)
	if err != nil {
		return nil, fmt.Errorf("vulnerability feed: %w", err)
	}

	var ids []string
	var errs []error
	for _, th := range incident.ThreatsFromVulnerabilities(findings) {
		inc, err := g.HandleThreat(ctx, th)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, inc.ID)
	}
	return ids, errors.Join(errs...)
}

func (g *Guard) onClose(name string, fn func() error) {
	g.closers = append(g.closers, namedCloser{name: name, fn: fn})
}

// Close stops background work and releases backends in reverse build order.
// It is safe to call more than once.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		var errs []error
		for i := len(g.closers) - 1; i >= 0; i-- {
			c := g.closers[i]
			if err := c.fn(); err != nil {
				g.Logger.Error("failed to close component", "component", c.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			}
		}
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

var _ io.Closer = (*Guard)(nil)
