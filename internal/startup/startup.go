// Package startup provides verbose startup diagnostics
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"signguard/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a connection; backend reachability checks use it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

const dialTimeout = 3 * time.Second

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
	dial    DialFunc
	listen  func(network, addr string) (net.Listener, error)
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Diagnostics{
		cfg:    cfg,
		logger: logger,
		dial:   d.DialContext,
		listen: net.Listen,
	}
}

// WithDialer replaces the dialer used for backend checks.
func (d *Diagnostics) WithDialer(dial DialFunc) *Diagnostics {
	d.dial = dial
	return d
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("=== signguard startup diagnostics ===")

	d.checkSystem()
	d.checkConfiguration()
	d.checkPorts()
	d.checkAudit()
	d.checkSecurityConfiguration()
	d.checkModules()
	d.checkBackends(ctx)

	d.printSummary()
	return d.results
}

// Results returns the results collected so far.
func (d *Diagnostics) Results() []DiagnosticResult {
	return append([]DiagnosticResult(nil), d.results...)
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version":     runtime.Version(),
			"os":             runtime.GOOS,
			"arch":           runtime.GOARCH,
			"cpus":           strconv.Itoa(runtime.NumCPU()),
			"sys_mb":         fmt.Sprintf("%.2f", float64(m.Sys)/1024/1024),
			"num_goroutines": strconv.Itoa(runtime.NumGoroutine()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	configPath := config.Path()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkPorts() {
	port := d.cfg.Server.HTTPPort
	details := map[string]string{"port": strconv.Itoa(port)}

	listener, err := d.listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "port_http",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: details,
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "port_http",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: details,
	})
}

func (d *Diagnostics) checkAudit() {
	a := d.cfg.Audit
	if !a.Console && a.FilePath == "" && !a.Store && !a.Stream {
		d.addResult(DiagnosticResult{
			Name:    "audit_sinks",
			Status:  StatusError,
			Message: "No audit sink configured - security events will only reach the fallback log",
			Details: map[string]string{"recommendation": "Enable audit.console, audit.file_path, audit.store or audit.stream"},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "audit_sinks",
			Status:  StatusOK,
			Message: "Audit sinks configured",
			Details: map[string]string{
				"console": strconv.FormatBool(a.Console),
				"file":    strconv.FormatBool(a.FilePath != ""),
				"store":   strconv.FormatBool(a.Store),
				"stream":  strconv.FormatBool(a.Stream),
			},
		})
	}

	if a.FilePath == "" {
		return
	}
	dir := filepath.Dir(a.FilePath)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0750); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "audit_file_dir",
				Status:  StatusError,
				Message: fmt.Sprintf("Failed to create audit directory: %s", err),
				Details: map[string]string{"path": dir},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "audit_file_dir",
			Status:  StatusOK,
			Message: "Audit directory created",
			Details: map[string]string{"path": dir},
		})
	case err != nil:
		d.addResult(DiagnosticResult{
			Name:    "audit_file_dir",
			Status:  StatusError,
			Message: fmt.Sprintf("Error checking audit directory: %s", err),
			Details: map[string]string{"path": dir},
		})
	case !info.IsDir():
		d.addResult(DiagnosticResult{
			Name:    "audit_file_dir",
			Status:  StatusError,
			Message: "Path exists but is not a directory",
			Details: map[string]string{"path": dir},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "audit_file_dir",
			Status:  StatusOK,
			Message: "Audit directory exists",
			Details: map[string]string{"path": dir},
		})
	}
}

func (d *Diagnostics) checkSecurityConfiguration() {
	rl := d.cfg.RateLimit
	switch {
	case !rl.Enabled:
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
			Details: map[string]string{"recommendation": "Enable rate limiting for production"},
		})
	case rl.Store == "memory":
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled with per-instance buckets",
			Details: map[string]string{
				"max_requests":   strconv.Itoa(rl.MaxRequests),
				"window":         rl.Window.String(),
				"recommendation": "Use the redis store when running more than one instance",
			},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "rate_limiting",
			Status:  StatusOK,
			Message: "Rate limiting is enabled",
			Details: map[string]string{
				"max_requests": strconv.Itoa(rl.MaxRequests),
				"window":       rl.Window.String(),
				"store":        rl.Store,
			},
		})
	}

	if rl.TrustProxy {
		d.addResult(DiagnosticResult{
			Name:    "trust_proxy",
			Status:  StatusWarning,
			Message: "Client addresses are taken from X-Forwarded-For",
			Details: map[string]string{"risk": "Clients can spoof their address unless a proxy overwrites the header"},
		})
	}

	if !d.cfg.Headers.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusWarning,
			Message: "Security headers are DISABLED",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "security_headers",
			Status:  StatusOK,
			Message: "Security headers are enabled",
		})
	}

	ip := d.cfg.IPAccess
	if !ip.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "ip_access",
			Status:  StatusWarning,
			Message: "IP access control is DISABLED - dynamic blocks will not be enforced",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "ip_access",
			Status:  StatusOK,
			Message: "IP access control is enabled",
			Details: map[string]string{
				"allow_entries": strconv.Itoa(len(ip.AllowedIPs) + len(ip.AllowedCIDRs)),
				"block_entries": strconv.Itoa(len(ip.BlockedIPs) + len(ip.BlockedCIDRs)),
			},
		})
	}

	al := d.cfg.Alerting
	switch {
	case !al.Enabled || len(al.Rules) == 0:
		d.addResult(DiagnosticResult{
			Name:    "alerting",
			Status:  StatusWarning,
			Message: "No alert rules are active",
		})
	case len(al.Webhooks) == 0 && al.SlackWebhook == "":
		d.addResult(DiagnosticResult{
			Name:    "alerting",
			Status:  StatusWarning,
			Message: "Alerts are only written to the log",
			Details: map[string]string{"recommendation": "Configure alerting.webhooks or alerting.slack_webhook"},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "alerting",
			Status:  StatusOK,
			Message: "Alert delivery is configured",
			Details: map[string]string{"rules": strconv.Itoa(len(al.Rules))},
		})
	}

	b := d.cfg.Behavior
	if b.Enabled && b.AdaptiveBlocking && b.LearningPeriodDays == 0 {
		d.addResult(DiagnosticResult{
			Name:    "behavior",
			Status:  StatusWarning,
			Message: "Adaptive blocking without a learning period may block legitimate users",
		})
	}
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"security_headers", d.cfg.Headers.Enabled},
		{"rate_limit", d.cfg.RateLimit.Enabled},
		{"ip_access", d.cfg.IPAccess.Enabled},
		{"geo", d.cfg.Geo.Enabled},
		{"behavior", d.cfg.Behavior.Enabled},
		{"alerting", d.cfg.Alerting.Enabled},
		{"audit_store", d.cfg.Audit.Store},
		{"audit_stream", d.cfg.Audit.Stream},
	}

	enabledCount := 0
	for _, m := range modules {
		status := StatusSkipped
		message := "Disabled"
		if m.enabled {
			status = StatusOK
			message = "Enabled"
			enabledCount++
		}
		d.addResult(DiagnosticResult{
			Name:    "module_" + m.name,
			Status:  status,
			Message: message,
		})
	}

	d.logger.Info("modules summary", "enabled", enabledCount, "total", len(modules))
}

func (d *Diagnostics) checkBackends(ctx context.Context) {
	if d.cfg.RateLimit.Store == "redis" || d.cfg.Alerting.Store == "redis" {
		d.probe(ctx, "redis_connectivity", "Redis", []string{d.cfg.Redis.Addr})
	}
	if d.cfg.Audit.Store {
		d.probe(ctx, "clickhouse_connectivity", "ClickHouse", d.cfg.ClickHouse.Hosts)
	}
	if d.cfg.Audit.Stream {
		d.probe(ctx, "kafka_connectivity", "Kafka", d.cfg.Kafka.Brokers)
	}
}

// probe reports OK when any of addrs accepts a TCP connection.
func (d *Diagnostics) probe(ctx context.Context, name, label string, addrs []string) {
	if len(addrs) == 0 {
		d.addResult(DiagnosticResult{
			Name:    name,
			Status:  StatusError,
			Message: fmt.Sprintf("No %s address configured", label),
		})
		return
	}

	var lastErr error
	for _, addr := range addrs {
		checkCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := d.dial(checkCtx, "tcp", addr)
		cancel()
		if err == nil {
			conn.Close()
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: fmt.Sprintf("%s is reachable", label),
				Details: map[string]string{"host": addr},
			})
			return
		}
		lastErr = err
	}
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  StatusError,
		Message: fmt.Sprintf("Cannot connect to %s: %s", label, lastErr),
		Details: map[string]string{"host": addrs[len(addrs)-1]},
	})
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("=== Diagnostics Summary ===",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - service may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

// PrintBanner prints the startup banner
func PrintBanner(version string) {
	fmt.Println(`
  ┌──────────────────────────────────────────────┐
  │  signguard                                   │
  │  security middleware for document signing    │
  └──────────────────────────────────────────────┘`)
	fmt.Printf("  Version: %s\n\n", version)
}
