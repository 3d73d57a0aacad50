// Package main is the entry point for the signguard demo service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signguard/internal/config"
	"signguard/internal/guard"
	"signguard/internal/incident"
	"signguard/internal/logging"
	"signguard/internal/metrics"
	"signguard/internal/middleware"
	"signguard/internal/secrets"
	"signguard/internal/startup"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		configPath  string
		checkOnly   bool
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&configPath, "config", "", "Path to the configuration file (overrides SIGNGUARD_CONFIG_PATH)")
	flag.BoolVar(&checkOnly, "check", false, "Run startup diagnostics and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("signguard %s\n", version)
		os.Exit(0)
	}
	if configPath != "" {
		os.Setenv("SIGNGUARD_CONFIG_PATH", configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	resolver := secrets.NewResolver(secrets.Options{
		FileDir:  cfg.Secrets.FileDir,
		CacheTTL: cfg.Secrets.CacheTTL,
		Logger:   logger,
	})
	if err := resolver.ResolveConfig(context.Background(), cfg); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	startup.PrintBanner(version)
	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(context.Background())
	if checkOnly {
		if diag.HasErrors() {
			os.Exit(1)
		}
		os.Exit(0)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	g, err := guard.New(initCtx, cfg, guard.Options{Logger: logger, Metrics: m})
	initCancel()
	if err != nil {
		logger.Error("failed to initialize guard", "error", err)
		os.Exit(1)
	}
	g.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheck)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /documents/{id}", getDocument)
	mux.HandleFunc("POST /documents/{id}/sign", signDocument)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           withDemoIdentity(g.Handler(mux)),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting signguard", "address", server.Addr, "version", version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := g.Close(); err != nil {
		logger.Error("guard close error", "error", err)
	}

	logged, failures := g.Audit.Stats()
	sent, failed := g.Dispatcher.Stats()
	logger.Info("shutdown complete",
		"audit_events", logged,
		"audit_sink_failures", failures,
		"notifications_sent", sent,
		"notifications_failed", failed,
		"incidents", len(g.Incidents.List(incident.Filter{})),
	)
}

// withDemoIdentity trusts X-User-ID and X-Organization-ID as the caller's
// identity. It stands in for an authentication layer.
func withDemoIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-User-ID"); user != "" {
			r = r.WithContext(middleware.WithIdentity(r.Context(), middleware.Identity{
				UserID:         user,
				OrganizationID: r.Header.Get("X-Organization-ID"),
			}))
		}
		next.ServeHTTP(w, r)
	})
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    r.PathValue("id"),
		"owner": id.UserID,
	})
}

func signDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}
	if id.OrganizationID == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":        r.PathValue("id"),
		"signed_by": id.UserID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}
