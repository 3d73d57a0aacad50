// Package storage provides the shared backends of signguard: ClickHouse for
// the queryable audit store and Redis for distributed limiter and counter state.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"signguard/internal/config"
)

const (
	defaultAuditTable = "security_events"
	pingTimeout       = 5 * time.Second
)

// ClickHouseClient is the audit store connection. The audit table name is
// resolved once at construction.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	table    string
}

// NewClickHouseClient opens a connection pool and pings it. The ping is
// bounded by ctx and by a short timeout so start-up never hangs on a dead host.
func NewClickHouseClient(ctx context.Context, cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(clientOptions(cfg))
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return newClient(conn, cfg), nil
}

func newClient(conn driver.Conn, cfg config.ClickHouseConfig) *ClickHouseClient {
	table := identifier(cfg.Table)
	if table == "" {
		table = defaultAuditTable
	}
	return &ClickHouseClient{
		conn:     conn,
		database: identifier(cfg.Database),
		table:    table,
	}
}

func clientOptions(cfg config.ClickHouseConfig) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "signguard", Version: "1.0"}},
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 30,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Close releases the connection pool.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping reports whether the server answers.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec runs a statement that returns no rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query runs a statement and returns its rows; callers close them.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// PrepareBatch starts a batch insert.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Table is the audit table name.
func (c *ClickHouseClient) Table() string {
	return c.table
}

// EnsureDatabase creates the configured database when missing.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	if c.database == "" {
		return nil
	}
	return c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.database))
}

// identifier keeps only ASCII letters, digits and underscores so config
// values can be spliced into DDL.
func identifier(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch b := name[i]; {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9', b == '_':
			out = append(out, b)
		}
	}
	return string(out)
}
