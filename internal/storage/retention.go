package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ApplyRetention sets a delete TTL on the audit and quarantine tables.
// A non-positive ttl leaves the tables untouched. Failures are logged and
// do not abort start-up.
func ApplyRetention(ctx context.Context, client *ClickHouseClient, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	days := int(ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}

	policies := []struct {
		table  string
		column string
	}{
		{client.Table(), "timestamp"},
		{client.Table() + "_quarantine", "quarantined_at"},
	}

	for _, p := range policies {
		query := fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE", p.table, p.column, days)
		if err := client.Exec(ctx, query); err != nil {
			logger.Warn("failed to apply retention policy", "table", p.table, "ttl_days", days, "error", err)
			continue
		}
		logger.Info("applied retention policy", "table", p.table, "ttl_days", days)
	}
}
