package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"signguard/internal/event"
)

// Filter selects audit events. Zero-valued fields do not restrict.
type Filter struct {
	Since          time.Time
	Until          time.Time
	Types          []event.Type
	MinSeverity    event.Severity
	UserID         string
	OrganizationID string
	IPAddress      string
	Limit          int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 10000
)

// AuditStore is the queryable external store for security events.
type AuditStore struct {
	client     *ClickHouseClient
	writer     *BatchWriter
	quarantine *QuarantineWriter
	validator  *event.Validator
	logger     *slog.Logger
}

// NewAuditStore creates an audit store writing through a batch writer.
func NewAuditStore(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *AuditStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditStore{
		client:     client,
		writer:     NewBatchWriter(client, cfg, logger),
		quarantine: NewQuarantineWriter(client),
		validator:  event.NewValidator(),
		logger:     logger,
	}
}

// Append validates and buffers an event. Invalid events are written to the
// quarantine table instead and reported as an error.
func (s *AuditStore) Append(ctx context.Context, ev event.SecurityEvent) error {
	if err := s.validator.Validate(ev); err != nil {
		if qerr := s.quarantine.Write(ctx, ev, event.ValidationErrors(err)); qerr != nil {
			s.logger.Warn("failed to quarantine audit event", "id", ev.ID, "error", qerr)
		}
		return err
	}
	return s.writer.Write(ev)
}

// Query returns events matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, f Filter) ([]event.SecurityEvent, error) {
	query, args := buildAuditQuery(s.client.Table(), f)

	rows, err := s.client.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("Query", s.client.Table(), err)
	}
	defer rows.Close()

	var out []event.SecurityEvent
	for rows.Next() {
		var (
			id         uuid.UUID
			ev         event.SecurityEvent
			typ, sev   string
			statusCode uint16
			metadata   string
		)
		if err := rows.Scan(
			&id, &ev.Timestamp, &typ, &sev, &ev.Source,
			&ev.UserID, &ev.OrganizationID, &ev.IPAddress, &ev.UserAgent,
			&ev.RequestID, &ev.Path, &ev.Method, &statusCode, &ev.Message, &metadata,
		); err != nil {
			return nil, WrapQueryError("Scan", s.client.Table(), err)
		}
		ev.ID = id.String()
		ev.Type = event.Type(typ)
		ev.Severity = event.Severity(sev)
		ev.StatusCode = int(statusCode)
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
				s.logger.Debug("discarding unreadable audit metadata", "id", ev.ID, "error", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Rows", s.client.Table(), err)
	}
	return out, nil
}

// Flush forces buffered events out.
func (s *AuditStore) Flush() error {
	return s.writer.Flush()
}

// Metrics returns the batch writer statistics.
func (s *AuditStore) Metrics() BatchWriterMetrics {
	return s.writer.Metrics()
}

// Close flushes and stops the writer. The client is owned by the caller.
func (s *AuditStore) Close() error {
	return s.writer.Close()
}

// severitiesFrom lists every severity at least as high as min.
func severitiesFrom(min event.Severity) []string {
	var out []string
	for _, s := range []event.Severity{event.SeverityLow, event.SeverityMedium, event.SeverityHigh, event.SeverityCritical} {
		if s.AtLeast(min) {
			out = append(out, string(s))
		}
	}
	return out
}

func buildAuditQuery(table string, f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, f.Until)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "type IN (?)")
		args = append(args, types)
	}
	if f.MinSeverity.IsValid() && f.MinSeverity != event.SeverityLow {
		where = append(where, "severity IN (?)")
		args = append(args, severitiesFrom(f.MinSeverity))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.IPAddress != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IPAddress)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT id, timestamp, type, severity, source,
		user_id, organization_id, ip_address, user_agent,
		request_id, path, method, status_code, message, metadata
		FROM %s`, table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY timestamp DESC LIMIT %d", limit)
	return b.String(), args
}
