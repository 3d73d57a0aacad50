package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"signguard/internal/event"
	"signguard/internal/storage"
	"signguard/internal/stream"
)

// Sink receives redacted security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev event.SecurityEvent) error
}

// ConsoleSink writes events to a structured logger, choosing the level from
// the event severity.
type ConsoleSink struct {
	logger *slog.Logger
}

// NewConsoleSink creates a console sink. A nil logger uses slog.Default().
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger}
}

// Name returns the sink name.
func (s *ConsoleSink) Name() string { return "console" }

// Write logs the event.
func (s *ConsoleSink) Write(ctx context.Context, ev event.SecurityEvent) error {
	attrs := []any{
		"id", ev.ID,
		"type", ev.Type,
		"severity", ev.Severity,
		"source", ev.Source,
	}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID)
	}
	if ev.OrganizationID != "" {
		attrs = append(attrs, "organization_id", ev.OrganizationID)
	}
	if ev.IPAddress != "" {
		attrs = append(attrs, "ip", ev.IPAddress)
	}
	if ev.Path != "" {
		attrs = append(attrs, "method", ev.Method, "path", ev.Path)
	}
	if ev.StatusCode != 0 {
		attrs = append(attrs, "status", ev.StatusCode)
	}
	if ev.RequestID != "" {
		attrs = append(attrs, "request_id", ev.RequestID)
	}
	if len(ev.Metadata) > 0 {
		attrs = append(attrs, "metadata", ev.Metadata)
	}

	s.logger.Log(ctx, levelFor(ev.Severity), ev.Message, attrs...)
	return nil
}

func levelFor(sev event.Severity) slog.Level {
	switch sev {
	case event.SeverityCritical:
		return slog.LevelError
	case event.SeverityHigh:
		return slog.LevelWarn
	case event.SeverityMedium:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// FileSink appends events to a file as newline-delimited JSON.
type FileSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	s := &FileSink{path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	s.file = f
	return nil
}

// Name returns the sink name.
func (s *FileSink) Name() string { return "file" }

// Write appends one JSON line. After a failed write the file is reopened on
// the next call.
func (s *FileSink) Write(_ context.Context, ev event.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.open(); err != nil {
			return err
		}
	}
	if _, err := s.file.Write(data); err != nil {
		s.file.Close()
		s.file = nil
		return fmt.Errorf("failed to write audit file: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// EventStore is the queryable external store the StoreSink writes to.
type EventStore interface {
	Append(ctx context.Context, ev event.SecurityEvent) error
}

// StoreSink writes events to the external audit store.
type StoreSink struct {
	store EventStore
}

// NewStoreSink creates a sink for an audit store.
func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name returns the sink name.
func (s *StoreSink) Name() string { return "store" }

// Write appends the event to the store.
func (s *StoreSink) Write(ctx context.Context, ev event.SecurityEvent) error {
	return s.store.Append(ctx, ev)
}

var _ EventStore = (*storage.AuditStore)(nil)

// Publisher streams events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, ev event.SecurityEvent) error
}

// StreamSink publishes events to Kafka.
type StreamSink struct {
	publisher Publisher
}

// NewStreamSink creates a sink for a publisher.
func NewStreamSink(p Publisher) *StreamSink {
	return &StreamSink{publisher: p}
}

// Name returns the sink name.
func (s *StreamSink) Name() string { return "stream" }

// Write publishes the event.
func (s *StreamSink) Write(ctx context.Context, ev event.SecurityEvent) error {
	return s.publisher.Publish(ctx, ev)
}

var _ Publisher = (*stream.Producer)(nil)
