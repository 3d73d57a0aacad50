// Package audit records security events to one or more sinks. Logging never
// fails the caller: sink errors and panics are contained and the event is
// written to a fallback console sink instead.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	sgerrors "signguard/internal/errors"
	"signguard/internal/event"
	"signguard/internal/logging"
	"signguard/internal/metrics"
)

// Options configures a Logger.
type Options struct {
	// Sinks receive every event in order.
	Sinks []Sink
	// Fallback receives events a sink failed to write. Defaults to a console
	// sink on slog.Default().
	Fallback Sink
	// SensitiveFields overrides the default redaction list.
	SensitiveFields []string
	// Async enables a bounded queue drained by a single worker.
	Async     bool
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Logger fans security events out to its sinks.
type Logger struct {
	sinks    []Sink
	fallback Sink
	redactor *logging.Redactor
	metrics  *metrics.Metrics
	logger   *slog.Logger

	queue  chan queued
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	logged   atomic.Uint64
	failures atomic.Uint64
}

type queued struct {
	ctx context.Context
	ev  event.SecurityEvent
}

// New creates a Logger and, in async mode, starts its worker.
func New(opts Options) *Logger {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Fallback == nil {
		opts.Fallback = NewConsoleSink(opts.Logger)
	}

	l := &Logger{
		sinks:    opts.Sinks,
		fallback: opts.Fallback,
		redactor: logging.NewRedactor(opts.SensitiveFields),
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}

	if opts.Async {
		size := opts.QueueSize
		if size <= 0 {
			size = 1024
		}
		l.queue = make(chan queued, size)
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// Log redacts ev and writes it to every sink. It never returns an error and
// never panics. In async mode a full queue falls back to a synchronous write
// rather than dropping the event.
func (l *Logger) Log(ctx context.Context, ev event.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.failures.Add(1)
			l.logger.Error("audit log panic", "panic", fmt.Sprint(r), "event_id", ev.ID)
		}
	}()

	ev.Metadata = l.redactor.Redact(ev.Metadata)

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.writeFallback(ctx, ev, "logger closed")
		return
	}

	if l.queue != nil {
		select {
		case l.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
			return
		default:
			l.metrics.AuditQueueFull()
		}
	}
	l.dispatch(ctx, ev)
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for q := range l.queue {
		l.dispatch(q.ctx, q.ev)
	}
}

func (l *Logger) dispatch(ctx context.Context, ev event.SecurityEvent) {
	l.logged.Add(1)
	l.metrics.AuditEvent(string(ev.Type), string(ev.Severity))

	for _, sink := range l.sinks {
		if err := l.write(ctx, sink, ev); err != nil {
			l.failures.Add(1)
			l.metrics.AuditSinkError(sink.Name())
			l.writeFallback(ctx, ev, sgerrors.New(sgerrors.KindAudit, sink.Name(), err).Error())
		}
	}
}

// write calls one sink, converting a panic into an error.
func (l *Logger) write(ctx context.Context, sink Sink, ev event.SecurityEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Write(ctx, ev)
}

func (l *Logger) writeFallback(ctx context.Context, ev event.SecurityEvent, reason string) {
	l.logger.Warn("audit sink failed, using fallback", "event_id", ev.ID, "reason", reason)
	if err := l.write(ctx, l.fallback, ev); err != nil {
		l.logger.Error("audit fallback failed", "event_id", ev.ID, "error", err)
	}
}

// Stats returns how many events were dispatched and how many sink writes failed.
func (l *Logger) Stats() (logged, failures uint64) {
	return l.logged.Load(), l.failures.Load()
}

// Close drains the queue and closes sinks that hold resources.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for _, sink := range l.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
