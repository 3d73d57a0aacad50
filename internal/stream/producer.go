// Package stream publishes security events to Kafka so downstream SIEM
// tooling can consume the audit trail in real time.
package stream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"signguard/internal/config"
	"signguard/internal/event"
)

// ErrProducerClosed is returned by Publish after Close.
var ErrProducerClosed = errors.New("stream: producer is closed")

// messageWriter is the subset of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes security events to a Kafka topic.
type Producer struct {
	writer  messageWriter
	topic   string
	retries int
	backoff time.Duration
	logger  *slog.Logger
	closed  atomic.Bool

	produced atomic.Int64
	failed   atomic.Int64
}

// NewProducer creates a producer for the configured brokers and topic.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("stream: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("stream: topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &kafka.Transport{ClientID: cfg.ClientID}
	if cfg.TLSEnabled {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  compression(cfg.CompressionType),
		Transport:    transport,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.CompressionType,
	)

	return newProducer(writer, cfg, logger), nil
}

func newProducer(w messageWriter, cfg config.KafkaConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return &Producer{
		writer:  w,
		topic:   cfg.Topic,
		retries: retries,
		backoff: 100 * time.Millisecond,
		logger:  logger,
	}
}

func compression(name string) kafka.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	}
	return 0
}

// Publish writes one event. The subject (user id or IP) is the message key
// so events of one subject stay ordered within a partition.
func (p *Producer) Publish(ctx context.Context, ev event.SecurityEvent) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Subject()),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			p.produced.Add(1)
			return nil
		}

		p.logger.Warn("kafka produce failed", "error", lastErr, "attempt", attempt+1)
		if isNonRetryableError(lastErr) {
			break
		}
	}

	p.failed.Add(1)
	return fmt.Errorf("stream: publish to %s failed: %w", p.topic, lastErr)
}

// Stats returns the number of published and failed events.
func (p *Producer) Stats() (produced, failed int64) {
	return p.produced.Load(), p.failed.Load()
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("stream: failed to close producer: %w", err)
	}
	return nil
}

func isNonRetryableError(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
