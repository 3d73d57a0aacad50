package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"signguard/internal/config"
	"signguard/internal/event"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func testConfig() config.KafkaConfig {
	cfg := config.DefaultKafkaConfig()
	cfg.MaxAttempts = 3
	return cfg
}

func TestPublishKeysBySubject(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, testConfig(), nil)

	ev := event.New(event.TypeAuthFailure, event.SeverityHigh, event.Fields{Source: "api", UserID: "u-7", IPAddress: "10.0.0.1"}, nil)
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(w.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.messages))
	}
	msg := w.messages[0]
	if string(msg.Key) != "u-7" {
		t.Errorf("key = %q, want u-7", msg.Key)
	}
	var decoded event.SecurityEvent
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.ID != ev.ID || decoded.Type != event.TypeAuthFailure {
		t.Errorf("decoded event mismatch: %+v", decoded)
	}
	if produced, failed := p.Stats(); produced != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", produced, failed)
	}
}

func TestPublishRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{errs: []error{errors.New("leader not available")}}
	p := newProducer(w, testConfig(), nil)
	p.backoff = time.Millisecond

	ev := event.New(event.TypeSecurityAlert, event.SeverityCritical, event.Fields{Source: "alerting"}, nil)
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if len(w.messages) != 1 {
		t.Errorf("expected 1 delivered message, got %d", len(w.messages))
	}
}

func TestPublishStopsOnNonRetryable(t *testing.T) {
	w := &fakeWriter{errs: []error{kafka.MessageSizeTooLarge, nil}}
	p := newProducer(w, testConfig(), nil)
	p.backoff = time.Millisecond

	ev := event.New(event.TypeSecurityAlert, event.SeverityLow, event.Fields{Source: "alerting"}, nil)
	if err := p.Publish(context.Background(), ev); !errors.Is(err, kafka.MessageSizeTooLarge) {
		t.Fatalf("expected MessageSizeTooLarge, got %v", err)
	}
	if _, failed := p.Stats(); failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
}

func TestPublishAfterClose(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, testConfig(), nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer should be closed")
	}
	ev := event.New(event.TypeSecurityAlert, event.SeverityLow, event.Fields{Source: "x"}, nil)
	if err := p.Publish(context.Background(), ev); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("expected ErrProducerClosed, got %v", err)
	}
}

func TestNewProducerValidates(t *testing.T) {
	cfg := config.DefaultKafkaConfig()
	cfg.Topic = ""
	if _, err := NewProducer(cfg, nil); err == nil {
		t.Error("expected error for missing topic")
	}
}
