package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"signguard/internal/event"
)

// DeliveryStatus represents the delivery state of a notification.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of one alert to one channel.
type DeliveryRecord struct {
	ID          string         `json:"id"`
	AlertID     string         `json:"alert_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

const maxDeadLetter = 1000

// DeliveryConfig configures retries.
type DeliveryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	AttemptTimeout time.Duration
}

// DefaultDeliveryConfig returns sensible delivery defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Dispatcher delivers alerts to every channel in the background, retrying
// with exponential backoff and parking exhausted deliveries in a dead letter
// list.
type Dispatcher struct {
	config   DeliveryConfig
	channels []Channel
	logger   *slog.Logger

	mu         sync.Mutex
	records    map[string]*DeliveryRecord
	deadLetter []*DeliveryRecord
	sent       int
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DeliveryConfig, channels []Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		logger:   logger,
		records:  make(map[string]*DeliveryRecord),
		stopCh:   make(chan struct{}),
	}
}

// Channels returns the configured channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.channels))
	for i, ch := range d.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch sends alert to all channels without blocking. Delivery outlives
// ctx cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) {
	for _, ch := range d.channels {
		d.start(ctx, ch, alert)
	}
}

func (d *Dispatcher) start(ctx context.Context, ch Channel, alert Alert) {
	record := &DeliveryRecord{
		ID:          uuid.NewString(),
		AlertID:     alert.ID,
		ChannelName: ch.Name(),
		Status:      DeliveryPending,
		CreatedAt:   time.Now(),
	}

	// stopCh is closed under mu, so no Add can follow Stop's Wait.
	d.mu.Lock()
	select {
	case <-d.stopCh:
		d.mu.Unlock()
		d.moveToDeadLetter(record, "dispatcher stopped")
		return
	default:
	}
	d.records[record.ID] = record
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliverWithRetry(context.WithoutCancel(ctx), ch, alert, record)
}

// Send delivers a free-form notification to the named channel. It lets
// escalation actions reuse the alert channels.
func (d *Dispatcher) Send(ctx context.Context, channel string, payload map[string]any) error {
	for _, ch := range d.channels {
		if ch.Name() != channel {
			continue
		}
		alert := Alert{
			ID:        uuid.NewString(),
			RuleID:    "notification",
			Title:     fmt.Sprint(payload["title"]),
			Severity:  event.Severity(fmt.Sprint(payload["severity"])),
			Action:    ActionAlert,
			CreatedAt: time.Now().UTC(),
			Metadata:  payload,
		}
		if !alert.Severity.IsValid() {
			alert.Severity = event.SeverityMedium
		}
		d.start(ctx, ch, alert)
		return nil
	}
	return fmt.Errorf("notification channel not found: %s", channel)
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch Channel, alert Alert, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff
	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
		err := ch.Send(attemptCtx, &alert)
		cancel()

		if err == nil {
			now := time.Now()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			delete(d.records, record.ID)
			d.sent++
			d.mu.Unlock()
			return
		}

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()

		d.logger.Warn("notification delivery failed",
			"channel", ch.Name(),
			"alert_id", alert.ID,
			"attempt", attempt,
			"error", err,
		)

		if attempt < d.config.MaxRetries {
			select {
			case <-d.stopCh:
				d.moveToDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
			if d.config.MaxBackoff > 0 && backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.moveToDeadLetter(record, record.LastError)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	delete(d.records, record.ID)
	d.deadLetter = append(d.deadLetter, record)
	if len(d.deadLetter) > maxDeadLetter {
		d.deadLetter = d.deadLetter[len(d.deadLetter)-maxDeadLetter:]
	}
	d.mu.Unlock()

	d.logger.Error("notification moved to dead letter queue",
		"alert_id", record.AlertID,
		"channel", record.ChannelName,
		"attempts", record.Attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns copies of all failed delivery records.
func (d *Dispatcher) DeadLetterQueue() []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]DeliveryRecord, len(d.deadLetter))
	for i, rec := range d.deadLetter {
		out[i] = *rec
	}
	return out
}

// Stats returns the number of delivered and dead-lettered notifications.
func (d *Dispatcher) Stats() (sent, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent, len(d.deadLetter)
}

// Records returns copies of the in-flight delivery records for one alert.
func (d *Dispatcher) Records(alertID string) []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []DeliveryRecord
	for _, rec := range d.records {
		if rec.AlertID == alertID {
			out = append(out, *rec)
		}
	}
	return out
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Stop abandons pending retries and waits for in-flight sends. Later
// dispatches go straight to the dead letter queue.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		close(d.stopCh)
		d.mu.Unlock()
	})
	d.wg.Wait()
}
