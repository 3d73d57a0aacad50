package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"signguard/internal/event"
)

// QuarantineWriter stores audit events that failed validation so they are
// not lost and can be inspected later.
type QuarantineWriter struct {
	client *ClickHouseClient
}

// NewQuarantineWriter creates a new QuarantineWriter.
func NewQuarantineWriter(client *ClickHouseClient) *QuarantineWriter {
	return &QuarantineWriter{client: client}
}

// Write stores a single rejected event with its validation errors.
func (qw *QuarantineWriter) Write(ctx context.Context, ev event.SecurityEvent, validationErrors []string) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode quarantined event: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s_quarantine (quarantine_id, raw_event, validation_errors)
		VALUES (?, ?, ?)
	`, qw.client.Table())

	if err := qw.client.Exec(ctx, query, uuid.New(), string(raw), validationErrors); err != nil {
		return WrapQueryError("Quarantine", qw.client.Table()+"_quarantine", err)
	}
	return nil
}
