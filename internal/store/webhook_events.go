package store

import (
	"context"
	"database/sql"

	"printpay/internal/models"
)

// GetWebhookEvent retrieves the processing record for an external event id.
// Returns nil when the event has never been seen.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := s.db.GetContext(ctx, &event,
		"SELECT * FROM webhook_events WHERE event_id = $1", eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// InsertWebhookEvent records a first sighting of an event id. Returns false
// when the id was already recorded (duplicate delivery).
func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, event.Payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkWebhookProcessed marks an event as applied; procErr captures a poison
// event's failure so it is never reprocessed
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string, procErr *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE webhook_events SET processed = TRUE, error = $1, processed_at = NOW() WHERE event_id = $2",
		procErr, eventID)
	return err
}
