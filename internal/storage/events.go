package storage

import (
	"context"
	"fmt"
	"time"
)

// MarkEventProcessed records a webhook delivery ID. It returns true if this
// call claimed the ID, false if the delivery was seen before. The insert is
// the dedupe gate: exactly one concurrent caller wins.
func (db *DB) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, received_at)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseEvent removes a claimed delivery ID so a redelivery can be
// processed again. Called when handling failed after the claim.
func (db *DB) ReleaseEvent(ctx context.Context, eventID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("storage: release event: %w", err)
	}
	return nil
}

// SweepProcessedEvents deletes dedupe records older than the retention
// window and returns the number removed. The window must comfortably exceed
// the sender's redelivery horizon.
func (db *DB) SweepProcessedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
