package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent is one recorded operator action.
type AuditEvent struct {
	ID        string
	Timestamp time.Time
	EventType string
	User      string
	IP        string
	RequestID string
	Details   string
}

// InsertAuditEvent appends one audit row.
func (s *Store) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, event_type, user, ip, request_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ts.Unix(), ev.EventType, ev.User, ev.IP, ev.RequestID, ev.Details)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns recent audit rows, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, user, ip, request_id, details
		FROM audit_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev AuditEvent
			ts int64
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.EventType, &ev.User, &ev.IP, &ev.RequestID, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Timestamp = time.Unix(ts, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
