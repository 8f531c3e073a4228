package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

// InsertTrapLog writes one raw trap row. eventID is empty when the trap
// produced no event.
func (s *Store) InsertTrapLog(ctx context.Context, sourceIP, community, version, trapOID string, varbinds map[string]string, eventID string, receivedAt time.Time) error {
	vbJSON, err := json.Marshal(varbinds)
	if err != nil {
		return fmt.Errorf("failed to encode varbinds: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trap_log (source_ip, community, version, trap_oid, varbinds, event_id, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sourceIP, community, version, trapOID, string(vbJSON), eventID, receivedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert trap log: %w", err)
	}
	return nil
}

// CountTrapLog returns the number of raw trap rows.
func (s *Store) CountTrapLog(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trap_log`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count trap log: %w", err)
	}
	return count, nil
}

// InsertTrapEvent stores a typed trap event unless an un-cleared event with
// the same alarm id already exists, in which case the duplicate is dropped
// and the existing event id is returned with inserted = false.
func (s *Store) InsertTrapEvent(ctx context.Context, ev *models.TrapEvent) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM trap_events
		WHERE alarm_id = ? AND is_clear = 0 AND cleared_event_id = ''
	`, ev.AlarmID).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("failed to query existing alarm: %w", err)
	}
	if err == nil && !ev.IsClear {
		// Duplicate raise for an alarm that is still open
		return existingID, false, nil
	}

	vbJSON, err := json.Marshal(ev.Varbinds)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode varbinds: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trap_events (id, source_ip, trap_oid, vendor, event_type, severity,
			object_type, object_id, description, alarm_id, is_clear, varbinds, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SourceIP, ev.TrapOID, ev.Vendor, ev.EventType, string(ev.Severity),
		ev.ObjectType, ev.ObjectID, ev.Description, ev.AlarmID, ev.IsClear,
		string(vbJSON), ev.ReceivedAt.Unix())
	if err != nil {
		return "", false, fmt.Errorf("failed to insert trap event: %w", err)
	}

	// A clear closes the matching open alarm
	if ev.IsClear && existingID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE trap_events SET cleared_event_id = ? WHERE id = ?
		`, ev.ID, existingID); err != nil {
			return "", false, fmt.Errorf("failed to link cleared event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit trap event: %w", err)
	}
	return ev.ID, true, nil
}

// GetTrapEvent returns one trap event by id.
func (s *Store) GetTrapEvent(ctx context.Context, id string) (*models.TrapEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ip, trap_oid, vendor, event_type, severity, object_type,
			object_id, description, alarm_id, is_clear, varbinds, received_at, cleared_event_id
		FROM trap_events WHERE id = ?
	`, id)
	return scanTrapEvent(row)
}

// ListTrapEvents returns recent trap events, newest first.
func (s *Store) ListTrapEvents(ctx context.Context, limit int) ([]*models.TrapEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_ip, trap_oid, vendor, event_type, severity, object_type,
			object_id, description, alarm_id, is_clear, varbinds, received_at, cleared_event_id
		FROM trap_events
		ORDER BY received_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trap events: %w", err)
	}
	defer rows.Close()

	var events []*models.TrapEvent
	for rows.Next() {
		ev, err := scanTrapEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanTrapEvent(row rowScanner) (*models.TrapEvent, error) {
	var (
		ev         models.TrapEvent
		severity   string
		varbinds   string
		receivedAt int64
	)
	err := row.Scan(&ev.ID, &ev.SourceIP, &ev.TrapOID, &ev.Vendor, &ev.EventType, &severity,
		&ev.ObjectType, &ev.ObjectID, &ev.Description, &ev.AlarmID, &ev.IsClear,
		&varbinds, &receivedAt, &ev.ClearedEventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trap event: %w", err)
	}

	ev.Severity = models.Severity(severity)
	ev.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	if varbinds != "" && varbinds != "{}" {
		if err := json.Unmarshal([]byte(varbinds), &ev.Varbinds); err != nil {
			return nil, fmt.Errorf("failed to decode varbinds: %w", err)
		}
	}
	return &ev, nil
}

// FlushTrapReceiverStatus upserts the singleton status row.
func (s *Store) FlushTrapReceiverStatus(ctx context.Context, status models.TrapReceiverStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trap_receiver_status (id, running, traps_received, traps_processed,
			traps_errors, traps_dropped, queue_depth, last_trap_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			running = excluded.running,
			traps_received = excluded.traps_received,
			traps_processed = excluded.traps_processed,
			traps_errors = excluded.traps_errors,
			traps_dropped = excluded.traps_dropped,
			queue_depth = excluded.queue_depth,
			last_trap_at = excluded.last_trap_at,
			updated_at = excluded.updated_at
	`, status.Running, status.TrapsReceived, status.TrapsProcessed, status.TrapsErrors,
		status.TrapsDropped, status.QueueDepth, timeVal(status.LastTrapAt), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to flush trap receiver status: %w", err)
	}
	return nil
}

// GetTrapReceiverStatus returns the singleton status row.
func (s *Store) GetTrapReceiverStatus(ctx context.Context) (*models.TrapReceiverStatus, error) {
	var (
		status     models.TrapReceiverStatus
		lastTrapAt sql.NullInt64
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT running, traps_received, traps_processed, traps_errors, traps_dropped,
			queue_depth, last_trap_at, updated_at
		FROM trap_receiver_status WHERE id = 1
	`).Scan(&status.Running, &status.TrapsReceived, &status.TrapsProcessed,
		&status.TrapsErrors, &status.TrapsDropped, &status.QueueDepth, &lastTrapAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query trap receiver status: %w", err)
	}
	status.LastTrapAt = nullTime(lastTrapAt)
	status.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &status, nil
}
