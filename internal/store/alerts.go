package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

const alertColumns = `id, fingerprint, source_system, source_alert_id, device_ip, device_name,
	severity, category, alert_type, title, message, status, occurrence_count,
	triggered_at, last_seen_at, acknowledged_at, acknowledged_by, resolved_at, expires_at,
	rule_id, raw_data`

// UpsertRaise inserts a new active alert or, when a live row with the same
// fingerprint exists, folds the raise into it: last_seen_at advances, the
// occurrence count grows, and severity/message/raw_data follow the newest
// payload. Returns the row id and whether the raise was deduplicated.
func (s *Store) UpsertRaise(ctx context.Context, a *models.NormalizedAlert, ttl time.Duration) (int64, bool, error) {
	now := a.OccurredAt
	if now.IsZero() {
		now = time.Now()
	}
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}

	var id, count int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO system_alerts (
			fingerprint, source_system, source_alert_id, device_ip, device_name,
			severity, category, alert_type, title, message,
			status, occurrence_count, triggered_at, last_seen_at, expires_at, rule_id, raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', 1, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) WHERE status IN ('active', 'acknowledged')
		DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			occurrence_count = occurrence_count + 1,
			severity = excluded.severity,
			message = excluded.message,
			raw_data = excluded.raw_data,
			expires_at = excluded.expires_at
		RETURNING id, occurrence_count
	`,
		a.Fingerprint, a.SourceSystem, a.SourceAlertID, a.DeviceIP, a.DeviceName,
		string(a.Severity), string(a.Category), a.AlertType, a.Title, a.Message,
		time.Now().Unix(), now.Unix(), expiresAt, a.RuleID, string(a.RawData),
	).Scan(&id, &count)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert alert: %w", err)
	}
	return id, count > 1, nil
}

// GetLiveByFingerprint returns the active or acknowledged alert with the
// given fingerprint.
func (s *Store) GetLiveByFingerprint(ctx context.Context, fingerprint string) (*models.StoredAlert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE fingerprint = ? AND status IN ('active', 'acknowledged')
	`, fingerprint)
	return scanAlert(row)
}

// GetAlert returns a live alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.StoredAlert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts WHERE id = ?
	`, id)
	return scanAlert(row)
}

// ArchiveByFingerprint moves the live alert with the given fingerprint to
// alert_history as resolved. Returns ErrNotFound when no live row matches;
// callers treat that as an orphan clear and ignore it.
func (s *Store) ArchiveByFingerprint(ctx context.Context, fingerprint string, resolvedAt time.Time) (*models.StoredAlert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE fingerprint = ? AND status IN ('active', 'acknowledged')
	`, fingerprint)
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}

	if err := archiveTx(ctx, tx, alert, models.StatusResolved, resolvedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive: %w", err)
	}

	alert.Status = models.StatusResolved
	alert.ResolvedAt = &resolvedAt
	return alert, nil
}

// ArchiveByID moves a live alert to alert_history with the given terminal
// status (resolved or expired).
func (s *Store) ArchiveByID(ctx context.Context, id int64, status models.AlertStatus, at time.Time) (*models.StoredAlert, error) {
	if status != models.StatusResolved && status != models.StatusExpired {
		return nil, pkgerrors.NewValidationError("archive_alert", "", fmt.Errorf("non-terminal status %q", status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE id = ? AND status IN ('active', 'acknowledged')
	`, id)
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}

	if err := archiveTx(ctx, tx, alert, status, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive: %w", err)
	}

	alert.Status = status
	alert.ResolvedAt = &at
	return alert, nil
}

// archiveTx copies the alert into alert_history and removes the live row.
func archiveTx(ctx context.Context, tx *sql.Tx, a *models.StoredAlert, status models.AlertStatus, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alert_history (
			alert_id, fingerprint, source_system, source_alert_id, device_ip, device_name,
			severity, category, alert_type, title, message, status, occurrence_count,
			triggered_at, last_seen_at, acknowledged_at, acknowledged_by, resolved_at, rule_id, raw_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.Fingerprint, a.SourceSystem, a.SourceAlertID, a.DeviceIP, a.DeviceName,
		string(a.Severity), string(a.Category), a.AlertType, a.Title, a.Message,
		string(status), a.OccurrenceCount, a.TriggeredAt.Unix(), a.LastSeenAt.Unix(),
		timeVal(a.AcknowledgedAt), a.AcknowledgedBy, at.Unix(), a.RuleID, string(a.RawData),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM system_alerts WHERE id = ?`, a.ID); err != nil {
		return fmt.Errorf("failed to delete live row: %w", err)
	}
	return nil
}

// Acknowledge transitions an active alert to acknowledged.
func (s *Store) Acknowledge(ctx context.Context, id int64, by string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE system_alerts
		SET status = 'acknowledged', acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND status = 'active'
	`, at.Unix(), by, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrNotFound
	}
	return nil
}

// ListExpired returns live alerts whose TTL has elapsed.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*models.StoredAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE status IN ('active', 'acknowledged') AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at ASC
	`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListActive returns all live alerts ordered by newest first.
func (s *Store) ListActive(ctx context.Context) ([]*models.StoredAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE status IN ('active', 'acknowledged')
		ORDER BY triggered_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// ListActiveRuleAlerts returns live alerts that were created by a rule.
func (s *Store) ListActiveRuleAlerts(ctx context.Context) ([]*models.StoredAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM system_alerts
		WHERE status IN ('active', 'acknowledged') AND rule_id > 0
		ORDER BY triggered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule alerts: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// LatestRuleTrigger returns the newest triggered_at across live and archived
// alerts for a rule, or nil when the rule never fired. Drives cooldowns.
func (s *Store) LatestRuleTrigger(ctx context.Context, ruleID int64) (*time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(t) FROM (
			SELECT MAX(triggered_at) AS t FROM system_alerts WHERE rule_id = ?
			UNION ALL
			SELECT MAX(triggered_at) AS t FROM alert_history WHERE rule_id = ?
		)
	`, ruleID, ruleID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest rule trigger: %w", err)
	}
	return nullTime(latest), nil
}

// ListHistory returns archived alerts, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*models.StoredAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, source_system, source_alert_id, device_ip, device_name,
			severity, category, alert_type, title, message, status, occurrence_count,
			triggered_at, last_seen_at, acknowledged_at, acknowledged_by, resolved_at,
			NULL, rule_id, raw_data
		FROM alert_history
		ORDER BY resolved_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()
	return scanAlerts(rows)
}

// CountHistoryByFingerprint reports archived rows for one fingerprint with
// the given status.
func (s *Store) CountHistoryByFingerprint(ctx context.Context, fingerprint string, status models.AlertStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_history WHERE fingerprint = ? AND status = ?
	`, fingerprint, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count history rows: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.StoredAlert, error) {
	var (
		a                          models.StoredAlert
		severity, category, status string
		triggeredAt, lastSeenAt    int64
		ackAt, resolvedAt, expAt   sql.NullInt64
		rawData                    string
	)
	err := row.Scan(
		&a.ID, &a.Fingerprint, &a.SourceSystem, &a.SourceAlertID, &a.DeviceIP, &a.DeviceName,
		&severity, &category, &a.AlertType, &a.Title, &a.Message, &status, &a.OccurrenceCount,
		&triggeredAt, &lastSeenAt, &ackAt, &a.AcknowledgedBy, &resolvedAt, &expAt,
		&a.RuleID, &rawData,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert row: %w", err)
	}

	a.Severity = models.Severity(severity)
	a.Category = models.Category(category)
	a.Status = models.AlertStatus(status)
	a.TriggeredAt = time.Unix(triggeredAt, 0).UTC()
	a.LastSeenAt = time.Unix(lastSeenAt, 0).UTC()
	a.AcknowledgedAt = nullTime(ackAt)
	a.ResolvedAt = nullTime(resolvedAt)
	a.ExpiresAt = nullTime(expAt)
	if rawData != "" {
		a.RawData = []byte(rawData)
	}
	return &a, nil
}

func scanAlerts(rows *sql.Rows) ([]*models.StoredAlert, error) {
	var alerts []*models.StoredAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return alerts, nil
}
