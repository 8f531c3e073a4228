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

// ListEnabledNotificationRules returns enabled rules with the given trigger.
func (s *Store) ListEnabledNotificationRules(ctx context.Context, triggerType string) ([]models.NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, trigger_type, severity_filter, category_filter, channel_ids, enabled
		FROM notification_rules
		WHERE enabled = 1 AND trigger_type = ?
	`, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification rules: %w", err)
	}
	defer rows.Close()

	var rules []models.NotificationRule
	for rows.Next() {
		var (
			r                    models.NotificationRule
			sevFilter, catFilter sql.NullString
			channelIDs           string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.TriggerType, &sevFilter, &catFilter, &channelIDs, &r.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan notification rule: %w", err)
		}
		if sevFilter.Valid && sevFilter.String != "" {
			if err := json.Unmarshal([]byte(sevFilter.String), &r.SeverityFilter); err != nil {
				return nil, fmt.Errorf("failed to decode severity filter for rule %d: %w", r.ID, err)
			}
		}
		if catFilter.Valid && catFilter.String != "" {
			if err := json.Unmarshal([]byte(catFilter.String), &r.CategoryFilter); err != nil {
				return nil, fmt.Errorf("failed to decode category filter for rule %d: %w", r.ID, err)
			}
		}
		if channelIDs != "" {
			if err := json.Unmarshal([]byte(channelIDs), &r.ChannelIDs); err != nil {
				return nil, fmt.Errorf("failed to decode channel ids for rule %d: %w", r.ID, err)
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SaveNotificationRule inserts or replaces a rule by name.
func (s *Store) SaveNotificationRule(ctx context.Context, r models.NotificationRule) (int64, error) {
	sevFilter, err := marshalFilter(r.SeverityFilter)
	if err != nil {
		return 0, err
	}
	catFilter, err := marshalFilter(r.CategoryFilter)
	if err != nil {
		return 0, err
	}
	channelIDs, err := json.Marshal(r.ChannelIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to encode channel ids: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO notification_rules (name, trigger_type, severity_filter, category_filter, channel_ids, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			trigger_type = excluded.trigger_type,
			severity_filter = excluded.severity_filter,
			category_filter = excluded.category_filter,
			channel_ids = excluded.channel_ids,
			enabled = excluded.enabled
		RETURNING id
	`, r.Name, r.TriggerType, sevFilter, catFilter, string(channelIDs), r.Enabled).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save notification rule: %w", err)
	}
	return id, nil
}

func marshalFilter(filter []string) (interface{}, error) {
	if filter == nil {
		return nil, nil
	}
	data, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	return string(data), nil
}

// GetChannels returns the enabled channels with the given ids, preserving no
// particular order.
func (s *Store) GetChannels(ctx context.Context, ids []int64) ([]models.NotificationChannel, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, type, config, enabled, created_at
		FROM notification_channels
		WHERE enabled = 1 AND id IN (`
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args[i] = id
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []models.NotificationChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// GetChannel returns one channel by id regardless of enabled state.
func (s *Store) GetChannel(ctx context.Context, id int64) (*models.NotificationChannel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, config, enabled, created_at
		FROM notification_channels WHERE id = ?
	`, id)
	return scanChannel(row)
}

// SaveChannel inserts or replaces a channel by name.
func (s *Store) SaveChannel(ctx context.Context, ch models.NotificationChannel) (int64, error) {
	createdAt := ch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notification_channels (name, type, config, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			type = excluded.type,
			config = excluded.config,
			enabled = excluded.enabled
		RETURNING id
	`, ch.Name, string(ch.Type), string(ch.Config), ch.Enabled, createdAt.Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save channel: %w", err)
	}
	return id, nil
}

func scanChannel(row rowScanner) (*models.NotificationChannel, error) {
	var (
		ch        models.NotificationChannel
		chType    string
		config    string
		createdAt int64
	)
	err := row.Scan(&ch.ID, &ch.Name, &chType, &config, &ch.Enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan channel: %w", err)
	}
	ch.Type = models.ChannelType(chType)
	ch.Config = []byte(config)
	ch.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &ch, nil
}

// RecordNotification appends one delivery outcome to notification_history.
func (s *Store) RecordNotification(ctx context.Context, rec models.NotificationRecord) error {
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_history (alert_id, channel_id, rule_id, status, detail, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.AlertID, rec.ChannelID, rec.RuleID, string(rec.Status), rec.Detail, sentAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// ListNotificationsForAlert returns delivery records for one alert.
func (s *Store) ListNotificationsForAlert(ctx context.Context, alertID int64) ([]models.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, channel_id, rule_id, status, detail, sent_at
		FROM notification_history
		WHERE alert_id = ?
		ORDER BY sent_at ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification history: %w", err)
	}
	defer rows.Close()

	var records []models.NotificationRecord
	for rows.Next() {
		var (
			rec    models.NotificationRecord
			status string
			sentAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.ChannelID, &rec.RuleID, &status, &rec.Detail, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification record: %w", err)
		}
		rec.Status = models.DeliveryStatus(status)
		rec.SentAt = time.Unix(sentAt, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
