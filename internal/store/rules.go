package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

// ListEnabledRules returns all enabled alert rules.
func (s *Store) ListEnabledRules(ctx context.Context) ([]models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, severity, category, condition_type, condition_config,
			cooldown_minutes, manual_resolve_only, created_at, updated_at
		FROM alert_rules WHERE enabled = 1
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// GetRule returns one alert rule by id regardless of enabled state.
func (s *Store) GetRule(ctx context.Context, id int64) (*models.AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, severity, category, condition_type, condition_config,
			cooldown_minutes, manual_resolve_only, created_at, updated_at
		FROM alert_rules WHERE id = ?
	`, id)
	return scanRule(row)
}

// SaveRule inserts or replaces a rule by name and returns its id.
func (s *Store) SaveRule(ctx context.Context, rule models.AlertRule) (int64, error) {
	config := string(rule.ConditionConfig)
	if config == "" {
		config = "{}"
	}
	now := time.Now().Unix()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_rules (name, enabled, severity, category, condition_type,
			condition_config, cooldown_minutes, manual_resolve_only, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			severity = excluded.severity,
			category = excluded.category,
			condition_type = excluded.condition_type,
			condition_config = excluded.condition_config,
			cooldown_minutes = excluded.cooldown_minutes,
			manual_resolve_only = excluded.manual_resolve_only,
			updated_at = excluded.updated_at
		RETURNING id
	`, rule.Name, rule.Enabled, string(rule.Severity), string(rule.Category),
		string(rule.ConditionType), config, rule.CooldownMinutes, rule.ManualResolveOnly,
		now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save rule: %w", err)
	}
	return id, nil
}

func scanRule(row rowScanner) (*models.AlertRule, error) {
	var (
		rule                              models.AlertRule
		severity, category, conditionType string
		conditionConfig                   string
		createdAt, updatedAt              int64
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Enabled, &severity, &category,
		&conditionType, &conditionConfig, &rule.CooldownMinutes, &rule.ManualResolveOnly,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	rule.Severity = models.Severity(severity)
	rule.Category = models.Category(category)
	rule.ConditionType = models.ConditionType(conditionType)
	rule.ConditionConfig = []byte(conditionConfig)
	rule.CreatedAt = time.Unix(createdAt, 0).UTC()
	rule.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rule, nil
}

// InsertSystemLogs batch-inserts log rows. Called by the logging sink.
func (s *Store) InsertSystemLogs(ctx context.Context, entries []models.SystemLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO system_logs (timestamp, level, component, message) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, ts.Unix(), e.Level, e.Component, e.Message); err != nil {
			return fmt.Errorf("failed to insert log row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log batch: %w", err)
	}
	return nil
}

// CountSystemLogs counts rows at the given levels newer than the cutoff.
// Level matching is case-insensitive.
func (s *Store) CountSystemLogs(ctx context.Context, levels []string, since time.Time) (int64, error) {
	if len(levels) == 0 {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM system_logs WHERE timestamp >= ? AND LOWER(level) IN (`
	args := []interface{}{since.Unix()}
	for i, level := range levels {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, strings.ToLower(level))
	}
	query += ")"

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count system logs: %w", err)
	}
	return count, nil
}
