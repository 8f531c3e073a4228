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

// ListConnectors returns all registered connector instances.
func (s *Store) ListConnectors(ctx context.Context) ([]models.ConnectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, connector_type, config, enabled, status, last_poll_at, alerts_received, last_error
		FROM connectors ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query connectors: %w", err)
	}
	defer rows.Close()

	var connectors []models.ConnectorRecord
	for rows.Next() {
		rec, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, *rec)
	}
	return connectors, rows.Err()
}

// GetConnector returns one connector by id.
func (s *Store) GetConnector(ctx context.Context, id int64) (*models.ConnectorRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, connector_type, config, enabled, status, last_poll_at, alerts_received, last_error
		FROM connectors WHERE id = ?
	`, id)
	return scanConnector(row)
}

// SaveConnector inserts or replaces a connector registration by name.
func (s *Store) SaveConnector(ctx context.Context, rec models.ConnectorRecord) (int64, error) {
	config := string(rec.Config)
	if config == "" {
		config = "{}"
	}
	status := rec.Status
	if status == "" {
		status = models.ConnectorDisconnected
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO connectors (name, connector_type, config, enabled, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			connector_type = excluded.connector_type,
			config = excluded.config,
			enabled = excluded.enabled
		RETURNING id
	`, rec.Name, rec.ConnectorType, config, rec.Enabled, string(status)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save connector: %w", err)
	}
	return id, nil
}

// UpdateConnectorStatus persists a connector's observable status snapshot.
func (s *Store) UpdateConnectorStatus(ctx context.Context, id int64, state models.ConnectorState, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connectors SET status = ?, last_error = ? WHERE id = ?
	`, string(state), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update connector status: %w", err)
	}
	return nil
}

// RecordConnectorPoll advances poll bookkeeping after one poll cycle.
func (s *Store) RecordConnectorPoll(ctx context.Context, id int64, at time.Time, alerts int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connectors
		SET last_poll_at = ?, alerts_received = alerts_received + ?
		WHERE id = ?
	`, at.Unix(), alerts, id)
	if err != nil {
		return fmt.Errorf("failed to record connector poll: %w", err)
	}
	return nil
}

// AddConnectorAlerts bumps the received counter without touching poll
// bookkeeping. Used by the webhook and trap paths.
func (s *Store) AddConnectorAlerts(ctx context.Context, id int64, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connectors SET alerts_received = alerts_received + ? WHERE id = ?
	`, n, id)
	if err != nil {
		return fmt.Errorf("failed to update connector alert count: %w", err)
	}
	return nil
}

func scanConnector(row rowScanner) (*models.ConnectorRecord, error) {
	var (
		rec        models.ConnectorRecord
		config     string
		status     string
		lastPollAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.ConnectorType, &config, &rec.Enabled,
		&status, &lastPollAt, &rec.AlertsReceived, &rec.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connector: %w", err)
	}
	rec.Config = []byte(config)
	rec.Status = models.ConnectorState(status)
	rec.LastPollAt = nullTime(lastPollAt)
	return &rec, nil
}
