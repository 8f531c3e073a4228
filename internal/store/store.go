// Package store provides persistent storage for alerts, mappings, scheduler
// state, and trap records using SQLite for durability across restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Config holds configuration for the store
type Config struct {
	DBPath string

	// Retention windows for the periodic sweep; zero disables a sweep.
	SystemLogRetention    time.Duration
	HistoryRetention      time.Duration
	ExecutionRetention    time.Duration
	TrapLogRetention      time.Duration
	NotificationRetention time.Duration
}

// DefaultConfig returns sensible defaults rooted in the given data directory
func DefaultConfig(dataDir string) Config {
	return Config{
		DBPath:                filepath.Join(dataDir, "opsconductor.db"),
		SystemLogRetention:    7 * 24 * time.Hour,
		HistoryRetention:      90 * 24 * time.Hour,
		ExecutionRetention:    30 * 24 * time.Hour,
		TrapLogRetention:      30 * 24 * time.Hour,
		NotificationRetention: 30 * 24 * time.Hour,
	}
}

// Store provides persistent pipeline storage
type Store struct {
	db     *sql.DB
	config Config

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New opens the database, initializes the schema, and starts the retention
// worker.
func New(config Config) (*Store, error) {
	dir := filepath.Dir(config.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas ride in the DSN so every pool connection is configured. WAL
	// keeps concurrent readers working alongside the single writer.
	dsn := config.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		db:     db,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go store.retentionWorker()

	log.Info().
		Str("path", config.DBPath).
		Msg("Store initialized")

	return store, nil
}

// initSchema creates the database schema if it doesn't exist
func (s *Store) initSchema() error {
	schema := `
		-- Live alerts; resolved and expired rows move to alert_history
		CREATE TABLE IF NOT EXISTS system_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			source_system TEXT NOT NULL,
			source_alert_id TEXT NOT NULL DEFAULT '',
			device_ip TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			triggered_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER,
			expires_at INTEGER,
			rule_id INTEGER NOT NULL DEFAULT 0,
			raw_data TEXT NOT NULL DEFAULT ''
		);

		-- One live row per condition, enforced at the index level
		CREATE UNIQUE INDEX IF NOT EXISTS idx_system_alerts_live_fingerprint
		ON system_alerts(fingerprint) WHERE status IN ('active', 'acknowledged');

		CREATE INDEX IF NOT EXISTS idx_system_alerts_rule
		ON system_alerts(rule_id, triggered_at);

		CREATE TABLE IF NOT EXISTS alert_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			source_system TEXT NOT NULL,
			source_alert_id TEXT NOT NULL DEFAULT '',
			device_ip TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			category TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			triggered_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			acknowledged_at INTEGER,
			acknowledged_by TEXT NOT NULL DEFAULT '',
			resolved_at INTEGER,
			rule_id INTEGER NOT NULL DEFAULT 0,
			raw_data TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_alert_history_fingerprint
		ON alert_history(fingerprint, resolved_at);

		CREATE INDEX IF NOT EXISTS idx_alert_history_rule
		ON alert_history(rule_id, triggered_at);

		CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL DEFAULT 1,
			severity TEXT NOT NULL DEFAULT 'warning',
			category TEXT NOT NULL DEFAULT 'application',
			condition_type TEXT NOT NULL,
			condition_config TEXT NOT NULL DEFAULT '{}',
			cooldown_minutes INTEGER NOT NULL DEFAULT 60,
			manual_resolve_only INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS severity_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connector_type TEXT NOT NULL,
			source_field TEXT NOT NULL,
			source_value TEXT NOT NULL,
			severity TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			UNIQUE(connector_type, source_field, source_value)
		);

		CREATE TABLE IF NOT EXISTS category_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connector_type TEXT NOT NULL,
			source_field TEXT NOT NULL,
			source_value TEXT NOT NULL,
			category TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			UNIQUE(connector_type, source_field, source_value)
		);

		CREATE TABLE IF NOT EXISTS snmp_trap_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trap_oid TEXT NOT NULL UNIQUE,
			vendor TEXT NOT NULL DEFAULT '',
			alert_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'network',
			is_clear INTEGER NOT NULL DEFAULT 0,
			correlation_key TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS notification_channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS notification_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			trigger_type TEXT NOT NULL DEFAULT 'alert',
			severity_filter TEXT,
			category_filter TEXT,
			channel_ids TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS notification_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			rule_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			sent_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notification_history_alert
		ON notification_history(alert_id);

		CREATE TABLE IF NOT EXISTS scheduler_jobs (
			name TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			schedule_type TEXT NOT NULL DEFAULT 'interval',
			interval_seconds INTEGER NOT NULL DEFAULT 0,
			cron_expression TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			start_at INTEGER,
			end_at INTEGER,
			max_runs INTEGER,
			run_count INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER,
			next_run_at INTEGER,
			job_definition_id TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS scheduler_job_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_name TEXT NOT NULL,
			task_name TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queued',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			result TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			worker TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			progress TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_executions_job
		ON scheduler_job_executions(job_name, created_at);

		CREATE INDEX IF NOT EXISTS idx_executions_status
		ON scheduler_job_executions(status, created_at);

		-- Raw trap PDUs are auditable even when no event was emitted
		CREATE TABLE IF NOT EXISTS trap_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_ip TEXT NOT NULL,
			community TEXT NOT NULL DEFAULT '',
			version TEXT NOT NULL DEFAULT '',
			trap_oid TEXT NOT NULL,
			varbinds TEXT NOT NULL DEFAULT '{}',
			event_id TEXT NOT NULL DEFAULT '',
			received_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_trap_log_received
		ON trap_log(received_at);

		CREATE TABLE IF NOT EXISTS trap_events (
			id TEXT PRIMARY KEY,
			source_ip TEXT NOT NULL,
			trap_oid TEXT NOT NULL,
			vendor TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			object_type TEXT NOT NULL DEFAULT '',
			object_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			alarm_id TEXT NOT NULL,
			is_clear INTEGER NOT NULL DEFAULT 0,
			varbinds TEXT NOT NULL DEFAULT '{}',
			received_at INTEGER NOT NULL,
			cleared_event_id TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_trap_events_alarm
		ON trap_events(alarm_id, is_clear);

		CREATE TABLE IF NOT EXISTS trap_receiver_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			running INTEGER NOT NULL DEFAULT 0,
			traps_received INTEGER NOT NULL DEFAULT 0,
			traps_processed INTEGER NOT NULL DEFAULT 0,
			traps_errors INTEGER NOT NULL DEFAULT 0,
			traps_dropped INTEGER NOT NULL DEFAULT 0,
			queue_depth INTEGER NOT NULL DEFAULT 0,
			last_trap_at INTEGER,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS connectors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			connector_type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'disconnected',
			last_poll_at INTEGER,
			alerts_received INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS system_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			level TEXT NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_system_logs_time
		ON system_logs(timestamp, level);

		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			user TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_time
		ON audit_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("Schema initialized")
	return nil
}

// DB exposes the underlying handle for package-internal helpers and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close stops the retention worker and closes the database
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case <-s.doneCh:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Timeout waiting for store worker to stop")
		}
	})
	return s.db.Close()
}

// retentionWorker prunes aged rows on a fixed cadence
func (s *Store) retentionWorker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	// Initial sweep shortly after startup
	initial := time.NewTimer(5 * time.Minute)
	defer initial.Stop()

	for {
		select {
		case <-initial.C:
			s.runRetention()
		case <-ticker.C:
			s.runRetention()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer cancel()

	sweeps := []struct {
		table     string
		column    string
		retention time.Duration
	}{
		{"system_logs", "timestamp", s.config.SystemLogRetention},
		{"alert_history", "triggered_at", s.config.HistoryRetention},
		{"scheduler_job_executions", "created_at", s.config.ExecutionRetention},
		{"trap_log", "received_at", s.config.TrapLogRetention},
		{"trap_events", "received_at", s.config.TrapLogRetention},
		{"notification_history", "sent_at", s.config.NotificationRetention},
		{"audit_events", "timestamp", s.config.NotificationRetention},
	}

	for _, sweep := range sweeps {
		if sweep.retention <= 0 {
			continue
		}
		cutoff := time.Now().Add(-sweep.retention).Unix()
		query := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", sweep.table, sweep.column)
		result, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			log.Error().Err(err).Str("table", sweep.table).Msg("Retention sweep failed")
			continue
		}
		if deleted, err := result.RowsAffected(); err == nil && deleted > 0 {
			log.Debug().
				Str("table", sweep.table).
				Int64("deleted", deleted).
				Msg("Pruned aged rows")
		}
	}
}

// nullTime converts a nullable Unix-seconds column to *time.Time
func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// timeVal converts an optional time to its nullable Unix representation
func timeVal(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
