package store

import (
	"context"
	"fmt"

	"github.com/opsconductor/opsconductor/internal/models"
)

// ListSeverityMappings returns all enabled severity mapping rows.
func (s *Store) ListSeverityMappings(ctx context.Context) ([]models.SeverityMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_type, source_field, source_value, severity, enabled
		FROM severity_mappings WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query severity mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.SeverityMapping
	for rows.Next() {
		var m models.SeverityMapping
		var severity string
		if err := rows.Scan(&m.ID, &m.ConnectorType, &m.SourceField, &m.SourceValue, &severity, &m.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan severity mapping: %w", err)
		}
		m.Severity = models.Severity(severity)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ListCategoryMappings returns all enabled category mapping rows.
func (s *Store) ListCategoryMappings(ctx context.Context) ([]models.CategoryMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connector_type, source_field, source_value, category, enabled
		FROM category_mappings WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.CategoryMapping
	for rows.Next() {
		var m models.CategoryMapping
		var category string
		if err := rows.Scan(&m.ID, &m.ConnectorType, &m.SourceField, &m.SourceValue, &category, &m.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan category mapping: %w", err)
		}
		m.Category = models.Category(category)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// ListTrapMappings returns all enabled trap OID mapping rows.
func (s *Store) ListTrapMappings(ctx context.Context) ([]models.TrapMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trap_oid, vendor, alert_type, severity, category, is_clear,
			correlation_key, description, enabled
		FROM snmp_trap_mappings WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trap mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.TrapMapping
	for rows.Next() {
		var m models.TrapMapping
		var severity, category string
		if err := rows.Scan(&m.ID, &m.TrapOID, &m.Vendor, &m.AlertType, &severity, &category,
			&m.IsClear, &m.CorrelationKey, &m.Description, &m.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan trap mapping: %w", err)
		}
		m.Severity = models.Severity(severity)
		m.Category = models.Category(category)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// UpsertSeverityMapping inserts or refreshes one severity mapping row.
func (s *Store) UpsertSeverityMapping(ctx context.Context, m models.SeverityMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO severity_mappings (connector_type, source_field, source_value, severity, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connector_type, source_field, source_value)
		DO UPDATE SET severity = excluded.severity, enabled = excluded.enabled
	`, m.ConnectorType, m.SourceField, m.SourceValue, string(m.Severity), m.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert severity mapping: %w", err)
	}
	return nil
}

// UpsertCategoryMapping inserts or refreshes one category mapping row.
func (s *Store) UpsertCategoryMapping(ctx context.Context, m models.CategoryMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO category_mappings (connector_type, source_field, source_value, category, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connector_type, source_field, source_value)
		DO UPDATE SET category = excluded.category, enabled = excluded.enabled
	`, m.ConnectorType, m.SourceField, m.SourceValue, string(m.Category), m.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert category mapping: %w", err)
	}
	return nil
}

// UpsertTrapMapping inserts or refreshes one trap OID mapping row.
func (s *Store) UpsertTrapMapping(ctx context.Context, m models.TrapMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snmp_trap_mappings (trap_oid, vendor, alert_type, severity, category,
			is_clear, correlation_key, description, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trap_oid) DO UPDATE SET
			vendor = excluded.vendor,
			alert_type = excluded.alert_type,
			severity = excluded.severity,
			category = excluded.category,
			is_clear = excluded.is_clear,
			correlation_key = excluded.correlation_key,
			description = excluded.description,
			enabled = excluded.enabled
	`, m.TrapOID, m.Vendor, m.AlertType, string(m.Severity), string(m.Category),
		m.IsClear, m.CorrelationKey, m.Description, m.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert trap mapping: %w", err)
	}
	return nil
}
