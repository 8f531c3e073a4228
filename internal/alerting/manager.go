// Package alerting owns the alert lifecycle: raise with fingerprint dedup,
// clear correlation, acknowledgement, manual resolve, and TTL expiry. The
// store write here is the pipeline's commit point; everything downstream
// (notifications, websocket events) hangs off the callbacks and can fail
// without rolling the alert back.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/audit"
	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

// Action says what ProcessAlert did with a payload.
type Action string

const (
	ActionRaised       Action = "raised"
	ActionDeduplicated Action = "deduplicated"
	ActionResolved     Action = "resolved"
	ActionIgnored      Action = "ignored"
)

// Result reports the outcome of one processed payload.
type Result struct {
	Action Action
	Alert  *models.StoredAlert
}

const expirySweepInterval = 1 * time.Minute

// Manager processes normalized alerts against the store and publishes
// lifecycle events to its callbacks.
type Manager struct {
	store   *store.Store
	metrics *metrics.Metrics
	ttl     time.Duration

	mu             sync.RWMutex
	onRaised       func(alert *models.StoredAlert, deduplicated bool)
	onResolved     func(alert *models.StoredAlert)
	onAcknowledged func(alert *models.StoredAlert)
	onExpired      func(alert *models.StoredAlert)

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates the manager and starts the TTL expiry sweep. ttl <= 0
// disables expiry entirely.
func NewManager(st *store.Store, ttl time.Duration) *Manager {
	m := &Manager{
		store:   st,
		metrics: metrics.Get(),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.expiryChecker()
	return m
}

// Stop terminates the expiry sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// SetRaisedCallback sets the callback for new and deduplicated raises.
func (m *Manager) SetRaisedCallback(cb func(alert *models.StoredAlert, deduplicated bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRaised = cb
}

// SetResolvedCallback sets the callback for alerts archived as resolved.
func (m *Manager) SetResolvedCallback(cb func(alert *models.StoredAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolved = cb
}

// SetAcknowledgedCallback sets the callback for acknowledged alerts.
func (m *Manager) SetAcknowledgedCallback(cb func(alert *models.StoredAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAcknowledged = cb
}

// SetExpiredCallback sets the callback for alerts swept past their TTL.
func (m *Manager) SetExpiredCallback(cb func(alert *models.StoredAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpired = cb
}

// ProcessAlert is the single entry point for normalized payloads. Raises are
// upserted against the live fingerprint index; clears archive the matching
// live alert and are a no-op when nothing matches.
func (m *Manager) ProcessAlert(ctx context.Context, alert *models.NormalizedAlert) (*Result, error) {
	if alert == nil {
		return &Result{Action: ActionIgnored}, nil
	}

	if alert.IsClear || alert.Severity == models.SeverityClear {
		return m.processClear(ctx, alert)
	}
	return m.processRaise(ctx, alert)
}

func (m *Manager) processRaise(ctx context.Context, alert *models.NormalizedAlert) (*Result, error) {
	id, deduplicated, err := m.store.UpsertRaise(ctx, alert, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to raise alert: %w", err)
	}

	stored, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load raised alert %d: %w", id, err)
	}

	if deduplicated {
		m.metrics.RecordAlertDeduplicated(alert.SourceSystem)
		log.Debug().
			Int64("alertId", id).
			Str("fingerprint", alert.Fingerprint).
			Int64("occurrences", stored.OccurrenceCount).
			Msg("Raise folded into existing alert")
	} else {
		m.metrics.RecordAlertRaised(alert.SourceSystem)
		log.Info().
			Int64("alertId", id).
			Str("source", alert.SourceSystem).
			Str("severity", string(stored.Severity)).
			Str("alertType", stored.AlertType).
			Str("deviceIp", stored.DeviceIP).
			Msg("Alert raised")
	}

	m.dispatchRaised(stored, deduplicated)

	action := ActionRaised
	if deduplicated {
		action = ActionDeduplicated
	}
	return &Result{Action: action, Alert: stored}, nil
}

func (m *Manager) processClear(ctx context.Context, alert *models.NormalizedAlert) (*Result, error) {
	resolvedAt := alert.OccurredAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}

	resolved, err := m.store.ArchiveByFingerprint(ctx, alert.Fingerprint, resolvedAt)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			log.Debug().
				Str("fingerprint", alert.Fingerprint).
				Str("source", alert.SourceSystem).
				Msg("Clear without matching live alert, ignoring")
			return &Result{Action: ActionIgnored}, nil
		}
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	m.metrics.RecordAlertResolved(alert.SourceSystem)
	log.Info().
		Int64("alertId", resolved.ID).
		Str("source", alert.SourceSystem).
		Str("alertType", resolved.AlertType).
		Msg("Alert resolved")

	m.dispatchResolved(resolved)
	return &Result{Action: ActionResolved, Alert: resolved}, nil
}

// Acknowledge marks an active alert as acknowledged by an operator.
func (m *Manager) Acknowledge(ctx context.Context, id int64, user string) (*models.StoredAlert, error) {
	if err := m.store.Acknowledge(ctx, id, user, time.Now()); err != nil {
		return nil, err
	}

	stored, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load acknowledged alert %d: %w", id, err)
	}

	audit.Record(ctx, "alert.acknowledged", fmt.Sprintf("alert %d (%s)", id, stored.AlertType))
	log.Info().
		Int64("alertId", id).
		Str("user", user).
		Msg("Alert acknowledged")

	m.dispatchAcknowledged(stored)
	return stored, nil
}

// Resolve archives a live alert by id. This is the operator path; source
// clears go through ProcessAlert.
func (m *Manager) Resolve(ctx context.Context, id int64) (*models.StoredAlert, error) {
	resolved, err := m.store.ArchiveByID(ctx, id, models.StatusResolved, time.Now())
	if err != nil {
		return nil, err
	}

	m.metrics.RecordAlertResolved(resolved.SourceSystem)
	audit.Record(ctx, "alert.resolved", fmt.Sprintf("alert %d (%s)", id, resolved.AlertType))
	log.Info().
		Int64("alertId", id).
		Str("alertType", resolved.AlertType).
		Msg("Alert resolved manually")

	m.dispatchResolved(resolved)
	return resolved, nil
}

// Active returns the current live alerts.
func (m *Manager) Active(ctx context.Context) ([]*models.StoredAlert, error) {
	return m.store.ListActive(ctx)
}

func (m *Manager) expiryChecker() {
	defer close(m.doneCh)
	if m.ttl <= 0 {
		<-m.stopCh
		return
	}

	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list expired alerts")
		return
	}
	if len(expired) == 0 {
		return
	}

	swept := 0
	for _, alert := range expired {
		archived, err := m.store.ArchiveByID(ctx, alert.ID, models.StatusExpired, now)
		if err != nil {
			log.Error().Err(err).Int64("alertId", alert.ID).Msg("Failed to expire alert")
			continue
		}
		swept++
		m.dispatchExpired(archived)
	}

	if swept > 0 {
		m.metrics.RecordAlertsExpired(swept)
		log.Info().Int("count", swept).Msg("Expired alerts past TTL")
	}
}

func (m *Manager) dispatchRaised(alert *models.StoredAlert, deduplicated bool) {
	m.mu.RLock()
	cb := m.onRaised
	m.mu.RUnlock()
	if cb == nil || alert == nil {
		return
	}
	go cb(alert, deduplicated)
}

func (m *Manager) dispatchResolved(alert *models.StoredAlert) {
	m.mu.RLock()
	cb := m.onResolved
	m.mu.RUnlock()
	if cb == nil || alert == nil {
		return
	}
	go cb(alert)
}

func (m *Manager) dispatchAcknowledged(alert *models.StoredAlert) {
	m.mu.RLock()
	cb := m.onAcknowledged
	m.mu.RUnlock()
	if cb == nil || alert == nil {
		return
	}
	go cb(alert)
}

func (m *Manager) dispatchExpired(alert *models.StoredAlert) {
	m.mu.RLock()
	cb := m.onExpired
	m.mu.RUnlock()
	if cb == nil || alert == nil {
		return
	}
	go cb(alert)
}
