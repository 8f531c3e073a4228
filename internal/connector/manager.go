package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/store"
)

const (
	pollTimeout      = time.Minute
	bookkeepTimeout  = 10 * time.Second
	defaultPollEvery = 60 * time.Second
)

// ErrUnknownConnector is returned when an id or name matches no running
// connector instance.
var ErrUnknownConnector = errors.New("unknown connector")

// instance pairs a stored registration with its running connector. The mutex
// serializes Poll and HandleWebhook so each connector's stream reaches the
// alert manager in order.
type instance struct {
	rec  models.ConnectorRecord
	conn Connector
	poll time.Duration

	mu sync.Mutex
}

// Manager owns the connector instances: it builds them from stored rows,
// runs one poll loop per polling connector, and persists status snapshots.
// It never restarts a failed connector on its own; pollers simply get
// re-invoked on their next tick.
type Manager struct {
	store    *store.Store
	registry *Registry
	metrics  *metrics.Metrics
	deps     Deps

	mu        sync.RWMutex
	instances map[int64]*instance

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates the manager. deps.Sink receives every alert the
// connectors produce.
func NewManager(st *store.Store, registry *Registry, deps Deps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	deps.Store = st
	return &Manager{
		store:     st,
		registry:  registry,
		metrics:   metrics.Get(),
		deps:      deps,
		instances: make(map[int64]*instance),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Start loads enabled connector rows, builds and starts each one, and spawns
// poll loops. Rows without a compiled-in factory are skipped with a warning;
// a connector that fails to start is left in error state and does not stop
// the others.
func (m *Manager) Start(ctx context.Context) error {
	records, err := m.store.ListConnectors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load connectors: %w", err)
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true

	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		conn, err := m.registry.Build(rec, m.deps)
		if err != nil {
			log.Warn().
				Str("connector", rec.Name).
				Str("type", rec.ConnectorType).
				Err(err).
				Msg("Skipping connector that could not be built")
			continue
		}
		m.instances[rec.ID] = &instance{
			rec:  rec,
			conn: conn,
			poll: pollInterval(rec),
		}
	}
	m.mu.Unlock()

	g := new(errgroup.Group)
	for _, inst := range m.instances {
		inst := inst
		g.Go(func() error { return m.startInstance(ctx, inst) })
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("One or more connectors failed to start")
	}

	log.Info().
		Int("connectors", len(m.instances)).
		Msg("Connector manager started")
	return nil
}

func (m *Manager) startInstance(ctx context.Context, inst *instance) error {
	m.setStatus(inst, models.ConnectorConnecting, "")

	if err := inst.conn.Start(ctx); err != nil {
		m.setStatus(inst, models.ConnectorError, err.Error())
		return fmt.Errorf("connector %s: %w", inst.rec.Name, err)
	}
	m.setStatus(inst, models.ConnectorConnected, "")

	if _, ok := inst.conn.(Poller); ok && inst.poll > 0 {
		m.wg.Add(1)
		go m.pollLoop(inst)
	}
	return nil
}

// Stop shuts down all connectors and waits for the poll loops to drain.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if err := inst.conn.Stop(ctx); err != nil {
			log.Warn().Str("connector", inst.rec.Name).Err(err).Msg("Connector stop failed")
		}
		m.setStatus(inst, models.ConnectorDisconnected, "")
	}
	log.Info().Msg("Connector manager stopped")
}

// pollLoop drives one polling connector: poll, record, sleep. Cancellation
// preempts the sleep.
func (m *Manager) pollLoop(inst *instance) {
	defer m.wg.Done()

	log.Info().
		Str("connector", inst.rec.Name).
		Dur("interval", inst.poll).
		Msg("Connector poll loop started")

	for {
		m.pollOnce(m.baseCtx, inst)

		timer := time.NewTimer(inst.poll)
		select {
		case <-m.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce runs a single serialized poll cycle and persists the outcome.
// Bookkeeping writes use a detached context so a shutdown mid-poll still
// records what happened.
func (m *Manager) pollOnce(ctx context.Context, inst *instance) {
	poller, ok := inst.conn.(Poller)
	if !ok {
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	// A failing poll may still return partial results; deliver those before
	// flipping the status.
	alerts, pollErr := poller.Poll(pctx)
	now := time.Now()

	for i := range alerts {
		if err := m.deps.Sink(pctx, &alerts[i]); err != nil {
			log.Warn().
				Str("connector", inst.rec.Name).
				Str("fingerprint", alerts[i].Fingerprint).
				Err(err).
				Msg("Failed to process polled alert")
		}
	}

	bctx, bcancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer bcancel()
	if err := m.store.RecordConnectorPoll(bctx, inst.rec.ID, now, int64(len(alerts))); err != nil {
		log.Warn().Str("connector", inst.rec.Name).Err(err).Msg("Failed to record poll")
	}

	if pollErr != nil {
		m.setStatus(inst, models.ConnectorError, pollErr.Error())
		log.Warn().
			Str("connector", inst.rec.Name).
			Err(pollErr).
			Msg("Connector poll failed")
		return
	}
	m.setStatus(inst, models.ConnectorConnected, "")
}

// PollNow runs one poll cycle for the connector with the given id or name.
// The scheduler's job handler calls this.
func (m *Manager) PollNow(ctx context.Context, key string) error {
	inst, err := m.lookup(key)
	if err != nil {
		return err
	}
	if _, ok := inst.conn.(Poller); !ok {
		return fmt.Errorf("connector %s does not poll", inst.rec.Name)
	}
	m.pollOnce(ctx, inst)
	return nil
}

// HandleWebhook routes a pushed payload to the connector registered under
// id. The returned alert is nil when the payload was accepted but dropped.
func (m *Manager) HandleWebhook(ctx context.Context, id int64, body []byte, header http.Header) (*models.NormalizedAlert, error) {
	m.mu.RLock()
	inst, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownConnector
	}
	receiver, isReceiver := inst.conn.(WebhookReceiver)
	if !isReceiver {
		return nil, fmt.Errorf("%w: connector %s does not accept webhooks", ErrUnknownConnector, inst.rec.Name)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	alert, err := receiver.HandleWebhook(ctx, body, header)
	if err != nil {
		m.metrics.RecordPayloadDropped(inst.rec.ConnectorType, "malformed")
		return nil, err
	}
	if alert == nil {
		m.metrics.RecordPayloadDropped(inst.rec.ConnectorType, "unmapped")
		return nil, nil
	}

	if err := m.deps.Sink(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to process webhook alert: %w", err)
	}

	bctx, bcancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer bcancel()
	if err := m.store.AddConnectorAlerts(bctx, id, 1); err != nil {
		log.Warn().Str("connector", inst.rec.Name).Err(err).Msg("Failed to update alert count")
	}
	return alert, nil
}

// Test runs the connectivity probe of the connector with the given id or
// name. It never emits alerts.
func (m *Manager) Test(ctx context.Context, key string) (models.TestResult, error) {
	inst, err := m.lookup(key)
	if err != nil {
		return models.TestResult{}, err
	}
	return inst.conn.TestConnection(ctx), nil
}

// Statuses returns the persisted connector rows, which carry the status
// snapshots this manager writes.
func (m *Manager) Statuses(ctx context.Context) ([]models.ConnectorRecord, error) {
	return m.store.ListConnectors(ctx)
}

func (m *Manager) lookup(key string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		if inst, ok := m.instances[id]; ok {
			return inst, nil
		}
	}
	for _, inst := range m.instances {
		if inst.rec.Name == key {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, key)
}

// setStatus persists a status transition. Writes are detached from caller
// contexts so shutdown still records the final state.
func (m *Manager) setStatus(inst *instance, state models.ConnectorState, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepTimeout)
	defer cancel()
	if err := m.store.UpdateConnectorStatus(ctx, inst.rec.ID, state, lastError); err != nil {
		log.Warn().
			Str("connector", inst.rec.Name).
			Str("state", string(state)).
			Err(err).
			Msg("Failed to persist connector status")
	}
}

func pollInterval(rec models.ConnectorRecord) time.Duration {
	var cfg models.ConnectorConfig
	if err := cfg.Decode(rec.Config); err != nil {
		return defaultPollEvery
	}
	// An unset interval polls at the default cadence. Zero (or less)
	// disables the loop; the scheduler can still drive PollNow.
	if cfg.PollIntervalSeconds == nil {
		return defaultPollEvery
	}
	if *cfg.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(*cfg.PollIntervalSeconds) * time.Second
}
