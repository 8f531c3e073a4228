// Package mapping caches the severity, category, and trap OID mapping tables
// so normalizers can consult them without touching the database per payload.
package mapping

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/opsconductor/opsconductor/internal/models"
)

// Store is the persistence surface the cache loads from.
type Store interface {
	ListSeverityMappings(ctx context.Context) ([]models.SeverityMapping, error)
	ListCategoryMappings(ctx context.Context) ([]models.CategoryMapping, error)
	ListTrapMappings(ctx context.Context) ([]models.TrapMapping, error)
}

type mapKey struct {
	connectorType string
	sourceField   string
	sourceValue   string
}

// snapshot is an immutable view of all mapping tables. Readers always see a
// coherent snapshot; refresh swaps the pointer atomically.
type snapshot struct {
	severities map[mapKey]models.Severity
	categories map[mapKey]models.Category
	traps      map[string]models.TrapMapping
	loadedAt   time.Time
}

// Cache holds the current mapping snapshot and refreshes it on demand, on a
// timer, and on explicit invalidation.
type Cache struct {
	store    Store
	interval time.Duration

	current atomic.Pointer[snapshot]
	group   singleflight.Group

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a cache and performs the initial load. The cache is usable even
// when the initial load fails; lookups miss until a refresh succeeds.
func New(ctx context.Context, store Store, refreshInterval time.Duration) *Cache {
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	c := &Cache{
		store:    store,
		interval: refreshInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	c.current.Store(&snapshot{
		severities: map[mapKey]models.Severity{},
		categories: map[mapKey]models.Category{},
		traps:      map[string]models.TrapMapping{},
	})

	if err := c.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial mapping load failed; cache starts empty")
	}

	go c.refreshLoop()
	return c
}

// Severity looks up a severity mapping.
func (c *Cache) Severity(connectorType, sourceField, sourceValue string) (models.Severity, bool) {
	snap := c.current.Load()
	sev, ok := snap.severities[mapKey{connectorType, sourceField, sourceValue}]
	return sev, ok
}

// Category looks up a category mapping.
func (c *Cache) Category(connectorType, sourceField, sourceValue string) (models.Category, bool) {
	snap := c.current.Load()
	cat, ok := snap.categories[mapKey{connectorType, sourceField, sourceValue}]
	return cat, ok
}

// Trap looks up a trap OID mapping.
func (c *Cache) Trap(trapOID string) (models.TrapMapping, bool) {
	snap := c.current.Load()
	m, ok := snap.traps[trapOID]
	return m, ok
}

// TrapCount returns the number of cached trap mappings.
func (c *Cache) TrapCount() int {
	return len(c.current.Load().traps)
}

// LoadedAt returns when the current snapshot was built.
func (c *Cache) LoadedAt() time.Time {
	return c.current.Load().loadedAt
}

// Refresh rebuilds the snapshot from the store. Concurrent callers share one
// load.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.load(ctx)
	})
	return err
}

// Invalidate schedules an asynchronous refresh. Used when mapping tables
// change out from under the cache.
func (c *Cache) Invalidate() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			log.Error().Err(err).Msg("Mapping cache refresh failed")
		}
	}()
}

// Stop halts the background refresher.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

func (c *Cache) refreshLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Periodic mapping refresh failed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) load(ctx context.Context) error {
	severities, err := c.store.ListSeverityMappings(ctx)
	if err != nil {
		return err
	}
	categories, err := c.store.ListCategoryMappings(ctx)
	if err != nil {
		return err
	}
	traps, err := c.store.ListTrapMappings(ctx)
	if err != nil {
		return err
	}

	snap := &snapshot{
		severities: make(map[mapKey]models.Severity, len(severities)),
		categories: make(map[mapKey]models.Category, len(categories)),
		traps:      make(map[string]models.TrapMapping, len(traps)),
		loadedAt:   time.Now(),
	}
	for _, m := range severities {
		snap.severities[mapKey{m.ConnectorType, m.SourceField, m.SourceValue}] = m.Severity
	}
	for _, m := range categories {
		snap.categories[mapKey{m.ConnectorType, m.SourceField, m.SourceValue}] = m.Category
	}
	for _, m := range traps {
		snap.traps[m.TrapOID] = m
	}

	c.current.Store(snap)

	log.Debug().
		Int("severities", len(snap.severities)).
		Int("categories", len(snap.categories)).
		Int("traps", len(snap.traps)).
		Msg("Mapping cache refreshed")
	return nil
}
