// Package connector hosts the pluggable ingest sources. Every source
// implements the same lifecycle contract; pollers and webhook receivers add
// capability interfaces on top. The manager owns the instances, drives the
// poll loops, and persists each connector's observable status.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/internal/store"
)

// SinkFunc receives every normalized alert a connector produces. In the wired
// pipeline this is alerting.Manager.ProcessAlert.
type SinkFunc func(ctx context.Context, alert *models.NormalizedAlert) error

// Connector is the lifecycle contract every ingest source implements.
// Start must be idempotent; Stop releases resources best-effort and must
// unblock any in-flight work promptly.
type Connector interface {
	Type() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	TestConnection(ctx context.Context) models.TestResult
}

// Poller is the capability interface for connectors that fetch alerts on a
// cadence. Poll must not mutate shared state beyond the connector's own
// counters; the manager serializes calls per connector.
type Poller interface {
	Poll(ctx context.Context) ([]models.NormalizedAlert, error)
}

// WebhookReceiver is the capability interface for connectors that accept
// pushed payloads. A nil alert with a nil error means the payload was
// understood but deliberately dropped.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, body []byte, header http.Header) (*models.NormalizedAlert, error)
}

// Deps carries the shared collaborators a factory may wire into a connector.
type Deps struct {
	Store       *store.Store
	Normalizers *normalize.Registry
	SNMP        *normalize.SNMPNormalizer
	Sink        SinkFunc
}

// Factory builds a connector from its stored registration.
type Factory func(rec models.ConnectorRecord, deps Deps) (Connector, error)

// Registry maps connector types to factories. Types are compiled in; stored
// rows whose type has no factory are ignored at startup with a warning.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a connector type, replacing any previous one.
func (r *Registry) Register(connectorType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[connectorType] = f
}

// Build instantiates a connector from its stored registration.
func (r *Registry) Build(rec models.ConnectorRecord, deps Deps) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[rec.ConnectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for connector type %q", rec.ConnectorType)
	}
	return f(rec, deps)
}

// Types lists the registered connector types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultRegistry returns a registry with all compiled-in connector types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypePRTG, NewPRTG)
	r.Register(TypeGeneric, NewGeneric)
	r.Register(TypeSNMPPoll, NewSNMPPoll)
	r.Register(TypeSNMPTrap, NewSNMPTrap)
	return r
}
