// Package normalize turns source-specific payloads into the canonical alert
// form. One normalizer is registered per connector type; all of them share
// the device-IP resolution and fingerprinting rules.
package normalize

import (
	"context"
	"sync"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
)

// RawPayload is a source payload before normalization. Fields holds the
// parsed source attributes; Data preserves the payload verbatim for audit.
type RawPayload struct {
	ConnectorType string
	ConnectorName string
	Fields        map[string]string
	Data          []byte
	ReceivedAt    time.Time
}

// Field returns a parsed attribute or the empty string.
func (r *RawPayload) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// Normalizer converts one source's payloads to NormalizedAlert. A nil alert
// with a nil error means the payload was deliberately dropped.
type Normalizer interface {
	Type() string
	Normalize(ctx context.Context, raw *RawPayload) (*models.NormalizedAlert, error)
}

// Registry maps connector types to their normalizers.
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[string]Normalizer)}
}

// Register adds a normalizer, replacing any previous one for the same type.
func (r *Registry) Register(n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[n.Type()] = n
}

// Get returns the normalizer for a connector type.
func (r *Registry) Get(connectorType string) (Normalizer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[connectorType]
	return n, ok
}

// Types returns the registered connector types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.normalizers))
	for t := range r.normalizers {
		types = append(types, t)
	}
	return types
}
