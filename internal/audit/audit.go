// Package audit records operator actions: who did what, from where, and when.
// The actor travels on the context so low-level components never take user
// parameters; the HTTP layer attaches it once per request.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/store"
)

// Actor identifies who performed an operation.
type Actor struct {
	User      string
	IP        string
	RequestID string
}

type actorKey struct{}

// WithActor attaches an actor to the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor on the context. Background operations that
// never saw a request get the system actor.
func ActorFrom(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Actor{User: "system"}
}

// Logger is the audit backend contract.
type Logger interface {
	Log(ctx context.Context, ev store.AuditEvent) error
	Close() error
}

var (
	globalLogger Logger
	loggerMu     sync.RWMutex
)

// SetLogger installs the audit backend. Called once during startup; later
// calls replace the backend.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// GetLogger returns the installed backend, falling back to console output.
func GetLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return consoleLogger{}
}

// Record logs one audit event using the actor on the context. Failures are
// logged and swallowed; audit must never fail the operation it describes.
func Record(ctx context.Context, eventType, details string) {
	actor := ActorFrom(ctx)
	ev := store.AuditEvent{
		ID:        ulid.Make().String(),
		Timestamp: time.Now(),
		EventType: eventType,
		User:      actor.User,
		IP:        actor.IP,
		RequestID: actor.RequestID,
		Details:   details,
	}
	if err := GetLogger().Log(ctx, ev); err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to log audit event")
	}
}

// consoleLogger writes audit events to the application log. It is the
// fallback when no store-backed logger has been installed.
type consoleLogger struct{}

func (consoleLogger) Log(_ context.Context, ev store.AuditEvent) error {
	log.Info().
		Str("auditId", ev.ID).
		Str("event", ev.EventType).
		Str("user", ev.User).
		Str("ip", ev.IP).
		Str("requestId", ev.RequestID).
		Str("details", ev.Details).
		Msg("Audit event")
	return nil
}

func (consoleLogger) Close() error { return nil }

// StoreLogger persists audit events to the audit_events table.
type StoreLogger struct {
	store *store.Store
}

// NewStoreLogger creates a store-backed audit logger.
func NewStoreLogger(st *store.Store) *StoreLogger {
	return &StoreLogger{store: st}
}

// Log writes the row even when the request context has already ended; the
// operation being audited has committed by the time this runs.
func (l *StoreLogger) Log(ctx context.Context, ev store.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return l.store.InsertAuditEvent(ctx, ev)
}

func (l *StoreLogger) Close() error { return nil }
