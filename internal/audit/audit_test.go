package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/opsconductor/opsconductor/internal/store"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{User: "ops", IP: "10.0.0.9", RequestID: "req-1"})
	actor := ActorFrom(ctx)
	if actor.User != "ops" || actor.IP != "10.0.0.9" || actor.RequestID != "req-1" {
		t.Fatalf("actor not preserved: %+v", actor)
	}
}

func TestActorDefaultsToSystem(t *testing.T) {
	actor := ActorFrom(context.Background())
	if actor.User != "system" {
		t.Fatalf("background actor = %q, want system", actor.User)
	}
}

type captureLogger struct {
	mu     sync.Mutex
	events []store.AuditEvent
}

func (c *captureLogger) Log(_ context.Context, ev store.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureLogger) Close() error { return nil }

func TestRecordUsesContextActor(t *testing.T) {
	capture := &captureLogger{}
	SetLogger(capture)
	defer SetLogger(nil)

	ctx := WithActor(context.Background(), Actor{User: "alice", RequestID: "req-7"})
	Record(ctx, "alert.acknowledged", "alert 42")

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(capture.events))
	}
	ev := capture.events[0]
	if ev.EventType != "alert.acknowledged" || ev.User != "alice" || ev.RequestID != "req-7" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("event id and timestamp must be populated")
	}
}
