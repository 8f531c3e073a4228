package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
)

// TypeGeneric identifies the catch-all webhook connector type.
const TypeGeneric = "generic"

// Generic accepts webhook payloads that already carry the canonical fields
// (device_ip, severity, alert_type, is_clear). One generic connector per
// external source keeps fingerprints separated, since the connector name
// becomes the source system.
type Generic struct {
	rec        models.ConnectorRecord
	normalizer normalize.Normalizer
	started    atomic.Bool
}

// NewGeneric builds the connector from its stored registration.
func NewGeneric(rec models.ConnectorRecord, deps Deps) (Connector, error) {
	normalizer, ok := deps.Normalizers.Get(TypeGeneric)
	if !ok {
		return nil, fmt.Errorf("generic normalizer not registered")
	}
	return &Generic{rec: rec, normalizer: normalizer}, nil
}

func (g *Generic) Type() string { return TypeGeneric }

func (g *Generic) Start(ctx context.Context) error {
	g.started.Store(true)
	return nil
}

func (g *Generic) Stop(ctx context.Context) error {
	g.started.Store(false)
	return nil
}

// TestConnection reports readiness; the connector has no outbound side.
func (g *Generic) TestConnection(ctx context.Context) models.TestResult {
	return models.TestResult{
		Success: true,
		Message: fmt.Sprintf("webhook endpoint ready at /webhook/%d", g.rec.ID),
	}
}

// HandleWebhook parses a JSON or form-encoded payload and feeds it through
// the generic normalizer. A payload the normalizer drops returns nil so the
// HTTP layer still answers 2xx.
func (g *Generic) HandleWebhook(ctx context.Context, body []byte, header http.Header) (*models.NormalizedAlert, error) {
	fields, err := parseWebhookBody(body, header.Get("Content-Type"))
	if err != nil {
		return nil, pkgerrors.NewValidationError("webhook", TypeGeneric, err)
	}

	raw := &normalize.RawPayload{
		ConnectorType: TypeGeneric,
		ConnectorName: g.rec.Name,
		Fields:        fields,
		Data:          body,
		ReceivedAt:    time.Now(),
	}
	alert, err := g.normalizer.Normalize(ctx, raw)
	if err != nil {
		log.Warn().
			Str("connector", g.rec.Name).
			Err(err).
			Msg("Webhook payload dropped by normalizer")
		return nil, nil
	}
	return alert, nil
}
