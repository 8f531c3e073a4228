package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/pkg/prtg"
)

// TypePRTG identifies the PRTG connector type.
const TypePRTG = "prtg"

// PRTG ingests from a PRTG Network Monitor server two ways: polling the
// sensor table for abnormal sensors, and receiving the documented
// notification webhook. Both paths converge on the prtg normalizer, so a
// polled Down and a webhook Up for the same sensor share a fingerprint.
type PRTG struct {
	rec        models.ConnectorRecord
	cfg        models.ConnectorConfig
	normalizer normalize.Normalizer
	client     *prtg.Client

	started atomic.Bool

	// Sensors alerted on in the previous poll, by objid. A sensor that
	// leaves the set produces a synthesized Up so the raise gets cleared.
	// In-memory only; after a restart the dedup index absorbs re-raises.
	alerted map[int64]prtg.Sensor
}

// NewPRTG builds the connector from its stored registration.
func NewPRTG(rec models.ConnectorRecord, deps Deps) (Connector, error) {
	var cfg models.ConnectorConfig
	if err := cfg.Decode(rec.Config); err != nil {
		return nil, fmt.Errorf("invalid prtg config: %w", err)
	}
	normalizer, ok := deps.Normalizers.Get(TypePRTG)
	if !ok {
		return nil, fmt.Errorf("prtg normalizer not registered")
	}
	return &PRTG{
		rec:        rec,
		cfg:        cfg,
		normalizer: normalizer,
		alerted:    make(map[int64]prtg.Sensor),
	}, nil
}

func (p *PRTG) Type() string { return TypePRTG }

// Start creates the outbound HTTP session when a URL is configured. Without
// one the connector runs in webhook-only mode. Idempotent.
func (p *PRTG) Start(ctx context.Context) error {
	if p.started.Swap(true) {
		return nil
	}
	if p.cfg.URL == "" {
		log.Info().Str("connector", p.rec.Name).Msg("PRTG connector in webhook-only mode")
		return nil
	}

	timeout := 30 * time.Second
	if p.cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(p.cfg.TimeoutSeconds) * time.Second
	}
	client, err := prtg.NewClient(prtg.ClientConfig{
		URL:       p.cfg.URL,
		APIToken:  p.cfg.APIToken,
		Username:  p.cfg.Username,
		Passhash:  p.cfg.Passhash,
		VerifySSL: p.cfg.TLSVerify(),
		Timeout:   timeout,
	})
	if err != nil {
		p.started.Store(false)
		return err
	}
	p.client = client
	return nil
}

func (p *PRTG) Stop(ctx context.Context) error {
	p.started.Store(false)
	p.client = nil
	return nil
}

// TestConnection probes the server without emitting alerts.
func (p *PRTG) TestConnection(ctx context.Context) models.TestResult {
	if p.cfg.URL == "" {
		return models.TestResult{
			Success: true,
			Message: "webhook-only mode; no outbound endpoint configured",
		}
	}
	client := p.client
	if client == nil {
		var err error
		client, err = prtg.NewClient(prtg.ClientConfig{
			URL:       p.cfg.URL,
			APIToken:  p.cfg.APIToken,
			Username:  p.cfg.Username,
			Passhash:  p.cfg.Passhash,
			VerifySSL: p.cfg.TLSVerify(),
		})
		if err != nil {
			return models.TestResult{Success: false, Message: err.Error()}
		}
	}

	status, err := client.Probe(ctx)
	if err != nil {
		return models.TestResult{Success: false, Message: err.Error()}
	}
	details := map[string]string{"version": status.Version}
	if status.Alarms > 0 {
		details["alarms"] = strconv.FormatInt(status.Alarms, 10)
	}
	return models.TestResult{
		Success: true,
		Message: fmt.Sprintf("connected to PRTG %s", status.Version),
		Details: details,
	}
}

// Poll fetches abnormal sensors and normalizes them into raises; sensors
// that recovered since the previous poll become synthesized clears.
func (p *PRTG) Poll(ctx context.Context) ([]models.NormalizedAlert, error) {
	if p.client == nil {
		return nil, nil
	}

	sensors, err := p.client.Sensors(ctx,
		prtg.StatusDown, prtg.StatusWarning, prtg.StatusUnusual,
		prtg.StatusDownAck, prtg.StatusDownPartial)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors: %w", err)
	}

	var alerts []models.NormalizedAlert
	current := make(map[int64]prtg.Sensor, len(sensors))
	for _, s := range sensors {
		alert, err := p.normalizeSensor(ctx, s, false)
		if err != nil {
			log.Warn().
				Str("connector", p.rec.Name).
				Int64("sensor", s.ObjID).
				Err(err).
				Msg("Dropping unnormalizable sensor")
			continue
		}
		current[s.ObjID] = s
		alerts = append(alerts, *alert)
	}

	for objid, s := range p.alerted {
		if _, stillDown := current[objid]; stillDown {
			continue
		}
		clear, err := p.normalizeSensor(ctx, s, true)
		if err != nil {
			log.Warn().
				Str("connector", p.rec.Name).
				Int64("sensor", objid).
				Err(err).
				Msg("Dropping unnormalizable recovery")
			continue
		}
		alerts = append(alerts, *clear)
	}
	p.alerted = current

	return alerts, nil
}

// normalizeSensor feeds one sensor row through the prtg normalizer, as the
// webhook fields of the same sensor would arrive.
func (p *PRTG) normalizeSensor(ctx context.Context, s prtg.Sensor, recovered bool) (*models.NormalizedAlert, error) {
	status := s.Status
	statusID := strconv.Itoa(s.StatusRaw)
	message := s.Message
	if recovered {
		status = "Up"
		statusID = strconv.Itoa(prtg.StatusUp)
		message = "sensor returned to up"
	}

	raw := &normalize.RawPayload{
		ConnectorType: TypePRTG,
		ConnectorName: p.rec.Name,
		Fields: map[string]string{
			"sensorid": strconv.FormatInt(s.ObjID, 10),
			"sensor":   s.Sensor,
			"device":   s.Device,
			"host":     s.Host,
			"status":   status,
			"statusid": statusID,
			"message":  message,
			"datetime": s.LastCheck,
		},
		ReceivedAt: time.Now(),
	}
	return p.normalizer.Normalize(ctx, raw)
}

// HandleWebhook parses the PRTG notification POST. JSON and form-encoded
// bodies are accepted; anything else is a validation error. A payload the
// normalizer drops returns nil so the HTTP layer still answers 2xx.
func (p *PRTG) HandleWebhook(ctx context.Context, body []byte, header http.Header) (*models.NormalizedAlert, error) {
	fields, err := parseWebhookBody(body, header.Get("Content-Type"))
	if err != nil {
		return nil, pkgerrors.NewValidationError("webhook", TypePRTG, err)
	}

	raw := &normalize.RawPayload{
		ConnectorType: TypePRTG,
		ConnectorName: p.rec.Name,
		Fields:        fields,
		Data:          body,
		ReceivedAt:    time.Now(),
	}
	alert, err := p.normalizer.Normalize(ctx, raw)
	if err != nil {
		log.Warn().
			Str("connector", p.rec.Name).
			Err(err).
			Msg("Webhook payload dropped by normalizer")
		return nil, nil
	}
	return alert, nil
}

// parseWebhookBody decodes a JSON or form-encoded payload into flat string
// fields. The content type decides; without one the first byte does.
func parseWebhookBody(body []byte, contentType string) (map[string]string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, fmt.Errorf("empty body")
	}

	isJSON := strings.Contains(contentType, "json")
	if contentType == "" {
		isJSON = strings.HasPrefix(trimmed, "{")
	}

	if isJSON {
		var m map[string]any
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		fields := make(map[string]string, len(m))
		for k, v := range m {
			switch t := v.(type) {
			case string:
				fields[k] = t
			case float64:
				fields[k] = strconv.FormatFloat(t, 'f', -1, 64)
			case bool:
				fields[k] = strconv.FormatBool(t)
			case nil:
			default:
				b, _ := json.Marshal(t)
				fields[k] = string(b)
			}
		}
		return fields, nil
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields, nil
}
