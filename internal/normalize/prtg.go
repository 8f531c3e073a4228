package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

const sourceSystemPRTG = "prtg"

// MappingLookup is the slice of the mapping cache the normalizers consume.
type MappingLookup interface {
	Severity(connectorType, sourceField, sourceValue string) (models.Severity, bool)
	Category(connectorType, sourceField, sourceValue string) (models.Category, bool)
	Trap(trapOID string) (models.TrapMapping, bool)
}

// prtgStatusSeverity is the built-in fallback for PRTG sensor states, used
// when no severity_mappings row overrides a statusid.
var prtgStatusSeverity = map[string]models.Severity{
	"3":  models.SeverityClear,    // Up
	"4":  models.SeverityWarning,  // Warning
	"5":  models.SeverityCritical, // Down
	"10": models.SeverityMinor,    // Unusual
	"13": models.SeverityMajor,    // Down (Acknowledged)
	"14": models.SeverityMajor,    // Down (Partial)
}

var prtgDatetimeLayouts = []string{
	"01/02/2006 15:04:05",
	"02/01/2006 15:04:05",
	time.RFC3339,
}

// PRTGNormalizer converts PRTG webhook notifications and poll rows into
// normalized alerts. The poll path reuses the webhook field names, so one
// normalizer covers both.
type PRTGNormalizer struct {
	mappings MappingLookup
	resolver *Resolver
}

// NewPRTGNormalizer wires the PRTG normalizer to the mapping cache and the
// shared device resolver.
func NewPRTGNormalizer(mappings MappingLookup, resolver *Resolver) *PRTGNormalizer {
	return &PRTGNormalizer{mappings: mappings, resolver: resolver}
}

func (n *PRTGNormalizer) Type() string { return sourceSystemPRTG }

// Normalize builds the canonical alert for one PRTG payload. The sensor id is
// the correlation identity, so a Down and its later Up share a fingerprint
// even though their alert_type differs.
func (n *PRTGNormalizer) Normalize(ctx context.Context, raw *RawPayload) (*models.NormalizedAlert, error) {
	sensorID := raw.Field("sensorid")
	if sensorID == "" {
		sensorID = raw.Field("deviceid")
	}
	if sensorID == "" {
		return nil, pkgerrors.NewValidationError("normalize", sourceSystemPRTG,
			fmt.Errorf("%w: payload carries neither sensorid nor deviceid", pkgerrors.ErrInvalidInput))
	}

	deviceIP, err := n.resolver.DeviceIP(ctx, raw.Field("host"), raw.Field("device"))
	if err != nil {
		log.Warn().
			Str("connector", raw.ConnectorName).
			Str("sensorid", sensorID).
			Str("host", raw.Field("host")).
			Msg("Dropping PRTG payload without resolvable device address")
		return nil, err
	}

	statusID := raw.Field("statusid")
	status := raw.Field("status")
	severity := n.severityFor(statusID, status)
	isClear := severity == models.SeverityClear

	kind := Slug(raw.Field("sensor"))
	if kind == "" {
		if words := strings.Fields(raw.Field("message")); len(words) > 0 {
			kind = Slug(words[0])
		}
	}
	if kind == "" {
		kind = "sensor"
	}
	state := Slug(status)
	if state == "" {
		if isClear {
			state = "up"
		} else {
			state = "down"
		}
	}

	category, ok := n.mappings.Category(sourceSystemPRTG, "sensor", kind)
	if !ok {
		category = models.CategoryNetwork
	}

	rawData := raw.Data
	if len(rawData) == 0 {
		rawData, _ = json.Marshal(raw.Fields)
	}

	return &models.NormalizedAlert{
		SourceSystem:  sourceSystemPRTG,
		SourceAlertID: sensorID,
		DeviceIP:      deviceIP,
		DeviceName:    raw.Field("device"),
		Severity:      severity,
		Category:      category,
		AlertType:     sourceSystemPRTG + "_" + kind + "_" + state,
		Title:         joinNonEmpty(" ", raw.Field("device"), raw.Field("sensor"), status),
		Message:       raw.Field("message"),
		OccurredAt:    n.occurredAt(raw),
		IsClear:       isClear,
		RawData:       rawData,
		Fingerprint:   Fingerprint(sourceSystemPRTG, sensorID),
	}, nil
}

// severityFor resolves severity through the mapping table, then the built-in
// statusid table, then the status text, defaulting to warning.
func (n *PRTGNormalizer) severityFor(statusID, status string) models.Severity {
	if statusID != "" {
		if sev, ok := n.mappings.Severity(sourceSystemPRTG, "statusid", statusID); ok {
			return sev
		}
		if sev, ok := prtgStatusSeverity[statusID]; ok {
			return sev
		}
	}
	switch strings.ToLower(status) {
	case "up":
		return models.SeverityClear
	case "down":
		return models.SeverityCritical
	case "warning":
		return models.SeverityWarning
	case "unusual":
		return models.SeverityMinor
	}
	return models.SeverityWarning
}

func (n *PRTGNormalizer) occurredAt(raw *RawPayload) time.Time {
	if s := raw.Field("datetime"); s != "" {
		for _, layout := range prtgDatetimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		log.Debug().Str("datetime", s).Msg("Unparseable PRTG datetime, using receive time")
	}
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt.UTC()
	}
	return time.Now().UTC()
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
