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

const sourceSystemGeneric = "generic"

// GenericNormalizer handles webhook sources that already speak something close
// to the canonical form: flat JSON with device_ip, severity, alert_type and
// friends. The connector name becomes the source system so distinct generic
// sources never share fingerprints.
type GenericNormalizer struct {
	mappings MappingLookup
	resolver *Resolver
}

func NewGenericNormalizer(mappings MappingLookup, resolver *Resolver) *GenericNormalizer {
	return &GenericNormalizer{mappings: mappings, resolver: resolver}
}

func (n *GenericNormalizer) Type() string { return sourceSystemGeneric }

func (n *GenericNormalizer) Normalize(ctx context.Context, raw *RawPayload) (*models.NormalizedAlert, error) {
	source := raw.ConnectorName
	if source == "" {
		source = sourceSystemGeneric
	}

	alertType := Slug(raw.Field("alert_type"))
	if alertType == "" {
		return nil, pkgerrors.NewValidationError("normalize", source,
			fmt.Errorf("%w: payload carries no alert_type", pkgerrors.ErrInvalidInput))
	}

	deviceIP, err := n.resolver.DeviceIP(ctx, raw.Field("device_ip"), raw.Field("device_name"))
	if err != nil {
		log.Warn().
			Str("connector", raw.ConnectorName).
			Str("alertType", alertType).
			Msg("Dropping payload without resolvable device address")
		return nil, err
	}

	severity := n.severityFor(raw.Field("severity"))
	isClear := parseClearFlag(raw.Field("is_clear")) || severity == models.SeverityClear

	category := models.ParseCategory(raw.Field("category"))
	if raw.Field("category") == "" {
		if mapped, ok := n.mappings.Category(sourceSystemGeneric, "alert_type", alertType); ok {
			category = mapped
		}
	}

	correlationKey := raw.Field("correlation_key")
	if correlationKey == "" {
		correlationKey = alertType + ":" + deviceIP
	}

	title := raw.Field("title")
	if title == "" {
		title = alertType
	}

	rawData := raw.Data
	if len(rawData) == 0 {
		rawData, _ = json.Marshal(raw.Fields)
	}

	return &models.NormalizedAlert{
		SourceSystem:  source,
		SourceAlertID: raw.Field("source_alert_id"),
		DeviceIP:      deviceIP,
		DeviceName:    raw.Field("device_name"),
		Severity:      severity,
		Category:      category,
		AlertType:     alertType,
		Title:         title,
		Message:       raw.Field("message"),
		OccurredAt:    n.occurredAt(raw),
		IsClear:       isClear,
		RawData:       rawData,
		Fingerprint:   Fingerprint(source, correlationKey),
	}, nil
}

func (n *GenericNormalizer) severityFor(value string) models.Severity {
	if value == "" {
		return models.SeverityWarning
	}
	if sev, ok := n.mappings.Severity(sourceSystemGeneric, "severity", value); ok {
		return sev
	}
	return models.ParseSeverity(strings.ToLower(value))
}

func (n *GenericNormalizer) occurredAt(raw *RawPayload) time.Time {
	if s := raw.Field("occurred_at"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
		log.Debug().Str("occurredAt", s).Msg("Unparseable occurred_at, using receive time")
	}
	if !raw.ReceivedAt.IsZero() {
		return raw.ReceivedAt.UTC()
	}
	return time.Now().UTC()
}

func parseClearFlag(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
