package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/models"
)

const (
	sourceSystemSNMP = "snmp"
	connectorTrap    = "snmp_trap"
)

// SNMPNormalizer converts decoded trap events into normalized alerts. Only
// traps that are opted in through snmp_trap_mappings (or, minimally, a
// severity_mappings row keyed on the trap OID) produce an alert; everything
// else is dropped after the trap_log write.
type SNMPNormalizer struct {
	mappings MappingLookup
}

func NewSNMPNormalizer(mappings MappingLookup) *SNMPNormalizer {
	return &SNMPNormalizer{mappings: mappings}
}

func (n *SNMPNormalizer) Type() string { return connectorTrap }

// Mapping returns the trap mapping for an OID. When only a severity_mappings
// row exists for the OID, a minimal mapping is synthesized from it so the
// trap still flows through; false means the trap is unmapped.
func (n *SNMPNormalizer) Mapping(trapOID string) (models.TrapMapping, bool) {
	oid := strings.TrimPrefix(trapOID, ".")
	if m, ok := n.mappings.Trap(oid); ok {
		return m, true
	}
	if sev, ok := n.mappings.Severity(sourceSystemSNMP, "trap_oid", oid); ok {
		return models.TrapMapping{
			TrapOID:   oid,
			AlertType: "snmp_" + Slug(oid),
			Severity:  sev,
			Category:  models.CategoryNetwork,
			IsClear:   sev == models.SeverityClear,
			Enabled:   true,
		}, true
	}
	return models.TrapMapping{}, false
}

// FromTrapEvent builds the canonical alert for a stored trap event. A nil,
// nil return means the OID is unmapped and the event goes no further.
func (n *SNMPNormalizer) FromTrapEvent(ctx context.Context, ev *models.TrapEvent) (*models.NormalizedAlert, error) {
	mapping, ok := n.Mapping(ev.TrapOID)
	if !ok {
		log.Debug().
			Str("trapOid", ev.TrapOID).
			Str("sourceIp", ev.SourceIP).
			Msg("Dropping trap with no mapping")
		return nil, nil
	}

	severity := mapping.Severity
	if severity == "" {
		severity = ev.Severity
	}
	if severity == "" {
		severity = models.SeverityWarning
	}
	isClear := mapping.IsClear || ev.IsClear || severity == models.SeverityClear
	if isClear {
		// A clear is a clear regardless of what the mapping row says.
		severity = models.SeverityClear
	}

	category := mapping.Category
	if category == "" {
		category = models.CategoryNetwork
	}

	alertType := mapping.AlertType
	if alertType == "" {
		alertType = "snmp_" + Slug(ev.EventType)
	}

	correlationKey := ExpandCorrelationKey(mapping.CorrelationKey, TrapFacts{
		SourceIP:   ev.SourceIP,
		TrapOID:    ev.TrapOID,
		ObjectType: ev.ObjectType,
		ObjectID:   ev.ObjectID,
		AlarmID:    ev.AlarmID,
	})
	if correlationKey == "" {
		correlationKey = ev.AlarmID
	}
	if correlationKey == "" {
		correlationKey = alertType
	}

	title := mapping.Description
	if title == "" {
		title = ev.Description
	}
	if title == "" {
		title = alertType
	}

	message := ev.Description
	if ev.ObjectType != "" && ev.ObjectID != "" {
		message = strings.TrimSpace(fmt.Sprintf("%s (%s %s)", message, ev.ObjectType, ev.ObjectID))
	}

	sourceAlertID := ev.AlarmID
	if sourceAlertID == "" {
		sourceAlertID = ev.ID
	}

	rawData, _ := json.Marshal(ev)

	return &models.NormalizedAlert{
		SourceSystem:  sourceSystemSNMP,
		SourceAlertID: sourceAlertID,
		DeviceIP:      ev.SourceIP,
		DeviceName:    ev.SourceIP,
		Severity:      severity,
		Category:      category,
		AlertType:     alertType,
		Title:         title,
		Message:       message,
		OccurredAt:    ev.ReceivedAt,
		IsClear:       isClear,
		RawData:       rawData,
		Fingerprint:   Fingerprint(sourceSystemSNMP, correlationKey),
	}, nil
}

// Normalize satisfies Normalizer for payloads carrying a JSON-encoded trap
// event, which is how trap datagrams enter the shared pipeline.
func (n *SNMPNormalizer) Normalize(ctx context.Context, raw *RawPayload) (*models.NormalizedAlert, error) {
	var ev models.TrapEvent
	if err := json.Unmarshal(raw.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode trap event payload: %w", err)
	}
	return n.FromTrapEvent(ctx, &ev)
}
