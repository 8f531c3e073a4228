package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/internal/models"
)

type fakeMappings struct {
	severities map[string]models.Severity
	categories map[string]models.Category
	traps      map[string]models.TrapMapping
}

func (f *fakeMappings) Severity(connectorType, sourceField, sourceValue string) (models.Severity, bool) {
	sev, ok := f.severities[connectorType+"/"+sourceField+"/"+sourceValue]
	return sev, ok
}

func (f *fakeMappings) Category(connectorType, sourceField, sourceValue string) (models.Category, bool) {
	cat, ok := f.categories[connectorType+"/"+sourceField+"/"+sourceValue]
	return cat, ok
}

func (f *fakeMappings) Trap(trapOID string) (models.TrapMapping, bool) {
	m, ok := f.traps[trapOID]
	return m, ok
}

func emptyMappings() *fakeMappings {
	return &fakeMappings{
		severities: map[string]models.Severity{},
		categories: map[string]models.Category{},
		traps:      map[string]models.TrapMapping{},
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("snmp", "10.2.2.2:link:3")
	b := Fingerprint("snmp", "10.2.2.2:link:3")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%s)", len(a), a)
	}
	if Fingerprint("prtg", "10.2.2.2:link:3") == a {
		t.Error("different sources must not share fingerprints")
	}
	if Fingerprint("snmp", "10.2.2.2:link:4") == a {
		t.Error("different correlation keys must not share fingerprints")
	}
}

func TestExpandCorrelationKey(t *testing.T) {
	facts := TrapFacts{
		SourceIP: "10.2.2.2",
		TrapOID:  "1.3.6.1.6.3.1.1.5.3",
		ObjectID: "3",
		AlarmID:  "alarm-7",
	}
	tests := []struct {
		template string
		want     string
	}{
		{"{source_ip}:link:{object_id}", "10.2.2.2:link:3"},
		{"{alarm_id}", "alarm-7"},
		{"{source_ip}:{trap_oid}", "10.2.2.2:1.3.6.1.6.3.1.1.5.3"},
		{"static-key", "static-key"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandCorrelationKey(tt.template, facts); got != tt.want {
			t.Errorf("ExpandCorrelationKey(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

func TestExtractIPv4(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.1.1.1", "10.1.1.1"},
		{"core-sw1 (192.168.0.254) uplink", "192.168.0.254"},
		{"300.1.1.1", ""},
		{"300.1.1.1 then 10.0.0.1", "10.0.0.1"},
		{"no address here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractIPv4(tt.in); got != tt.want {
			t.Errorf("ExtractIPv4(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ping", "ping"},
		{"Down (Acknowledged)", "down_acknowledged"},
		{"HTTP Sensor #2", "http_sensor_2"},
		{"  spaced  out  ", "spaced_out"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func prtgPayload(overrides map[string]string) *RawPayload {
	fields := map[string]string{
		"sensorid": "42",
		"deviceid": "7",
		"device":   "sw1",
		"status":   "Down",
		"statusid": "5",
		"message":  "ping",
		"datetime": "01/06/2026 21:00:00",
		"host":     "10.1.1.1",
	}
	for k, v := range overrides {
		fields[k] = v
	}
	return &RawPayload{
		ConnectorType: "prtg",
		ConnectorName: "prtg-lab",
		Fields:        fields,
		ReceivedAt:    time.Now(),
	}
}

func TestPRTGNormalizeDown(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewPRTGNormalizer(emptyMappings(), resolver)

	alert, err := n.Normalize(context.Background(), prtgPayload(nil))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if alert.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", alert.Severity)
	}
	if alert.Category != models.CategoryNetwork {
		t.Errorf("category = %s, want network", alert.Category)
	}
	if alert.AlertType != "prtg_ping_down" {
		t.Errorf("alertType = %s, want prtg_ping_down", alert.AlertType)
	}
	if alert.DeviceIP != "10.1.1.1" {
		t.Errorf("deviceIP = %s, want 10.1.1.1", alert.DeviceIP)
	}
	if alert.IsClear {
		t.Error("Down payload must not be a clear")
	}
	if alert.SourceAlertID != "42" {
		t.Errorf("sourceAlertID = %s, want 42", alert.SourceAlertID)
	}
	if alert.OccurredAt.IsZero() || alert.OccurredAt.Year() != 2026 {
		t.Errorf("occurredAt not parsed: %v", alert.OccurredAt)
	}
}

func TestPRTGRaiseClearShareFingerprint(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewPRTGNormalizer(emptyMappings(), resolver)

	down, err := n.Normalize(context.Background(), prtgPayload(nil))
	if err != nil {
		t.Fatalf("down Normalize failed: %v", err)
	}
	up, err := n.Normalize(context.Background(), prtgPayload(map[string]string{
		"status": "Up", "statusid": "3",
	}))
	if err != nil {
		t.Fatalf("up Normalize failed: %v", err)
	}
	if !up.IsClear {
		t.Error("statusid 3 must normalize as a clear")
	}
	if up.Severity != models.SeverityClear {
		t.Errorf("up severity = %s, want clear", up.Severity)
	}
	if down.Fingerprint != up.Fingerprint {
		t.Errorf("raise/clear fingerprints differ: %s vs %s", down.Fingerprint, up.Fingerprint)
	}
}

func TestPRTGSeverityMappingOverride(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	m := emptyMappings()
	m.severities["prtg/statusid/5"] = models.SeverityMajor
	n := NewPRTGNormalizer(m, resolver)

	alert, err := n.Normalize(context.Background(), prtgPayload(nil))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if alert.Severity != models.SeverityMajor {
		t.Errorf("severity = %s, want mapping override major", alert.Severity)
	}
}

func TestPRTGRejectsPayloadWithoutSensor(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewPRTGNormalizer(emptyMappings(), resolver)

	payload := prtgPayload(nil)
	delete(payload.Fields, "sensorid")
	delete(payload.Fields, "deviceid")
	_, err := n.Normalize(context.Background(), payload)
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPRTGRejectsUnresolvableDevice(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewPRTGNormalizer(emptyMappings(), resolver)

	payload := prtgPayload(map[string]string{
		"host":   "definitely-not-a-real-host.invalid",
		"device": "also-not-real.invalid",
	})
	_, err := n.Normalize(context.Background(), payload)
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error for unresolvable device, got %v", err)
	}
}

func linkDownEvent() *models.TrapEvent {
	return &models.TrapEvent{
		ID:         "01HTESTEVENT0000000000000",
		SourceIP:   "10.2.2.2",
		TrapOID:    "1.3.6.1.6.3.1.1.5.3",
		Vendor:     "generic",
		EventType:  "link_down",
		ObjectType: "interface",
		ObjectID:   "3",
		Varbinds:   map[string]string{"1.3.6.1.2.1.2.2.1.1": "3"},
		ReceivedAt: time.Date(2026, 6, 1, 21, 0, 0, 0, time.UTC),
	}
}

func TestSNMPLinkDownLinkUpCorrelate(t *testing.T) {
	m := emptyMappings()
	m.traps["1.3.6.1.6.3.1.1.5.3"] = models.TrapMapping{
		TrapOID:        "1.3.6.1.6.3.1.1.5.3",
		AlertType:      "link_down",
		Severity:       models.SeverityMajor,
		Category:       models.CategoryNetwork,
		CorrelationKey: "{source_ip}:link:{object_id}",
		Enabled:        true,
	}
	m.traps["1.3.6.1.6.3.1.1.5.4"] = models.TrapMapping{
		TrapOID:        "1.3.6.1.6.3.1.1.5.4",
		AlertType:      "link_up",
		Severity:       models.SeverityClear,
		Category:       models.CategoryNetwork,
		IsClear:        true,
		CorrelationKey: "{source_ip}:link:{object_id}",
		Enabled:        true,
	}
	n := NewSNMPNormalizer(m)

	down, err := n.FromTrapEvent(context.Background(), linkDownEvent())
	if err != nil {
		t.Fatalf("linkDown normalize failed: %v", err)
	}
	if down == nil {
		t.Fatal("mapped trap must not be dropped")
	}
	if down.Fingerprint != Fingerprint("snmp", "10.2.2.2:link:3") {
		t.Errorf("fingerprint = %s, want sha256 over snmp:10.2.2.2:link:3", down.Fingerprint)
	}
	if down.IsClear {
		t.Error("linkDown must not be a clear")
	}

	upEvent := linkDownEvent()
	upEvent.TrapOID = "1.3.6.1.6.3.1.1.5.4"
	upEvent.EventType = "link_up"
	up, err := n.FromTrapEvent(context.Background(), upEvent)
	if err != nil {
		t.Fatalf("linkUp normalize failed: %v", err)
	}
	if !up.IsClear {
		t.Error("linkUp must normalize as a clear")
	}
	if up.Fingerprint != down.Fingerprint {
		t.Errorf("linkUp fingerprint %s does not match linkDown %s", up.Fingerprint, down.Fingerprint)
	}
}

func TestSNMPUnmappedTrapDropped(t *testing.T) {
	n := NewSNMPNormalizer(emptyMappings())
	ev := linkDownEvent()
	ev.TrapOID = "1.3.6.1.4.1.99999.0.1"

	alert, err := n.FromTrapEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alert != nil {
		t.Fatalf("unmapped trap must be dropped, got %+v", alert)
	}
}

func TestSNMPSeverityOnlyMappingSynthesized(t *testing.T) {
	m := emptyMappings()
	m.severities["snmp/trap_oid/1.3.6.1.4.1.6141.0.7"] = models.SeverityMinor
	n := NewSNMPNormalizer(m)

	ev := linkDownEvent()
	ev.TrapOID = "1.3.6.1.4.1.6141.0.7"
	ev.AlarmID = "chassis:fan1"
	alert, err := n.FromTrapEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if alert == nil {
		t.Fatal("severity-only mapping must still produce an alert")
	}
	if alert.Severity != models.SeverityMinor {
		t.Errorf("severity = %s, want minor", alert.Severity)
	}
	if alert.Fingerprint != Fingerprint("snmp", "chassis:fan1") {
		t.Error("alarm id must drive the fingerprint when no template is set")
	}
}

func TestSNMPClearMappingForcesClearSeverity(t *testing.T) {
	m := emptyMappings()
	m.traps["1.3.6.1.4.1.6141.0.8"] = models.TrapMapping{
		TrapOID:   "1.3.6.1.4.1.6141.0.8",
		AlertType: "fan_restored",
		Severity:  models.SeverityMajor,
		IsClear:   true,
		Enabled:   true,
	}
	n := NewSNMPNormalizer(m)

	ev := linkDownEvent()
	ev.TrapOID = "1.3.6.1.4.1.6141.0.8"
	alert, err := n.FromTrapEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !alert.IsClear {
		t.Fatal("is_clear mapping must produce a clear")
	}
	if alert.Severity != models.SeverityClear {
		t.Errorf("severity = %s, want clear on a clear", alert.Severity)
	}
}

func TestSNMPLeadingDotStripped(t *testing.T) {
	m := emptyMappings()
	m.traps["1.3.6.1.6.3.1.1.5.3"] = models.TrapMapping{
		TrapOID:   "1.3.6.1.6.3.1.1.5.3",
		AlertType: "link_down",
		Severity:  models.SeverityMajor,
		Enabled:   true,
	}
	n := NewSNMPNormalizer(m)
	if _, ok := n.Mapping(".1.3.6.1.6.3.1.1.5.3"); !ok {
		t.Error("mapping lookup must tolerate a leading dot")
	}
}

func TestGenericNormalize(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewGenericNormalizer(emptyMappings(), resolver)

	raw := &RawPayload{
		ConnectorType: "generic",
		ConnectorName: "cmdb-sync",
		Fields: map[string]string{
			"device_ip":  "10.9.9.9",
			"severity":   "major",
			"alert_type": "disk_full",
			"message":    "array 90% full",
			"category":   "storage",
		},
		ReceivedAt: time.Now(),
	}
	alert, err := n.Normalize(context.Background(), raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if alert.SourceSystem != "cmdb-sync" {
		t.Errorf("sourceSystem = %s, want connector name", alert.SourceSystem)
	}
	if alert.Severity != models.SeverityMajor || alert.Category != models.CategoryStorage {
		t.Errorf("got %s/%s, want major/storage", alert.Severity, alert.Category)
	}
	if alert.Fingerprint != Fingerprint("cmdb-sync", "disk_full:10.9.9.9") {
		t.Error("default correlation key must be alert_type:device_ip")
	}

	raw.Fields["is_clear"] = "true"
	clear, err := n.Normalize(context.Background(), raw)
	if err != nil {
		t.Fatalf("clear Normalize failed: %v", err)
	}
	if !clear.IsClear {
		t.Error("is_clear=true must mark the payload as a clear")
	}
	if clear.Fingerprint != alert.Fingerprint {
		t.Error("clear must share the raise fingerprint")
	}
}

func TestGenericRequiresAlertType(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()
	n := NewGenericNormalizer(emptyMappings(), resolver)

	raw := &RawPayload{
		ConnectorName: "cmdb-sync",
		Fields:        map[string]string{"device_ip": "10.9.9.9"},
	}
	if _, err := n.Normalize(context.Background(), raw); !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	resolver := NewResolver()
	defer resolver.Stop()

	reg := NewRegistry()
	reg.Register(NewPRTGNormalizer(emptyMappings(), resolver))
	reg.Register(NewSNMPNormalizer(emptyMappings()))

	if _, ok := reg.Get("prtg"); !ok {
		t.Error("prtg normalizer not registered")
	}
	if _, ok := reg.Get("snmp_trap"); !ok {
		t.Error("snmp_trap normalizer not registered")
	}
	if _, ok := reg.Get("nonexistent"); ok {
		t.Error("unknown type must not resolve")
	}
	if len(reg.Types()) != 2 {
		t.Errorf("expected 2 registered types, got %d", len(reg.Types()))
	}
}
