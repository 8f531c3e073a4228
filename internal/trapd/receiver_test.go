package trapd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/opsconductor/opsconductor/internal/alerting"
	"github.com/opsconductor/opsconductor/internal/mapping"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestReceiver(t *testing.T, cfg Config) (*Receiver, *store.Store, *mapping.Cache) {
	t.Helper()
	st := newTestStore(t)
	cache := mapping.New(context.Background(), st, time.Minute)
	t.Cleanup(cache.Stop)
	mgr := alerting.NewManager(st, 0)
	t.Cleanup(mgr.Stop)

	norm := normalize.NewSNMPNormalizer(cache)
	rcv := New(cfg, st, norm, func(ctx context.Context, a *models.NormalizedAlert) error {
		_, err := mgr.ProcessAlert(ctx, a)
		return err
	})
	return rcv, st, cache
}

func seedLinkMappings(t *testing.T, st *store.Store, cache *mapping.Cache) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []models.TrapMapping{
		{
			TrapOID:        oidLinkDown,
			AlertType:      "link_down",
			Severity:       models.SeverityMajor,
			Category:       models.CategoryNetwork,
			CorrelationKey: "{source_ip}:link:{object_id}",
			Enabled:        true,
		},
		{
			TrapOID:        oidLinkUp,
			AlertType:      "link_up",
			Severity:       models.SeverityClear,
			Category:       models.CategoryNetwork,
			IsClear:        true,
			CorrelationKey: "{source_ip}:link:{object_id}",
			Enabled:        true,
		},
	} {
		if err := st.UpsertTrapMapping(ctx, m); err != nil {
			t.Fatalf("seed mapping: %v", err)
		}
	}
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}
}

func linkTrap(sourceIP, trapOID, ifIndex string) *Trap {
	return &Trap{
		SourceIP:  sourceIP,
		Community: "public",
		Version:   "2c",
		TrapOID:   trapOID,
		Varbinds: map[string]string{
			oidIfIndex + "." + ifIndex: ifIndex,
		},
		ReceivedAt: time.Now(),
	}
}

func TestLinkDownLinkUpCorrelation(t *testing.T) {
	rcv, st, cache := newTestReceiver(t, Config{QueueSize: 16, Workers: 1})
	seedLinkMappings(t, st, cache)
	ctx := context.Background()

	rcv.processTrap(ctx, linkTrap("10.2.2.2", oidLinkDown, "3"))

	fp := normalize.Fingerprint("snmp", "10.2.2.2:link:3")
	alert, err := st.GetLiveByFingerprint(ctx, fp)
	if err != nil {
		t.Fatalf("live alert not found for fingerprint %s: %v", fp, err)
	}
	if alert.Severity != models.SeverityMajor {
		t.Errorf("severity = %s, want major", alert.Severity)
	}
	if alert.SourceSystem != "snmp" {
		t.Errorf("source = %s, want snmp", alert.SourceSystem)
	}

	events, err := st.ListTrapEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("trap events = %d, want 1", len(events))
	}

	rcv.processTrap(ctx, linkTrap("10.2.2.2", oidLinkUp, "3"))

	if _, err := st.GetLiveByFingerprint(ctx, fp); err == nil {
		t.Fatal("alert must be resolved after link up")
	}

	// The raise event must now point at the clear that closed it.
	events, err = st.ListTrapEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("trap events = %d, want 2", len(events))
	}
	var raise *models.TrapEvent
	for _, ev := range events {
		if !ev.IsClear {
			raise = ev
		}
	}
	if raise == nil {
		t.Fatal("raise event missing")
	}
	if raise.ClearedEventID == "" {
		t.Error("raise event not linked to its clear")
	}
}

func TestUnmappedTrapKeepsRawLogOnly(t *testing.T) {
	rcv, st, _ := newTestReceiver(t, Config{QueueSize: 16, Workers: 1})
	ctx := context.Background()

	trap := &Trap{
		SourceIP:   "10.9.9.9",
		Community:  "public",
		Version:    "2c",
		TrapOID:    "1.3.6.1.4.1.99999.0.1",
		Varbinds:   map[string]string{},
		ReceivedAt: time.Now(),
	}
	rcv.processTrap(ctx, trap)

	if n, err := st.CountTrapLog(ctx); err != nil || n != 1 {
		t.Fatalf("trap_log rows = %d (err %v), want 1", n, err)
	}
	events, err := st.ListTrapEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("trap events = %d, want 0 for unmapped trap", len(events))
	}
	if got := rcv.processed.Load(); got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
	if got := rcv.errCount.Load(); got != 0 {
		t.Errorf("errors = %d, want 0", got)
	}
}

func TestDuplicateAlarmRaiseDropped(t *testing.T) {
	rcv, st, cache := newTestReceiver(t, Config{QueueSize: 16, Workers: 1})
	seedLinkMappings(t, st, cache)
	ctx := context.Background()

	rcv.processTrap(ctx, linkTrap("10.2.2.2", oidLinkDown, "7"))
	rcv.processTrap(ctx, linkTrap("10.2.2.2", oidLinkDown, "7"))

	events, err := st.ListTrapEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("trap events = %d, want 1 (duplicate raise dropped)", len(events))
	}

	fp := normalize.Fingerprint("snmp", "10.2.2.2:link:7")
	alert, err := st.GetLiveByFingerprint(ctx, fp)
	if err != nil {
		t.Fatalf("live alert not found: %v", err)
	}
	if alert.OccurrenceCount != 1 {
		t.Errorf("occurrence count = %d, want 1 (alarm-level dedup happens first)", alert.OccurrenceCount)
	}

	// Both datagrams still leave a raw log row.
	if n, _ := st.CountTrapLog(ctx); n != 2 {
		t.Errorf("trap_log rows = %d, want 2", n)
	}
}

func TestSeverityMappingOnlyOptIn(t *testing.T) {
	rcv, st, cache := newTestReceiver(t, Config{QueueSize: 16, Workers: 1})
	ctx := context.Background()

	if err := st.UpsertSeverityMapping(ctx, models.SeverityMapping{
		ConnectorType: "snmp",
		SourceField:   "trap_oid",
		SourceValue:   oidAuthFailure,
		Severity:      models.SeverityWarning,
		Enabled:       true,
	}); err != nil {
		t.Fatalf("seed severity mapping: %v", err)
	}
	if err := cache.Refresh(ctx); err != nil {
		t.Fatalf("refresh cache: %v", err)
	}

	rcv.processTrap(ctx, &Trap{
		SourceIP:   "10.3.3.3",
		Version:    "2c",
		TrapOID:    oidAuthFailure,
		Varbinds:   map[string]string{},
		ReceivedAt: time.Now(),
	})

	events, err := st.ListTrapEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("trap events = %d, want 1 (severity row opts the OID in)", len(events))
	}

	alerts, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != models.SeverityWarning {
		t.Errorf("severity = %s, want warning", alerts[0].Severity)
	}
}

func TestDecodeV1EnterpriseSpecific(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: "public",
		SnmpTrap: gosnmp.SnmpTrap{
			Enterprise:   ".1.3.6.1.4.1.6141.2.60",
			AgentAddress: "10.5.5.5",
			GenericTrap:  6,
			SpecificTrap: 7,
		},
	}
	trap, err := decodePacket(pkt, &net.UDPAddr{IP: net.ParseIP("10.5.5.6"), Port: 49152})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if trap.TrapOID != "1.3.6.1.4.1.6141.2.60.0.7" {
		t.Errorf("trapOID = %s", trap.TrapOID)
	}
	if trap.SourceIP != "10.5.5.5" {
		t.Errorf("sourceIP = %s, want agent address", trap.SourceIP)
	}
	if trap.Version != "1" {
		t.Errorf("version = %s", trap.Version)
	}
}

func TestDecodeV1GenericTrap(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version1,
		Community: "public",
		SnmpTrap: gosnmp.SnmpTrap{
			Enterprise:  ".1.3.6.1.4.1.9",
			GenericTrap: 2, // linkDown
		},
	}
	trap, err := decodePacket(pkt, &net.UDPAddr{IP: net.ParseIP("10.0.0.9")})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if trap.TrapOID != oidLinkDown {
		t.Errorf("trapOID = %s, want %s", trap.TrapOID, oidLinkDown)
	}
	if trap.SourceIP != "10.0.0.9" {
		t.Errorf("sourceIP = %s", trap.SourceIP)
	}
}

func TestDecodeV2c(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(12345)},
			{Name: ".1.3.6.1.6.3.1.1.4.1.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.6.3.1.1.5.3"},
			{Name: ".1.3.6.1.2.1.2.2.1.1.3", Type: gosnmp.Integer, Value: 3},
			{Name: ".1.3.6.1.2.1.2.2.1.2.3", Type: gosnmp.OctetString, Value: []byte("ge-0/0/3")},
		},
	}
	trap, err := decodePacket(pkt, &net.UDPAddr{IP: net.ParseIP("10.2.2.2"), Port: 162})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if trap.TrapOID != oidLinkDown {
		t.Errorf("trapOID = %s", trap.TrapOID)
	}
	if got := trap.Varbinds["1.3.6.1.2.1.2.2.1.1.3"]; got != "3" {
		t.Errorf("ifIndex varbind = %q", got)
	}
	if got := trap.Varbinds["1.3.6.1.2.1.2.2.1.2.3"]; got != "ge-0/0/3" {
		t.Errorf("ifDescr varbind = %q", got)
	}
	if _, ok := trap.Varbinds[oidSysUpTime]; ok {
		t.Error("sysUpTime must not be kept as a payload varbind")
	}
	if trap.SourceIP != "10.2.2.2" {
		t.Errorf("sourceIP = %s", trap.SourceIP)
	}
}

func TestDecodeV2cWithoutTrapOIDFails(t *testing.T) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(1)},
		},
	}
	if _, err := decodePacket(pkt, nil); err == nil {
		t.Fatal("expected error for trap without snmpTrapOID")
	}
}

func TestVendorRouting(t *testing.T) {
	tests := []struct {
		oid    string
		vendor string
	}{
		{"1.3.6.1.4.1.6141.2.60.12.2.0.1", "ciena_wwp"},
		{"1.3.6.1.4.1.1271.2.1.25.2.0.1", "ciena_ces"},
		{"1.3.6.1.4.1.9.9.41.2.0.1", "cisco"},
		{"1.3.6.1.4.1.2636.4.5.0.1", "juniper"},
		{"1.3.6.1.4.1.11.2.14.12.1", "hp"},
		{"1.3.6.1.4.1.674.10892.1.0.1001", "dell"},
		{"1.3.6.1.4.1.534.1.11.3", "eaton"},
		{"1.3.6.1.4.1.99999.0.1", "generic"},
		{"1.3.6.1.4.1.91.1.2", "generic"}, // 91 must not match 9
		{oidLinkDown, "generic"},
	}
	for _, tt := range tests {
		if got := route(tt.oid).Vendor(); got != tt.vendor {
			t.Errorf("route(%s) = %s, want %s", tt.oid, got, tt.vendor)
		}
	}
}

func TestCienaAlarmRaiseAndClear(t *testing.T) {
	raise := &Trap{
		SourceIP: "10.7.7.7",
		TrapOID:  "1.3.6.1.4.1.6141.2.60.12.2.0.1",
		Varbinds: map[string]string{
			wwpAlarmBase + ".1.42": "42",
			wwpAlarmBase + ".2.42": "Optical power out of range",
			wwpAlarmBase + ".5.42": "4",
			wwpAlarmBase + ".6.42": "1",
		},
		ReceivedAt: time.Now(),
	}

	ev := route(raise.TrapOID).Handle(raise)
	if ev.Vendor != "ciena_wwp" {
		t.Errorf("vendor = %s", ev.Vendor)
	}
	if ev.AlarmID != "10.7.7.7:42" {
		t.Errorf("alarmID = %s", ev.AlarmID)
	}
	if ev.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", ev.Severity)
	}
	if ev.IsClear {
		t.Error("raise must not be a clear")
	}
	if ev.Description != "Optical power out of range" {
		t.Errorf("description = %q", ev.Description)
	}

	clear := &Trap{
		SourceIP: "10.7.7.7",
		TrapOID:  "1.3.6.1.4.1.6141.2.60.12.2.0.2",
		Varbinds: map[string]string{
			wwpAlarmBase + ".1.42": "42",
			wwpAlarmBase + ".2.42": "Optical power out of range",
			wwpAlarmBase + ".6.42": "2",
		},
		ReceivedAt: time.Now(),
	}
	cev := route(clear.TrapOID).Handle(clear)
	if !cev.IsClear {
		t.Error("condition 2 must decode as clear")
	}
	if cev.AlarmID != ev.AlarmID {
		t.Errorf("clear alarmID %s != raise alarmID %s", cev.AlarmID, ev.AlarmID)
	}
	if cev.Severity != models.SeverityClear {
		t.Errorf("clear severity = %s", cev.Severity)
	}
}

func TestEatonPowerPair(t *testing.T) {
	onBattery := route(oidXupsOnBattery).Handle(&Trap{
		SourceIP: "10.8.8.8",
		TrapOID:  oidXupsOnBattery,
		Varbinds: map[string]string{},
	})
	restored := route(oidXupsPowerRestored).Handle(&Trap{
		SourceIP: "10.8.8.8",
		TrapOID:  oidXupsPowerRestored,
		Varbinds: map[string]string{},
	})

	if onBattery.IsClear || !restored.IsClear {
		t.Error("on-battery must raise, power-restored must clear")
	}
	if onBattery.AlarmID != restored.AlarmID {
		t.Errorf("power pair alarm ids differ: %s vs %s", onBattery.AlarmID, restored.AlarmID)
	}
}

func TestEatonAlarmPairSharesIdentity(t *testing.T) {
	varbinds := map[string]string{
		"1.3.6.1.4.1.534.1.7.1": "Output overload",
	}
	raised := route(oidXupsAlarmRaised).Handle(&Trap{
		SourceIP: "10.9.9.9",
		TrapOID:  oidXupsAlarmRaised,
		Varbinds: varbinds,
	})
	cleared := route(oidXupsAlarmCleared).Handle(&Trap{
		SourceIP: "10.9.9.9",
		TrapOID:  oidXupsAlarmCleared,
		Varbinds: varbinds,
	})

	if raised.IsClear || !cleared.IsClear {
		t.Error("alarm-raised must raise, alarm-cleared must clear")
	}
	if raised.EventType != "ups_alarm" || cleared.EventType != "ups_alarm_clear" {
		t.Errorf("event types = %s / %s", raised.EventType, cleared.EventType)
	}
	if raised.AlarmID != cleared.AlarmID {
		t.Errorf("alarm pair ids differ: %s vs %s", raised.AlarmID, cleared.AlarmID)
	}
	if raised.AlarmID != "10.9.9.9:ups_alarm:Output overload" {
		t.Errorf("alarmID = %s", raised.AlarmID)
	}
}

func trapPacket(community string) *gosnmp.SnmpPacket {
	return &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: community,
		Variables: []gosnmp.SnmpPDU{
			{Name: ".1.3.6.1.6.3.1.1.4.1.0", Type: gosnmp.ObjectIdentifier, Value: "." + oidLinkDown},
		},
	}
}

func TestQueueOverflowDropsAndCounts(t *testing.T) {
	rcv, _, _ := newTestReceiver(t, Config{QueueSize: 1, Workers: 1})
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 49152}

	// No worker is draining, so the second datagram overflows.
	rcv.onTrap(trapPacket("public"), addr)
	rcv.onTrap(trapPacket("public"), addr)

	if got := rcv.received.Load(); got != 2 {
		t.Errorf("received = %d, want 2", got)
	}
	if got := rcv.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if got := rcv.errCount.Load(); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if depth := len(rcv.queue); depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestCommunityValidation(t *testing.T) {
	rcv, _, _ := newTestReceiver(t, Config{
		QueueSize:         4,
		Workers:           1,
		ValidateCommunity: true,
		Communities:       []string{"public", "ops"},
	})
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 49152}

	rcv.onTrap(trapPacket("wrong"), addr)
	if got := rcv.errCount.Load(); got != 1 {
		t.Errorf("errors = %d, want 1 after unknown community", got)
	}
	if depth := len(rcv.queue); depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}

	rcv.onTrap(trapPacket("ops"), addr)
	if depth := len(rcv.queue); depth != 1 {
		t.Errorf("queue depth = %d, want 1 after valid community", depth)
	}
}
