package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
)

// TypeSNMPPoll identifies the active SNMP polling connector type.
const TypeSNMPPoll = "snmp_poll"

// Vendor health OIDs the poller knows how to read. Polled observations are
// synthesized into the trap events the corresponding trap would have
// produced, so one mapping row and one fingerprint cover both paths.
const (
	// XUPS-MIB (enterprise 534). Output source 5 means the UPS is running
	// on battery.
	oidXupsOutputSource = "1.3.6.1.4.1.534.1.4.5.0"
	xupsSourceBattery   = 5

	trapXupsOnBattery     = "1.3.6.1.4.1.534.1.11.3"
	trapXupsPowerRestored = "1.3.6.1.4.1.534.1.11.4"

	// Ciena active-alarm tables. Column layout is shared between the WWP
	// and CES MIBs: .1 index, .2 description, .5 severity, .6 condition.
	wwpAlarmTable = "1.3.6.1.4.1.6141.2.60.12.1.1"
	cesAlarmTable = "1.3.6.1.4.1.1271.2.1.25.1.1"

	trapWWPAlarmRaise = "1.3.6.1.4.1.6141.2.60.12.2.0.1"
	trapWWPAlarmClear = "1.3.6.1.4.1.6141.2.60.12.2.0.2"
	trapCESAlarmRaise = "1.3.6.1.4.1.1271.2.1.25.2.0.1"
	trapCESAlarmClear = "1.3.6.1.4.1.1271.2.1.25.2.0.2"
)

const (
	vendorEaton    = "eaton"
	vendorCienaWWP = "ciena_wwp"
	vendorCienaCES = "ciena_ces"
)

// snmpTarget is one device the connector polls. Host must be the address
// the device sends traps from, otherwise polled and trapped observations of
// the same alarm will not share a correlation identity.
type snmpTarget struct {
	Host      string `json:"host"`
	Port      int    `json:"port,omitempty"`
	Community string `json:"community,omitempty"`
	Vendor    string `json:"vendor"`
	Version   int    `json:"snmp_version,omitempty"`
}

type snmpPollConfig struct {
	models.ConnectorConfig
	Targets []snmpTarget `json:"targets"`
}

// SNMPPoll actively reads vendor health OIDs from configured targets and
// feeds the observations through the trap normalizer. It exists for devices
// whose traps get lost (UDP) or that predate trap configuration: a poll
// observing the alarm table raises the same alerts a trap would, and a poll
// observing recovery clears them.
type SNMPPoll struct {
	rec        models.ConnectorRecord
	cfg        snmpPollConfig
	normalizer *normalize.SNMPNormalizer

	started atomic.Bool

	// Per-target state from the previous poll, used to synthesize clears.
	// Poll runs serialized per connector, so these see one goroutine at a
	// time. In-memory only; alarms that vanish while the process is down
	// are cleared by the device's own trap or by an operator.
	cienaSeen []map[string]cienaAlarmRow
	onBattery []bool
	seeded    []bool
}

type cienaAlarmRow struct {
	index       string
	description string
	severity    string
	cleared     bool
}

// NewSNMPPoll builds the connector from its stored registration.
func NewSNMPPoll(rec models.ConnectorRecord, deps Deps) (Connector, error) {
	var cfg snmpPollConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid snmp_poll config: %w", err)
		}
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("snmp_poll requires at least one target")
	}
	for i, tgt := range cfg.Targets {
		if tgt.Host == "" {
			return nil, fmt.Errorf("snmp_poll target %d has no host", i)
		}
		if pollVendor(tgt.Vendor) == "" {
			return nil, fmt.Errorf("snmp_poll target %s has unsupported vendor %q", tgt.Host, tgt.Vendor)
		}
	}
	if deps.SNMP == nil {
		return nil, fmt.Errorf("snmp normalizer not configured")
	}
	return &SNMPPoll{
		rec:        rec,
		cfg:        cfg,
		normalizer: deps.SNMP,
		cienaSeen:  make([]map[string]cienaAlarmRow, len(cfg.Targets)),
		onBattery:  make([]bool, len(cfg.Targets)),
		seeded:     make([]bool, len(cfg.Targets)),
	}, nil
}

func pollVendor(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "eaton", "powerware", "xups":
		return vendorEaton
	case "ciena", "ciena_wwp", "wwp", "saos":
		return vendorCienaWWP
	case "ciena_ces", "ces":
		return vendorCienaCES
	}
	return ""
}

func (s *SNMPPoll) Type() string { return TypeSNMPPoll }

// Start is bookkeeping only; sessions are dialed per poll so a target that
// reboots between polls needs no reconnect handling.
func (s *SNMPPoll) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	log.Info().
		Str("connector", s.rec.Name).
		Int("targets", len(s.cfg.Targets)).
		Msg("SNMP poller ready")
	return nil
}

func (s *SNMPPoll) Stop(ctx context.Context) error {
	s.started.Store(false)
	return nil
}

// TestConnection reads sysDescr from every target.
func (s *SNMPPoll) TestConnection(ctx context.Context) models.TestResult {
	const oidSysDescr = "1.3.6.1.2.1.1.1.0"

	details := make(map[string]string, len(s.cfg.Targets))
	reachable := 0
	for _, tgt := range s.cfg.Targets {
		conn, err := s.dial(ctx, tgt)
		if err != nil {
			details[tgt.Host] = err.Error()
			continue
		}
		pkt, err := conn.Get([]string{oidSysDescr})
		conn.Conn.Close()
		if err != nil {
			details[tgt.Host] = err.Error()
			continue
		}
		descr := "ok"
		if len(pkt.Variables) > 0 {
			if v := pduText(pkt.Variables[0]); v != "" {
				descr = v
			}
		}
		details[tgt.Host] = descr
		reachable++
	}

	if reachable < len(s.cfg.Targets) {
		return models.TestResult{
			Success: false,
			Message: fmt.Sprintf("%d of %d targets unreachable", len(s.cfg.Targets)-reachable, len(s.cfg.Targets)),
			Details: details,
		}
	}
	return models.TestResult{
		Success: true,
		Message: fmt.Sprintf("all %d targets reachable", len(s.cfg.Targets)),
		Details: details,
	}
}

// Poll reads every target and returns the normalized raises and clears. A
// failing target does not stop the others; its error is joined into the
// returned error alongside whatever alerts the healthy targets produced.
func (s *SNMPPoll) Poll(ctx context.Context) ([]models.NormalizedAlert, error) {
	var (
		alerts []models.NormalizedAlert
		errs   []error
	)
	for i, tgt := range s.cfg.Targets {
		events, err := s.pollTarget(ctx, i, tgt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tgt.Host, err))
		}
		for _, ev := range events {
			alert, err := s.normalizer.FromTrapEvent(ctx, ev)
			if err != nil {
				log.Warn().
					Str("connector", s.rec.Name).
					Str("host", tgt.Host).
					Str("trapOid", ev.TrapOID).
					Err(err).
					Msg("Dropping unnormalizable poll observation")
				continue
			}
			if alert == nil {
				// OID not opted in through the mapping tables.
				continue
			}
			alerts = append(alerts, *alert)
		}
	}
	return alerts, errors.Join(errs...)
}

func (s *SNMPPoll) pollTarget(ctx context.Context, idx int, tgt snmpTarget) ([]*models.TrapEvent, error) {
	conn, err := s.dial(ctx, tgt)
	if err != nil {
		return nil, err
	}
	defer conn.Conn.Close()

	switch pollVendor(tgt.Vendor) {
	case vendorEaton:
		return s.pollEaton(conn, idx, tgt)
	case vendorCienaWWP:
		return s.pollCiena(conn, idx, tgt, vendorCienaWWP, wwpAlarmTable, trapWWPAlarmRaise, trapWWPAlarmClear)
	case vendorCienaCES:
		return s.pollCiena(conn, idx, tgt, vendorCienaCES, cesAlarmTable, trapCESAlarmRaise, trapCESAlarmClear)
	}
	return nil, fmt.Errorf("unsupported vendor %q", tgt.Vendor)
}

// dial opens a fresh session for one target. Community and timing fall back
// to the connector-level config; the SNMP version defaults to v1 for Eaton
// power cards and v2c for everything else.
func (s *SNMPPoll) dial(ctx context.Context, tgt snmpTarget) (*gosnmp.GoSNMP, error) {
	port := tgt.Port
	if port <= 0 {
		port = 161
	}
	community := tgt.Community
	if community == "" {
		community = s.cfg.Community
	}
	if community == "" {
		community = "public"
	}
	timeout := time.Duration(s.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	version := tgt.Version
	if version == 0 {
		version = s.cfg.SNMPVersion
	}
	var snmpVersion gosnmp.SnmpVersion
	switch version {
	case 1:
		snmpVersion = gosnmp.Version1
	case 2:
		snmpVersion = gosnmp.Version2c
	case 0:
		if pollVendor(tgt.Vendor) == vendorEaton {
			snmpVersion = gosnmp.Version1
		} else {
			snmpVersion = gosnmp.Version2c
		}
	default:
		return nil, fmt.Errorf("unsupported snmp version %d", version)
	}

	conn := &gosnmp.GoSNMP{
		Target:    tgt.Host,
		Port:      uint16(port),
		Community: community,
		Version:   snmpVersion,
		Timeout:   timeout,
		Retries:   s.cfg.Retries,
		Context:   ctx,
	}
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s:%d: %w", tgt.Host, port, err)
	}
	return conn, nil
}

// pollEaton reads the UPS output source scalar and converts the observed
// state into events.
func (s *SNMPPoll) pollEaton(conn *gosnmp.GoSNMP, idx int, tgt snmpTarget) ([]*models.TrapEvent, error) {
	pkt, err := conn.Get([]string{oidXupsOutputSource})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", oidXupsOutputSource, err)
	}
	if len(pkt.Variables) == 0 || pkt.Variables[0].Type == gosnmp.NoSuchObject {
		return nil, fmt.Errorf("%s not available on %s", oidXupsOutputSource, tgt.Host)
	}
	source := gosnmp.ToBigInt(pkt.Variables[0].Value).Int64()
	return s.eatonEvents(idx, tgt, source == xupsSourceBattery, time.Now()), nil
}

// eatonEvents turns the observed output source into events. On battery
// raises the same power alarm the xupsOnBattery trap does; leaving battery
// synthesizes the power-restored clear. The first poll after startup reports
// current state either way, which clears a power alert left over from a
// previous run.
func (s *SNMPPoll) eatonEvents(idx int, tgt snmpTarget, onBattery bool, now time.Time) []*models.TrapEvent {
	wasOnBattery := s.onBattery[idx]
	firstPoll := !s.seeded[idx]
	s.onBattery[idx] = onBattery
	s.seeded[idx] = true

	switch {
	case onBattery:
		return []*models.TrapEvent{{
			ID:          ulid.Make().String(),
			SourceIP:    tgt.Host,
			TrapOID:     trapXupsOnBattery,
			Vendor:      vendorEaton,
			EventType:   "on_battery",
			Severity:    models.SeverityMajor,
			Description: "UPS running on battery",
			AlarmID:     tgt.Host + ":ups:power",
			ReceivedAt:  now,
		}}
	case wasOnBattery || firstPoll:
		return []*models.TrapEvent{{
			ID:          ulid.Make().String(),
			SourceIP:    tgt.Host,
			TrapOID:     trapXupsPowerRestored,
			Vendor:      vendorEaton,
			EventType:   "power_restored",
			Severity:    models.SeverityClear,
			IsClear:     true,
			Description: "Utility power restored",
			AlarmID:     tgt.Host + ":ups:power",
			ReceivedAt:  now,
		}}
	}
	return nil
}

func (s *SNMPPoll) pollCiena(conn *gosnmp.GoSNMP, idx int, tgt snmpTarget, vendor, table, raiseOID, clearOID string) ([]*models.TrapEvent, error) {
	pdus, err := walkTable(conn, table)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", table, err)
	}
	rows := parseCienaTable(table, pdus)
	return s.cienaEvents(idx, tgt, vendor, raiseOID, clearOID, rows, time.Now()), nil
}

// parseCienaTable groups walked alarm-table PDUs into rows keyed by the OID
// row suffix. The index column value overrides the suffix when present;
// condition 2 marks a row the device already considers cleared.
func parseCienaTable(table string, pdus []gosnmp.SnmpPDU) map[string]cienaAlarmRow {
	parsed := make(map[string]*cienaAlarmRow)
	for _, pdu := range pdus {
		name := strings.TrimPrefix(pdu.Name, ".")
		rest, ok := strings.CutPrefix(name, table+".")
		if !ok {
			continue
		}
		col, key, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		row := parsed[key]
		if row == nil {
			row = &cienaAlarmRow{index: key}
			parsed[key] = row
		}
		switch col {
		case "1":
			if v := pduText(pdu); v != "" {
				row.index = v
			}
		case "2":
			row.description = pduText(pdu)
		case "5":
			row.severity = pduText(pdu)
		case "6":
			// condition: 1 = set, 2 = clear
			if pduText(pdu) == "2" {
				row.cleared = true
			}
		}
	}

	rows := make(map[string]cienaAlarmRow, len(parsed))
	for key, row := range parsed {
		rows[key] = *row
	}
	return rows
}

// cienaEvents diffs the walked alarm table against the previous poll. Every
// live row raises (the dedup index folds repeats into the open alert); rows
// present last poll but gone or cleared now synthesize clears with the
// alarm-index identity the clear trap would have carried.
func (s *SNMPPoll) cienaEvents(idx int, tgt snmpTarget, vendor, raiseOID, clearOID string, rows map[string]cienaAlarmRow, now time.Time) []*models.TrapEvent {
	current := make(map[string]cienaAlarmRow, len(rows))
	var events []*models.TrapEvent
	for key, row := range rows {
		if row.cleared {
			continue
		}
		current[key] = row
		desc := row.description
		if desc == "" {
			desc = "Ciena alarm " + row.index
		}
		events = append(events, &models.TrapEvent{
			ID:          ulid.Make().String(),
			SourceIP:    tgt.Host,
			TrapOID:     raiseOID,
			Vendor:      vendor,
			EventType:   "alarm",
			Severity:    cienaRowSeverity(row.severity),
			ObjectType:  "alarm",
			ObjectID:    row.index,
			Description: desc,
			AlarmID:     fmt.Sprintf("%s:%s", tgt.Host, row.index),
			ReceivedAt:  now,
		})
	}

	for key, prev := range s.cienaSeen[idx] {
		if _, still := current[key]; still {
			continue
		}
		desc := prev.description
		if desc == "" {
			desc = "Ciena alarm " + prev.index
		}
		events = append(events, &models.TrapEvent{
			ID:          ulid.Make().String(),
			SourceIP:    tgt.Host,
			TrapOID:     clearOID,
			Vendor:      vendor,
			EventType:   "alarm_clear",
			Severity:    models.SeverityClear,
			IsClear:     true,
			ObjectType:  "alarm",
			ObjectID:    prev.index,
			Description: desc,
			AlarmID:     fmt.Sprintf("%s:%s", tgt.Host, prev.index),
			ReceivedAt:  now,
		})
	}
	s.cienaSeen[idx] = current
	return events
}

// walkTable uses GetNext walking on v1 sessions and GetBulk elsewhere.
func walkTable(conn *gosnmp.GoSNMP, root string) ([]gosnmp.SnmpPDU, error) {
	if conn.Version == gosnmp.Version1 {
		return conn.WalkAll(root)
	}
	return conn.BulkWalkAll(root)
}

func cienaRowSeverity(code string) models.Severity {
	switch code {
	case "1":
		return models.SeverityInfo
	case "2":
		return models.SeverityMinor
	case "3":
		return models.SeverityMajor
	case "4":
		return models.SeverityCritical
	default:
		return models.SeverityMajor
	}
}

func pduText(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case nil:
		return ""
	default:
		return gosnmp.ToBigInt(pdu.Value).String()
	}
}
