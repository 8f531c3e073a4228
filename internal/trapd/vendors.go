package trapd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opsconductor/opsconductor/internal/models"
)

// Standard trap OIDs from RFC 3418 plus the IF-MIB columns link traps carry.
const (
	oidColdStart       = "1.3.6.1.6.3.1.1.5.1"
	oidWarmStart       = "1.3.6.1.6.3.1.1.5.2"
	oidLinkDown        = "1.3.6.1.6.3.1.1.5.3"
	oidLinkUp          = "1.3.6.1.6.3.1.1.5.4"
	oidAuthFailure     = "1.3.6.1.6.3.1.1.5.5"
	oidEGPNeighborLoss = "1.3.6.1.6.3.1.1.5.6"

	oidIfIndex = "1.3.6.1.2.1.2.2.1.1"
	oidIfDescr = "1.3.6.1.2.1.2.2.1.2"
)

const enterprisePrefix = "1.3.6.1.4.1."

// handler turns one decoded trap into a typed event. A nil return means the
// handler ignored the datagram; the raw trap_log row is still written.
type handler interface {
	Vendor() string
	Handle(trap *Trap) *models.TrapEvent
}

// Enterprise-number routing table. First match on the arc below
// 1.3.6.1.4.1 wins; standard and unrecognized traps go to the generic
// handler.
var vendorTable = []struct {
	enterprise string
	h          handler
}{
	{"6141", cienaHandler{vendor: "ciena_wwp", alarmBase: wwpAlarmBase}},
	{"1271", cienaHandler{vendor: "ciena_ces", alarmBase: cesAlarmBase}},
	{"9", enterpriseHandler{vendor: "cisco"}},
	{"2636", enterpriseHandler{vendor: "juniper"}},
	{"11", enterpriseHandler{vendor: "hp"}},
	{"674", enterpriseHandler{vendor: "dell"}},
	{"534", eatonHandler{}},
}

func route(trapOID string) handler {
	if rest, ok := strings.CutPrefix(trapOID, enterprisePrefix); ok {
		for _, entry := range vendorTable {
			if rest == entry.enterprise || strings.HasPrefix(rest, entry.enterprise+".") {
				return entry.h
			}
		}
	}
	return genericHandler{}
}

// newEvent seeds the fields every handler fills the same way.
func newEvent(trap *Trap, vendor string) *models.TrapEvent {
	return &models.TrapEvent{
		SourceIP:   trap.SourceIP,
		TrapOID:    trap.TrapOID,
		Vendor:     vendor,
		Varbinds:   trap.Varbinds,
		ReceivedAt: trap.ReceivedAt,
	}
}

// varbind returns the value for an OID, tolerating instance suffixes
// (column.N row indexing).
func varbind(trap *Trap, oid string) string {
	if v, ok := trap.Varbinds[oid]; ok {
		return v
	}
	prefix := oid + "."
	for k, v := range trap.Varbinds {
		if strings.HasPrefix(k, prefix) {
			return v
		}
	}
	return ""
}

// synthesizeAlarmID builds the fallback alarm identity for traps that carry
// none: source, object and the head of the description.
func synthesizeAlarmID(ev *models.TrapEvent) string {
	desc := ev.Description
	if len(desc) > 50 {
		desc = desc[:50]
	}
	object := ev.ObjectID
	if object == "" {
		object = ev.EventType
	}
	return fmt.Sprintf("%s:%s:%s", ev.SourceIP, object, desc)
}

// firstText returns the first varbind value that reads like text, scanning
// in OID order so the pick is deterministic.
func firstText(trap *Trap) string {
	keys := make([]string, 0, len(trap.Varbinds))
	for k := range trap.Varbinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := trap.Varbinds[k]
		if len(v) >= 4 && !isNumeric(v) && !strings.HasPrefix(v, "0x") {
			return v
		}
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// genericHandler covers the RFC 3418 standard traps and anything no vendor
// claims.
type genericHandler struct{}

func (genericHandler) Vendor() string { return "generic" }

func (genericHandler) Handle(trap *Trap) *models.TrapEvent {
	ev := newEvent(trap, "generic")

	switch trap.TrapOID {
	case oidColdStart:
		ev.EventType = "cold_start"
		ev.Severity = models.SeverityWarning
		ev.Description = "Device cold start"

	case oidWarmStart:
		ev.EventType = "warm_start"
		ev.Severity = models.SeverityWarning
		ev.Description = "Device warm start"

	case oidLinkDown, oidLinkUp:
		ifIndex := varbind(trap, oidIfIndex)
		ev.ObjectType = "interface"
		ev.ObjectID = ifIndex
		if trap.TrapOID == oidLinkUp {
			ev.EventType = "link_up"
			ev.Severity = models.SeverityClear
			ev.IsClear = true
			ev.Description = "Link up"
		} else {
			ev.EventType = "link_down"
			ev.Severity = models.SeverityMajor
			ev.Description = "Link down"
		}
		if descr := varbind(trap, oidIfDescr); descr != "" {
			ev.Description += " on " + descr
		}
		// Raise and clear must share the alarm identity or the clear
		// cannot find its raise.
		ev.AlarmID = fmt.Sprintf("%s:if:%s", trap.SourceIP, ifIndex)

	case oidAuthFailure:
		ev.EventType = "auth_failure"
		ev.Severity = models.SeverityWarning
		ev.Description = "SNMP authentication failure"

	case oidEGPNeighborLoss:
		ev.EventType = "egp_neighbor_loss"
		ev.Severity = models.SeverityMajor
		ev.Description = "EGP neighbor loss"

	default:
		ev.EventType = "trap"
		ev.Severity = models.SeverityInfo
		ev.Description = "SNMP trap " + trap.TrapOID
	}

	if ev.AlarmID == "" {
		ev.AlarmID = synthesizeAlarmID(ev)
	}
	return ev
}

// Alarm-table varbind subtrees for the two Ciena platforms. The column
// layout is shared; only the enterprise arc differs.
const (
	wwpAlarmBase = "1.3.6.1.4.1.6141.2.60.12.1.1"
	cesAlarmBase = "1.3.6.1.4.1.1271.2.1.25.1.1"

	alarmColIndex       = ".1"
	alarmColDescription = ".2"
	alarmColSeverity    = ".5"
	alarmColCondition   = ".6"
)

// cienaHandler decodes Ciena alarm-table traps (SAOS/WWP and CES). The alarm
// index is the correlation identity; the condition column distinguishes
// raise from clear.
type cienaHandler struct {
	vendor    string
	alarmBase string
}

func (h cienaHandler) Vendor() string { return h.vendor }

func (h cienaHandler) Handle(trap *Trap) *models.TrapEvent {
	ev := newEvent(trap, h.vendor)
	ev.EventType = "alarm"
	ev.Severity = models.SeverityMajor

	if v := varbind(trap, h.alarmBase+alarmColSeverity); v != "" {
		ev.Severity = cienaSeverity(v)
	}
	// condition: 1 = set, 2 = clear
	if varbind(trap, h.alarmBase+alarmColCondition) == "2" {
		ev.IsClear = true
		ev.EventType = "alarm_clear"
		ev.Severity = models.SeverityClear
	}

	ev.Description = varbind(trap, h.alarmBase+alarmColDescription)
	if ev.Description == "" {
		ev.Description = firstText(trap)
	}
	if ev.Description == "" {
		ev.Description = "Ciena alarm " + trap.TrapOID
	}

	if idx := varbind(trap, h.alarmBase+alarmColIndex); idx != "" {
		ev.ObjectType = "alarm"
		ev.ObjectID = idx
		ev.AlarmID = fmt.Sprintf("%s:%s", trap.SourceIP, idx)
	}
	if ev.AlarmID == "" {
		ev.AlarmID = synthesizeAlarmID(ev)
	}
	return ev
}

func cienaSeverity(code string) models.Severity {
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

// XUPS-MIB trap OIDs (enterprise 534).
const (
	oidXupsOnBattery     = "1.3.6.1.4.1.534.1.11.3"
	oidXupsPowerRestored = "1.3.6.1.4.1.534.1.11.4"
	oidXupsAlarmRaised   = "1.3.6.1.4.1.534.1.11.5"
	oidXupsAlarmCleared  = "1.3.6.1.4.1.534.1.11.6"
)

// eatonHandler decodes Eaton/Powerware UPS traps.
type eatonHandler struct{}

func (eatonHandler) Vendor() string { return "eaton" }

func (eatonHandler) Handle(trap *Trap) *models.TrapEvent {
	ev := newEvent(trap, "eaton")

	switch trap.TrapOID {
	case oidXupsOnBattery:
		ev.EventType = "on_battery"
		ev.Severity = models.SeverityMajor
		ev.Description = "UPS running on battery"
		ev.AlarmID = trap.SourceIP + ":ups:power"

	case oidXupsPowerRestored:
		ev.EventType = "power_restored"
		ev.Severity = models.SeverityClear
		ev.IsClear = true
		ev.Description = "Utility power restored"
		ev.AlarmID = trap.SourceIP + ":ups:power"

	case oidXupsAlarmRaised, oidXupsAlarmCleared:
		ev.EventType = "ups_alarm"
		ev.Severity = models.SeverityMajor
		ev.Description = firstText(trap)
		if ev.Description == "" {
			ev.Description = "UPS alarm"
		}
		// Identity must be direction-free or the clear never finds its raise.
		ev.AlarmID = synthesizeAlarmID(ev)
		if trap.TrapOID == oidXupsAlarmCleared {
			ev.EventType = "ups_alarm_clear"
			ev.Severity = models.SeverityClear
			ev.IsClear = true
		}

	default:
		ev.EventType = "trap"
		ev.Severity = models.SeverityWarning
		ev.Description = firstText(trap)
		if ev.Description == "" {
			ev.Description = "Eaton trap " + trap.TrapOID
		}
	}

	if ev.AlarmID == "" {
		ev.AlarmID = synthesizeAlarmID(ev)
	}
	return ev
}

// enterpriseHandler covers vendors we route but carry no per-trap knowledge
// for. Events are tagged with the vendor and described from the varbinds;
// the mapping tables decide what becomes an alert.
type enterpriseHandler struct {
	vendor string
}

func (h enterpriseHandler) Vendor() string { return h.vendor }

func (h enterpriseHandler) Handle(trap *Trap) *models.TrapEvent {
	ev := newEvent(trap, h.vendor)
	ev.EventType = "trap"
	ev.Severity = models.SeverityWarning
	ev.Description = firstText(trap)
	if ev.Description == "" {
		ev.Description = fmt.Sprintf("%s trap %s", h.vendor, trap.TrapOID)
	}
	ev.AlarmID = synthesizeAlarmID(ev)
	return ev
}
