package trapd

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Well-known OIDs. Stored and compared without the leading dot, the same form
// the mapping tables use.
const (
	oidSysUpTime   = "1.3.6.1.2.1.1.3.0"
	oidSnmpTrapOID = "1.3.6.1.6.3.1.1.4.1.0"
)

// Trap is one decoded datagram, canonicalized across SNMP versions.
type Trap struct {
	SourceIP   string
	Community  string
	Version    string
	TrapOID    string            // dotted decimal, no leading dot
	Varbinds   map[string]string // oid → stringified value
	ReceivedAt time.Time
}

// decodePacket converts a gosnmp packet into the canonical Trap form.
// SNMPv1 traps are rewritten to v2-style trap OIDs per RFC 3584 §3.1:
// generic traps 0-5 become 1.3.6.1.6.3.1.1.5.{1..6}, enterprise-specific
// traps become enterprise.0.specific.
func decodePacket(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) (*Trap, error) {
	if pkt == nil {
		return nil, fmt.Errorf("nil packet")
	}

	t := &Trap{
		Community:  pkt.Community,
		Varbinds:   make(map[string]string, len(pkt.Variables)),
		ReceivedAt: time.Now().UTC(),
	}
	if addr != nil {
		t.SourceIP = addr.IP.String()
	}

	switch pkt.Version {
	case gosnmp.Version1:
		t.Version = "1"
		if pkt.AgentAddress != "" {
			t.SourceIP = pkt.AgentAddress
		}
		if pkt.GenericTrap >= 0 && pkt.GenericTrap < 6 {
			t.TrapOID = fmt.Sprintf("1.3.6.1.6.3.1.1.5.%d", pkt.GenericTrap+1)
		} else {
			t.TrapOID = fmt.Sprintf("%s.0.%d", canonicalOID(pkt.Enterprise), pkt.SpecificTrap)
		}
		collectVarbinds(t, pkt.Variables)

	case gosnmp.Version2c, gosnmp.Version3:
		t.Version = "2c"
		if pkt.Version == gosnmp.Version3 {
			t.Version = "3"
		}
		collectVarbinds(t, pkt.Variables)
		if t.TrapOID == "" {
			return nil, fmt.Errorf("trap from %s has no snmpTrapOID varbind", t.SourceIP)
		}

	default:
		return nil, fmt.Errorf("unsupported SNMP version %v", pkt.Version)
	}

	return t, nil
}

func collectVarbinds(t *Trap, pdus []gosnmp.SnmpPDU) {
	for _, pdu := range pdus {
		if isErrorPDU(pdu.Type) {
			continue
		}
		oid := canonicalOID(pdu.Name)
		switch oid {
		case oidSnmpTrapOID:
			t.TrapOID = canonicalOID(fmt.Sprintf("%v", pdu.Value))
		case oidSysUpTime:
			// uptime is noise for alerting
		default:
			t.Varbinds[oid] = stringifyValue(pdu)
		}
	}
}

func isErrorPDU(t gosnmp.Asn1BER) bool {
	return t == gosnmp.NoSuchObject || t == gosnmp.NoSuchInstance ||
		t == gosnmp.EndOfMibView || t == gosnmp.Null
}

// stringifyValue renders a varbind value the way the mapping tables and
// correlation templates expect: printable octets as text, binary octets as
// hex, numerics in decimal.
func stringifyValue(pdu gosnmp.SnmpPDU) string {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			if isPrintable(b) {
				return string(b)
			}
			return "0x" + hex.EncodeToString(b)
		}
		return fmt.Sprintf("%v", pdu.Value)

	case gosnmp.ObjectIdentifier:
		return canonicalOID(fmt.Sprintf("%v", pdu.Value))

	case gosnmp.IPAddress:
		return fmt.Sprintf("%v", pdu.Value)

	case gosnmp.Integer:
		return strconv.FormatInt(gosnmp.ToBigInt(pdu.Value).Int64(), 10)

	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Uinteger32, gosnmp.Counter64:
		return strconv.FormatUint(gosnmp.ToBigInt(pdu.Value).Uint64(), 10)

	default:
		return fmt.Sprintf("%v", pdu.Value)
	}
}

// canonicalOID strips the leading dot gosnmp carries on OIDs. Mapping rows
// and stored events use the bare dotted-decimal form.
func canonicalOID(oid string) string {
	oid = strings.TrimSpace(oid)
	oid = strings.TrimPrefix(oid, ".")
	return strings.TrimSuffix(oid, ".")
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return false
		}
		if c > 0x7e {
			return false
		}
	}
	return true
}
