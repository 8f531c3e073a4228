package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/trapd"
)

// TypeSNMPTrap identifies the trap listener connector type.
const TypeSNMPTrap = "snmp_trap"

// snmpTrapConfig extends the common connector config with the receiver
// tuning knobs. Decoded with plain json.Unmarshal so the extra fields are
// picked up alongside the embedded common ones.
type snmpTrapConfig struct {
	models.ConnectorConfig
	Communities       []string `json:"communities,omitempty"`
	ValidateCommunity bool     `json:"validate_community,omitempty"`
	QueueSize         int      `json:"queue_size,omitempty"`
	Workers           int      `json:"workers,omitempty"`
}

// SNMPTrap adapts the trap receiver to the connector lifecycle so traps are
// enabled, disabled and health-checked through the same connectors table as
// every other source. Alerts flow out of the receiver directly; the wrapper
// only adds connector-row bookkeeping.
type SNMPTrap struct {
	rec      models.ConnectorRecord
	addr     string
	port     int
	receiver *trapd.Receiver
	started  atomic.Bool
}

// NewSNMPTrap builds the connector and its receiver from the stored
// registration. The receiver does not bind until Start.
func NewSNMPTrap(rec models.ConnectorRecord, deps Deps) (Connector, error) {
	var cfg snmpTrapConfig
	if len(rec.Config) > 0 {
		if err := json.Unmarshal(rec.Config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid snmp_trap config: %w", err)
		}
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("snmp_trap requires a store")
	}
	if deps.SNMP == nil {
		return nil, fmt.Errorf("snmp normalizer not configured")
	}

	bind := cfg.BindAddress
	if bind == "" {
		bind = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 162
	}

	communities := cfg.Communities
	if len(communities) == 0 && cfg.Community != "" {
		// The single community shorthand implies validation.
		communities = []string{cfg.Community}
		cfg.ValidateCommunity = true
	}

	tcfg := trapd.Config{
		ListenAddr:        net.JoinHostPort(bind, strconv.Itoa(port)),
		Communities:       communities,
		ValidateCommunity: cfg.ValidateCommunity,
		QueueSize:         cfg.QueueSize,
		Workers:           cfg.Workers,
	}

	var sink trapd.SinkFunc
	if deps.Sink != nil {
		inner := deps.Sink
		st := deps.Store
		id := rec.ID
		sink = func(ctx context.Context, alert *models.NormalizedAlert) error {
			if err := inner(ctx, alert); err != nil {
				return err
			}
			if err := st.AddConnectorAlerts(ctx, id, 1); err != nil {
				log.Warn().Err(err).Int64("connectorId", id).Msg("Failed to count trap alert")
			}
			return nil
		}
	}

	return &SNMPTrap{
		rec:      rec,
		addr:     tcfg.ListenAddr,
		port:     port,
		receiver: trapd.New(tcfg, deps.Store, deps.SNMP, sink),
	}, nil
}

func (t *SNMPTrap) Type() string { return TypeSNMPTrap }

// Start binds the UDP socket. The receiver is single-use; a disabled trap
// connector is rebuilt by the manager before the next Start.
func (t *SNMPTrap) Start(ctx context.Context) error {
	if t.started.Swap(true) {
		return nil
	}
	if err := t.receiver.Start(); err != nil {
		t.started.Store(false)
		if t.port < 1024 {
			return fmt.Errorf("%w (port %d needs CAP_NET_BIND_SERVICE or root)", err, t.port)
		}
		return err
	}
	return nil
}

func (t *SNMPTrap) Stop(ctx context.Context) error {
	if !t.started.Swap(false) {
		return nil
	}
	t.receiver.Stop()
	return nil
}

// TestConnection reports the live receiver counters, or probes the bind
// when the receiver is not running.
func (t *SNMPTrap) TestConnection(ctx context.Context) models.TestResult {
	if t.started.Load() {
		st := t.receiver.Status()
		return models.TestResult{
			Success: st.Running,
			Message: fmt.Sprintf("listening on %s", t.addr),
			Details: map[string]string{
				"received":   strconv.FormatInt(st.TrapsReceived, 10),
				"processed":  strconv.FormatInt(st.TrapsProcessed, 10),
				"dropped":    strconv.FormatInt(st.TrapsDropped, 10),
				"queueDepth": strconv.Itoa(st.QueueDepth),
			},
		}
	}

	pc, err := net.ListenPacket("udp", t.addr)
	if err != nil {
		msg := fmt.Sprintf("cannot bind %s: %v", t.addr, err)
		if t.port < 1024 {
			msg += " (privileged port)"
		}
		return models.TestResult{Success: false, Message: msg}
	}
	pc.Close()
	return models.TestResult{
		Success: true,
		Message: fmt.Sprintf("%s is bindable; connector not started", t.addr),
	}
}
