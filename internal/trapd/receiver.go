// Package trapd is the SNMP trap endpoint: one UDP listener feeding a
// bounded queue drained by a fixed worker pool. Datagrams are decoded,
// routed to vendor handlers, correlated in trap_events, and the mapped ones
// continue into the alert pipeline. UDP delivery is already lossy, so
// overflow drops are counted, not retried.
package trapd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/metrics"
	"github.com/opsconductor/opsconductor/internal/models"
	"github.com/opsconductor/opsconductor/internal/normalize"
	"github.com/opsconductor/opsconductor/internal/store"
)

// Config controls the trap receiver.
type Config struct {
	ListenAddr        string
	Communities       []string
	ValidateCommunity bool
	QueueSize         int
	Workers           int
	FlushInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:162"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	return c
}

// SinkFunc receives the normalized alerts the trap pipeline emits.
type SinkFunc func(ctx context.Context, alert *models.NormalizedAlert) error

// Receiver owns the UDP socket and the per-datagram pipeline.
type Receiver struct {
	cfg        Config
	store      *store.Store
	normalizer *normalize.SNMPNormalizer
	sink       SinkFunc
	metrics    *metrics.Metrics

	listener   *gosnmp.TrapListener
	listenDone chan struct{}
	queue      chan *Trap

	received  atomic.Int64
	processed atomic.Int64
	errCount  atomic.Int64
	dropped   atomic.Int64
	lastTrap  atomic.Int64 // unix seconds, 0 = never

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a trap receiver. The sink may be nil when only the raw
// trap_log/trap_events persistence is wanted.
func New(cfg Config, st *store.Store, normalizer *normalize.SNMPNormalizer, sink SinkFunc) *Receiver {
	cfg = cfg.withDefaults()
	return &Receiver{
		cfg:        cfg,
		store:      st,
		normalizer: normalizer,
		sink:       sink,
		metrics:    metrics.Get(),
		queue:      make(chan *Trap, cfg.QueueSize),
		listenDone: make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the workers and the status
// flusher. It returns once the listener is ready or the bind failed.
func (r *Receiver) Start() error {
	tl := gosnmp.NewTrapListener()
	tl.Params = &gosnmp.GoSNMP{
		Transport: "udp",
		Version:   gosnmp.Version2c,
		Logger:    gosnmp.NewLogger(gosnmpLogger{}),
	}
	tl.OnNewTrap = r.onTrap
	r.listener = tl

	errCh := make(chan error, 1)
	go func() {
		defer close(r.listenDone)
		errCh <- tl.Listen(r.cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", r.cfg.ListenAddr, err)
		}
	case <-tl.Listening():
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.wg.Add(1)
	go r.statusFlusher()

	log.Info().
		Str("addr", r.cfg.ListenAddr).
		Int("workers", r.cfg.Workers).
		Int("queueSize", r.cfg.QueueSize).
		Bool("validateCommunity", r.cfg.ValidateCommunity).
		Msg("SNMP trap receiver listening")
	return nil
}

// Stop closes the socket, drains the queue, and flushes a final status row.
// Safe to call more than once.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		if r.listener != nil {
			r.listener.Close()
			<-r.listenDone
		}
		close(r.queue)
		close(r.stopCh)
		r.wg.Wait()
		r.flushStatus(false)
		log.Info().Msg("SNMP trap receiver stopped")
	})
}

// Status returns a point-in-time snapshot of the receiver counters.
func (r *Receiver) Status() models.TrapReceiverStatus {
	running := true
	select {
	case <-r.stopCh:
		running = false
	default:
	}

	status := models.TrapReceiverStatus{
		Running:        running,
		TrapsReceived:  r.received.Load(),
		TrapsProcessed: r.processed.Load(),
		TrapsErrors:    r.errCount.Load(),
		TrapsDropped:   r.dropped.Load(),
		QueueDepth:     len(r.queue),
		UpdatedAt:      time.Now(),
	}
	if ts := r.lastTrap.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		status.LastTrapAt = &t
	}
	return status
}

// onTrap runs on the gosnmp listener goroutine; it must never block.
func (r *Receiver) onTrap(pkt *gosnmp.SnmpPacket, addr *net.UDPAddr) {
	r.received.Add(1)
	r.metrics.RecordTrapReceived()
	r.lastTrap.Store(time.Now().Unix())

	if r.cfg.ValidateCommunity && len(r.cfg.Communities) > 0 && !r.communityOK(pkt.Community) {
		r.errCount.Add(1)
		r.metrics.RecordTrapError()
		log.Debug().Str("community", pkt.Community).Msg("Dropping trap with unknown community")
		return
	}

	trap, err := decodePacket(pkt, addr)
	if err != nil {
		r.errCount.Add(1)
		r.metrics.RecordTrapError()
		remote := ""
		if addr != nil {
			remote = addr.String()
		}
		log.Warn().Err(err).Str("remote", remote).Msg("Failed to decode trap")
		return
	}

	select {
	case r.queue <- trap:
	default:
		r.dropped.Add(1)
		r.errCount.Add(1)
		r.metrics.RecordTrapDropped()
		log.Warn().Str("sourceIp", trap.SourceIP).Msg("Trap queue full, datagram dropped")
	}
}

func (r *Receiver) communityOK(community string) bool {
	for _, c := range r.cfg.Communities {
		if c == community {
			return true
		}
	}
	return false
}

func (r *Receiver) worker() {
	defer r.wg.Done()
	for trap := range r.queue {
		r.safeProcess(trap)
	}
}

// safeProcess isolates a panicking datagram: the datagram is lost but the
// worker lives.
func (r *Receiver) safeProcess(trap *Trap) {
	defer func() {
		if rec := recover(); rec != nil {
			r.errCount.Add(1)
			r.metrics.RecordTrapError()
			log.Error().
				Interface("panic", rec).
				Str("sourceIp", trap.SourceIP).
				Str("trapOid", trap.TrapOID).
				Msg("Trap worker recovered from panic")
		}
	}()
	r.processTrap(context.Background(), trap)
}

// processTrap runs the full per-datagram pipeline: vendor handler, alarm
// correlation, normalization, alert sink. The raw trap_log row is written
// whatever happens to the event.
func (r *Receiver) processTrap(ctx context.Context, trap *Trap) {
	h := route(trap.TrapOID)

	eventID := ""
	if ev := h.Handle(trap); ev != nil {
		if mapping, mapped := r.normalizer.Mapping(trap.TrapOID); mapped {
			if mapping.IsClear {
				ev.IsClear = true
			}
			ev.ID = ulid.Make().String()
			id, inserted, err := r.store.InsertTrapEvent(ctx, ev)
			switch {
			case err != nil:
				r.errCount.Add(1)
				r.metrics.RecordTrapError()
				log.Error().Err(err).Str("trapOid", trap.TrapOID).Msg("Failed to store trap event")
			case !inserted:
				eventID = id
				log.Debug().
					Str("alarmId", ev.AlarmID).
					Str("existingEvent", id).
					Msg("Duplicate alarm raise dropped")
			default:
				eventID = id
				r.emitAlert(ctx, ev)
			}
		} else {
			log.Debug().
				Str("trapOid", trap.TrapOID).
				Str("sourceIp", trap.SourceIP).
				Msg("Trap has no mapping, no event emitted")
		}
	}

	if err := r.store.InsertTrapLog(ctx, trap.SourceIP, trap.Community, trap.Version,
		trap.TrapOID, trap.Varbinds, eventID, trap.ReceivedAt); err != nil {
		log.Error().Err(err).Msg("Failed to store trap log")
	}

	r.processed.Add(1)
	r.metrics.RecordTrapProcessed()
}

func (r *Receiver) emitAlert(ctx context.Context, ev *models.TrapEvent) {
	alert, err := r.normalizer.FromTrapEvent(ctx, ev)
	if err != nil {
		r.errCount.Add(1)
		log.Error().Err(err).Str("eventId", ev.ID).Msg("Failed to normalize trap event")
		return
	}
	if alert == nil || r.sink == nil {
		return
	}
	if err := r.sink(ctx, alert); err != nil {
		r.errCount.Add(1)
		log.Error().Err(err).Str("fingerprint", alert.Fingerprint).Msg("Failed to process trap alert")
	}
}

func (r *Receiver) statusFlusher() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flushStatus(true)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Receiver) flushStatus(running bool) {
	depth := len(r.queue)
	r.metrics.SetTrapQueueDepth(depth)

	status := models.TrapReceiverStatus{
		Running:        running,
		TrapsReceived:  r.received.Load(),
		TrapsProcessed: r.processed.Load(),
		TrapsErrors:    r.errCount.Load(),
		TrapsDropped:   r.dropped.Load(),
		QueueDepth:     depth,
		UpdatedAt:      time.Now(),
	}
	if ts := r.lastTrap.Load(); ts > 0 {
		t := time.Unix(ts, 0)
		status.LastTrapAt = &t
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.FlushTrapReceiverStatus(ctx, status); err != nil {
		log.Error().Err(err).Msg("Failed to flush trap receiver status")
	}
}

// gosnmpLogger adapts gosnmp's printf logger onto zerolog at debug level.
type gosnmpLogger struct{}

func (gosnmpLogger) Print(v ...interface{}) { log.Debug().Msg(fmt.Sprint(v...)) }

func (gosnmpLogger) Printf(format string, v ...interface{}) {
	log.Debug().Msg(fmt.Sprintf(format, v...))
}
