// Package websockethub streams alert and execution lifecycle events to
// connected observers. The hub fans one envelope out to every client over a
// buffered per-client channel; a client that cannot keep up is dropped
// rather than allowed to stall the broadcast loop.
package websockethub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientBuffer   = 256
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The listener is an internal surface; origin policy belongs to the
	// reverse proxy in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is the wire format for every event the hub publishes.
type Envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub owns the client set and the broadcast loop. All methods are safe on a
// nil *Hub, so components can publish unconditionally whether or not a live
// stream was configured.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	mu       sync.RWMutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates the hub and starts its broadcast loop.
func New() *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, broadcastDepth),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Stop disconnects every client and ends the broadcast loop.
func (h *Hub) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

func (h *Hub) run() {
	defer close(h.doneCh)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Str("client", c.id).Int("clients", n).Msg("Event stream client connected")

		case c := <-h.unregister:
			h.dropClient(c)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				select {
				case c.send <- message:
				default:
					log.Warn().Str("client", c.id).Msg("Dropping slow event stream client")
					h.dropClient(c)
				}
			}

		case <-h.stopCh:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) dropClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		log.Info().Str("client", c.id).Int("clients", len(h.clients)).Msg("Event stream client disconnected")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientBuffer),
		id:   ulid.Make().String(),
	}

	welcome, _ := json.Marshal(Envelope{Type: "welcome", Time: time.Now().UTC()})
	c.send <- welcome

	select {
	case h.register <- c:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// publish queues one envelope for broadcast. A full broadcast channel drops
// the event; the stream is advisory, the store is the record.
func (h *Hub) publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload, err := json.Marshal(Envelope{Type: eventType, Time: time.Now().UTC(), Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event envelope")
		return
	}
	select {
	case h.broadcast <- payload:
	case <-h.stopCh:
	default:
		log.Warn().Str("type", eventType).Msg("Event stream broadcast buffer full")
	}
}

// BroadcastAlertRaised publishes a new or deduplicated raise.
func (h *Hub) BroadcastAlertRaised(alert *models.StoredAlert, deduplicated bool) {
	h.publish("alert.raised", map[string]any{"alert": alert, "deduplicated": deduplicated})
}

// BroadcastAlertResolved publishes a resolution.
func (h *Hub) BroadcastAlertResolved(alert *models.StoredAlert) {
	h.publish("alert.resolved", map[string]any{"alert": alert})
}

// BroadcastAlertAcknowledged publishes an acknowledgement.
func (h *Hub) BroadcastAlertAcknowledged(alert *models.StoredAlert) {
	h.publish("alert.acknowledged", map[string]any{"alert": alert})
}

// BroadcastAlertExpired publishes an alert swept past its TTL.
func (h *Hub) BroadcastAlertExpired(alert *models.StoredAlert) {
	h.publish("alert.expired", map[string]any{"alert": alert})
}

// BroadcastExecutionStarted publishes a job execution entering running
// state. Together with BroadcastExecutionFinished this satisfies the
// scheduler's Broadcaster contract.
func (h *Hub) BroadcastExecutionStarted(exec *models.Execution) {
	h.publish("execution.started", map[string]any{"execution": exec})
}

// BroadcastExecutionFinished publishes a completed, failed or timed-out
// execution.
func (h *Hub) BroadcastExecutionFinished(exec *models.Execution) {
	h.publish("execution.finished", map[string]any{"execution": exec})
}

// readPump consumes client messages until the connection dies. Inbound
// traffic is only ping/pong; everything else is ignored.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}

		var msg Envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(Envelope{Type: "pong", Time: time.Now().UTC()})
			select {
			case c.send <- pong:
			default:
			}
		}
	}
}

// writePump drains the send channel to the connection and keeps the
// transport alive with protocol pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever queued behind the first message.
			for i := len(c.send); i > 0; i-- {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
