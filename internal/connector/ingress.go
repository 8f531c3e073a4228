package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/internal/audit"
	pkgerrors "github.com/opsconductor/opsconductor/internal/errors"
)

// maxWebhookBody bounds inbound webhook payloads. Monitoring notifications
// are small; anything bigger is a misconfigured sender.
const maxWebhookBody = 1 << 20

// IngressConfig configures the inbound HTTP listener.
type IngressConfig struct {
	Addr string
	// WS is mounted at /ws when non-nil, so live event subscribers share
	// the webhook listener.
	WS http.Handler
}

// Ingress is the inbound HTTP surface: webhook deliveries, the websocket
// feed and liveness share one listener.
type Ingress struct {
	manager *Manager
	server  *http.Server
}

// NewIngress builds the server. Nothing binds until Start.
func NewIngress(cfg IngressConfig, manager *Manager) *Ingress {
	ing := &Ingress{manager: manager}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{connector}", ing.handleWebhook)
	mux.HandleFunc("GET /healthz", handleHealthz)
	if cfg.WS != nil {
		mux.Handle("GET /ws", cfg.WS)
	}

	ing.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // websocket connections manage their own deadlines
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return ing
}

// Start binds the listener and serves in the background. Bind failures are
// returned; later serve errors are logged.
func (i *Ingress) Start() error {
	ln, err := net.Listen("tcp", i.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", i.server.Addr, err)
	}
	log.Info().Str("addr", i.server.Addr).Msg("Webhook ingress listening")

	go func() {
		if err := i.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Webhook ingress server error")
		}
	}()
	return nil
}

// Stop drains in-flight requests until the context expires.
func (i *Ingress) Stop(ctx context.Context) error {
	return i.server.Shutdown(ctx)
}

// handleWebhook accepts one notification POST. Status codes are chosen for
// the sender's retry logic: 2xx for anything accepted, including payloads
// the normalizer dropped, so monitoring systems do not re-deliver events we
// have deliberately ignored. 4xx is reserved for requests that would fail
// again unchanged.
func (i *Ingress) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	ctx := audit.WithActor(r.Context(), audit.Actor{
		User:      "webhook",
		IP:        clientIP(r),
		RequestID: requestID,
	})

	id, err := strconv.ParseInt(r.PathValue("connector"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connector", "requestId": requestID})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large", "requestId": requestID})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body", "requestId": requestID})
		return
	}

	alert, err := i.manager.HandleWebhook(ctx, id, body, r.Header)
	switch {
	case errors.Is(err, ErrUnknownConnector):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error(), "requestId": requestID})
	case pkgerrors.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "requestId": requestID})
	case err != nil:
		log.Error().Err(err).Int64("connectorId", id).Str("requestId", requestID).Msg("Webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "requestId": requestID})
	case alert == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dropped", "requestId": requestID})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":      "accepted",
			"fingerprint": alert.Fingerprint,
			"requestId":   requestID,
		})
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response body")
	}
}
