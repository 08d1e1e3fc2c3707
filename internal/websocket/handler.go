// Package websocket pushes new readings and alerts to dashboard clients.
package websocket

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/notifier"
)

// Subscriber is the part of the notifier a websocket client needs
type Subscriber interface {
	SubscribeDevice(deviceID string) *notifier.Subscription
	SubscribeAlerts() *notifier.Subscription
}

// Handler upgrades GET /ws?device_id=<id>&alerts=true|false requests. Without
// a device_id the client receives alerts only; alerts default to on.
type Handler struct {
	bus      Subscriber
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket endpoint fed by bus
func NewHandler(bus Subscriber) *Handler {
	return &Handler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// dashboards are served from other origins; there is no auth to protect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))

	wantAlerts := true
	if raw := r.URL.Query().Get("alerts"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "alerts must be true or false", http.StatusBadRequest)
			return
		}
		wantAlerts = v
	}
	if deviceID == "" && !wantAlerts {
		http.Error(w, "nothing to subscribe to: set device_id or alerts=true", http.StatusBadRequest)
		return
	}

	log := logger.WithComponent("websocket").With().
		Str("remote_addr", r.RemoteAddr).
		Str("device_id", deviceID).
		Bool("alerts", wantAlerts).
		Logger()

	// subscribe before the handshake completes so the peer misses nothing
	// published after it is connected
	client := &Client{log: log}
	if deviceID != "" {
		client.readings = h.bus.SubscribeDevice(deviceID)
	}
	if wantAlerts {
		client.alerts = h.bus.SubscribeAlerts()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		client.closeSubscriptions()
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client.conn = conn

	metrics.WebsocketConnections.Inc()
	log.Info().Msg("websocket client connected")

	go client.WritePump()
	go client.ReadPump()
}
