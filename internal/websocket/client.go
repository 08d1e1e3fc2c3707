package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
	"sensorhub/internal/notifier"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
)

// Message is one pushed event
type Message struct {
	Type    models.EventKind `json:"type"`
	Payload any              `json:"payload"`
}

// Client streams notifier events to one websocket peer. Clients only listen;
// anything the peer sends is read and discarded.
type Client struct {
	conn     *websocket.Conn
	readings *notifier.Subscription
	alerts   *notifier.Subscription
	log      zerolog.Logger
}

func (c *Client) closeSubscriptions() {
	if c.readings != nil {
		c.readings.Close()
	}
	if c.alerts != nil {
		c.alerts.Close()
	}
}

// ReadPump handles control frames and detects the peer going away. It ends
// the client's subscriptions on exit, which in turn stops WritePump.
func (c *Client) ReadPump() {
	defer func() {
		c.closeSubscriptions()
		c.conn.Close()
		metrics.WebsocketConnections.Dec()
		c.log.Debug().Msg("websocket read pump finished")
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// WritePump forwards events as JSON text frames and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("websocket write pump finished")
	}()

	readings := events(c.readings)
	alerts := events(c.alerts)

	for {
		select {
		case ev, ok := <-readings:
			if !ok || !c.write(ev) {
				return
			}
		case ev, ok := <-alerts:
			if !ok || !c.write(ev) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (c *Client) write(ev models.Event) bool {
	data, err := json.Marshal(Message{Type: ev.Kind, Payload: ev.Payload()})
	if err != nil {
		c.log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to encode event")
		return true
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}

// events returns nil for an absent subscription so its select case never fires
func events(sub *notifier.Subscription) <-chan models.Event {
	if sub == nil {
		return nil
	}
	return sub.Events()
}
