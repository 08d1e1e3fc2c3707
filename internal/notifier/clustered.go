package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// ErrPayloadTooLarge is returned by relays that cannot carry an event
var ErrPayloadTooLarge = errors.New("relay payload too large")

// Relay carries encoded events between processes sharing the same store
type Relay interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	// Listen blocks, handing every received payload to deliver, until ctx is
	// done or the relay fails permanently.
	Listen(ctx context.Context, deliver func(payload []byte)) error
	Close() error
}

// relayMessage is the wire form of an event on a relay
type relayMessage struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

func encodeRelayMessage(origin string, ev models.Event) ([]byte, error) {
	return json.Marshal(relayMessage{Origin: origin, Event: ev})
}

func decodeRelayMessage(payload []byte) (relayMessage, error) {
	var msg relayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode relay message: %w", err)
	}
	if msg.Event.Kind != models.EventReading && msg.Event.Kind != models.EventAlert {
		return msg, fmt.Errorf("decode relay message: unknown event kind %q", msg.Event.Kind)
	}
	return msg, nil
}

var _ Bus = &Clustered{}

// Clustered extends a local Notifier across processes. Events published here
// reach local subscribers immediately and are forwarded through the relay;
// events relayed from other processes are delivered to local subscribers.
type Clustered struct {
	local  *Notifier
	relay  Relay
	origin string
}

// NewClustered wraps local with relay
func NewClustered(local *Notifier, relay Relay) *Clustered {
	return &Clustered{
		local:  local,
		relay:  relay,
		origin: uuid.NewString(),
	}
}

func (c *Clustered) SubscribeDevice(deviceID string) *Subscription {
	return c.local.SubscribeDevice(deviceID)
}

func (c *Clustered) SubscribeAlerts() *Subscription {
	return c.local.SubscribeAlerts()
}

func (c *Clustered) SubscribeAll() *Subscription {
	return c.local.SubscribeAll()
}

// Publish delivers locally, then forwards to other processes. A relay failure
// only affects remote subscribers and is returned for the caller to log.
func (c *Clustered) Publish(ctx context.Context, ev models.Event) error {
	if err := c.local.Publish(ctx, ev); err != nil {
		return err
	}

	payload, err := encodeRelayMessage(c.origin, ev)
	if err != nil {
		metrics.RelayMessagesTotal.WithLabelValues(c.relay.Name(), "out", "failed").Inc()
		return err
	}
	if err := c.relay.Publish(ctx, payload); err != nil {
		metrics.RelayMessagesTotal.WithLabelValues(c.relay.Name(), "out", "failed").Inc()
		return fmt.Errorf("relay %s: %w", c.relay.Name(), err)
	}
	metrics.RelayMessagesTotal.WithLabelValues(c.relay.Name(), "out", "ok").Inc()
	return nil
}

// Start runs the relay listener until ctx is done. Listener failures are
// retried after a pause.
func (c *Clustered) Start(ctx context.Context, wg *sync.WaitGroup) {
	log := logger.WithComponent("notifier_relay").With().Str("relay", c.relay.Name()).Logger()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("origin", c.origin).Msg("relay listener started")
		defer log.Info().Msg("relay listener stopped")

		for {
			err := c.relay.Listen(ctx, c.deliver)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Error().Err(err).Msg("relay listener failed, restarting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (c *Clustered) deliver(payload []byte) {
	msg, err := decodeRelayMessage(payload)
	if err != nil {
		metrics.RelayMessagesTotal.WithLabelValues(c.relay.Name(), "in", "invalid").Inc()
		log := logger.WithComponent("notifier_relay")
		log.Warn().Err(err).Msg("discarding relay message")
		return
	}
	if msg.Origin == c.origin {
		// already delivered locally at publish time
		return
	}
	metrics.RelayMessagesTotal.WithLabelValues(c.relay.Name(), "in", "ok").Inc()
	_ = c.local.Publish(context.Background(), msg.Event)
}

// Close stops local delivery and releases the relay
func (c *Clustered) Close() error {
	c.local.Close()
	return c.relay.Close()
}
