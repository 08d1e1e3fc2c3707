// Package notifier fans out newly stored readings and alerts to live
// subscribers. Delivery is best effort: events are never persisted or
// replayed, and a subscriber whose buffer is full misses events rather than
// slowing down publishers.
package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// ErrClosed is returned when publishing to a closed notifier
var ErrClosed = errors.New("notifier is closed")

// DefaultBuffer is the per-subscription buffer used when none is configured
const DefaultBuffer = 64

// Bus is the publish/subscribe surface shared by the in-process notifier and
// its clustered wrapper.
type Bus interface {
	Publish(ctx context.Context, ev models.Event) error
	SubscribeDevice(deviceID string) *Subscription
	SubscribeAlerts() *Subscription
	SubscribeAll() *Subscription
}

var _ Bus = &Notifier{}

type interest int

const (
	interestDevice interest = iota
	interestAlerts
	interestAll
)

// Notifier is the in-process subscriber registry
type Notifier struct {
	mu      sync.RWMutex
	devices map[string]map[*Subscription]struct{}
	alerts  map[*Subscription]struct{}
	all     map[*Subscription]struct{}
	closed  bool

	buffer int
}

// New creates a notifier whose subscriptions buffer up to buffer events
func New(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Notifier{
		devices: make(map[string]map[*Subscription]struct{}),
		alerts:  make(map[*Subscription]struct{}),
		all:     make(map[*Subscription]struct{}),
		buffer:  buffer,
	}
}

// SubscribeDevice receives reading events for one device
func (n *Notifier) SubscribeDevice(deviceID string) *Subscription {
	return n.subscribe(interestDevice, deviceID)
}

// SubscribeAlerts receives every alert event
func (n *Notifier) SubscribeAlerts() *Subscription {
	return n.subscribe(interestAlerts, "")
}

// SubscribeAll receives every event of every kind
func (n *Notifier) SubscribeAll() *Subscription {
	return n.subscribe(interestAll, "")
}

func (n *Notifier) subscribe(kind interest, deviceID string) *Subscription {
	sub := &Subscription{
		n:        n,
		kind:     kind,
		deviceID: deviceID,
		c:        make(chan models.Event, n.buffer),
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		sub.closed = true
		close(sub.c)
		return sub
	}

	switch kind {
	case interestDevice:
		set, ok := n.devices[deviceID]
		if !ok {
			set = make(map[*Subscription]struct{})
			n.devices[deviceID] = set
		}
		set[sub] = struct{}{}
	case interestAlerts:
		n.alerts[sub] = struct{}{}
	case interestAll:
		n.all[sub] = struct{}{}
	}
	metrics.NotifierSubscribers.Inc()
	return sub
}

// Publish delivers ev to every matching subscriber without blocking. Reading
// events go to subscribers of that device, alert events to every alert
// subscriber, and both kinds to firehose subscribers.
func (n *Notifier) Publish(_ context.Context, ev models.Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return ErrClosed
	}

	switch ev.Kind {
	case models.EventReading:
		for sub := range n.devices[ev.DeviceID] {
			sub.offer(ev)
		}
	case models.EventAlert:
		for sub := range n.alerts {
			sub.offer(ev)
		}
	default:
		log := logger.WithComponent("notifier")
		log.Warn().Str("kind", string(ev.Kind)).Msg("unknown event kind dropped")
		return nil
	}
	for sub := range n.all {
		sub.offer(ev)
	}
	return nil
}

// Subscribers returns the number of open subscriptions
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	count := len(n.alerts) + len(n.all)
	for _, set := range n.devices {
		count += len(set)
	}
	return count
}

// Close ends every subscription. Later subscriptions are born closed and
// later publishes fail with ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for _, set := range n.devices {
		for sub := range set {
			sub.shutdown()
		}
	}
	for sub := range n.alerts {
		sub.shutdown()
	}
	for sub := range n.all {
		sub.shutdown()
	}
	n.devices = make(map[string]map[*Subscription]struct{})
	n.alerts = make(map[*Subscription]struct{})
	n.all = make(map[*Subscription]struct{})
}

func (n *Notifier) remove(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if sub.closed {
		return
	}

	switch sub.kind {
	case interestDevice:
		set := n.devices[sub.deviceID]
		delete(set, sub)
		if len(set) == 0 {
			delete(n.devices, sub.deviceID)
		}
	case interestAlerts:
		delete(n.alerts, sub)
	case interestAll:
		delete(n.all, sub)
	}
	sub.shutdown()
}

// Subscription is one subscriber's view of the event stream
type Subscription struct {
	n        *Notifier
	kind     interest
	deviceID string
	c        chan models.Event

	// guarded by n.mu
	closed bool

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the notifier is closed.
func (s *Subscription) Events() <-chan models.Event {
	return s.c
}

// Dropped returns how many events were discarded because the buffer was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.n.remove(s)
	})
}

// offer is called with n.mu held for reading
func (s *Subscription) offer(ev models.Event) {
	select {
	case s.c <- ev:
		metrics.NotifierDeliveredTotal.WithLabelValues(string(ev.Kind)).Inc()
	default:
		s.dropped.Add(1)
		metrics.NotifierDroppedTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// shutdown is called with n.mu held for writing
func (s *Subscription) shutdown() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.c)
	metrics.NotifierSubscribers.Dec()
}
