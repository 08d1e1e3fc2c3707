package notifier

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"sensorhub/internal/models"
)

// hub is an in-memory stand-in for a relay backend shared by several
// processes.
type hub struct {
	mu        sync.Mutex
	listeners map[int]func([]byte)
	next      int
}

func newHub() *hub {
	return &hub{listeners: make(map[int]func([]byte))}
}

type loopbackRelay struct {
	h     *hub
	ready chan struct{}
	once  sync.Once
}

func (h *hub) relay() *loopbackRelay {
	return &loopbackRelay{h: h, ready: make(chan struct{})}
}

func (r *loopbackRelay) Name() string { return "loopback" }

func (r *loopbackRelay) Publish(_ context.Context, payload []byte) error {
	r.h.mu.Lock()
	targets := make([]func([]byte), 0, len(r.h.listeners))
	for _, fn := range r.h.listeners {
		targets = append(targets, fn)
	}
	r.h.mu.Unlock()

	for _, fn := range targets {
		fn(payload)
	}
	return nil
}

func (r *loopbackRelay) Listen(ctx context.Context, deliver func([]byte)) error {
	r.h.mu.Lock()
	id := r.h.next
	r.h.next++
	r.h.listeners[id] = deliver
	r.h.mu.Unlock()
	r.once.Do(func() { close(r.ready) })

	<-ctx.Done()

	r.h.mu.Lock()
	delete(r.h.listeners, id)
	r.h.mu.Unlock()
	return nil
}

func (r *loopbackRelay) Close() error { return nil }

type failingRelay struct{}

func (failingRelay) Name() string { return "failing" }

func (failingRelay) Publish(context.Context, []byte) error { return ErrPayloadTooLarge }

func (failingRelay) Listen(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return nil
}

func (failingRelay) Close() error { return nil }

func TestRelayCodecRoundTrip(t *testing.T) {
	ev := readingEvent("d1", 36.5)
	ev.Reading.RawData = map[string]interface{}{"firmware": "1.0"}

	payload, err := encodeRelayMessage("origin-a", ev)
	require.NoError(t, err)

	msg, err := decodeRelayMessage(payload)
	require.NoError(t, err)
	assert.Equal(t, "origin-a", msg.Origin)
	assert.Equal(t, models.EventReading, msg.Event.Kind)
	assert.Equal(t, "d1", msg.Event.DeviceID)
	require.NotNil(t, msg.Event.Reading)
	assert.Equal(t, ev.Reading.ID, msg.Event.Reading.ID)
	assert.Equal(t, 36.5, *msg.Event.Reading.Temperature)
	assert.Equal(t, "1.0", msg.Event.Reading.RawData["firmware"])

	_, err = decodeRelayMessage([]byte(`{"origin":"x","event":{"kind":"bogus"}}`))
	assert.Error(t, err)
	_, err = decodeRelayMessage([]byte(`not json`))
	assert.Error(t, err)
}

func startClustered(t *testing.T, ctx context.Context, wg *sync.WaitGroup, relay *loopbackRelay) *Clustered {
	t.Helper()
	c := NewClustered(New(8), relay)
	c.Start(ctx, wg)
	select {
	case <-relay.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay listener did not start")
	}
	return c
}

func TestClusteredDeliversAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	h := newHub()
	a := startClustered(t, ctx, &wg, h.relay())
	b := startClustered(t, ctx, &wg, h.relay())

	localAlerts := a.SubscribeAlerts()
	remoteAlerts := b.SubscribeAlerts()
	remoteDevice := b.SubscribeDevice("d1")

	require.NoError(t, a.Publish(ctx, alertEvent("d1")))
	require.NoError(t, a.Publish(ctx, readingEvent("d1", 21)))

	require.Eventually(t, func() bool { return len(remoteAlerts.Events()) == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(remoteDevice.Events()) == 1 }, time.Second, time.Millisecond)

	// the publishing process must not see its own echo
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, drain(localAlerts), 1)
}

func TestClusteredRelayFailureStillDeliversLocally(t *testing.T) {
	ctx := context.Background()
	c := NewClustered(New(8), failingRelay{})
	defer c.Close()

	sub := c.SubscribeAll()
	err := c.Publish(ctx, alertEvent("d1"))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Len(t, drain(sub), 1)
}

func runRelayIntegration(t *testing.T, newRelay func() Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	a := NewClustered(New(8), newRelay())
	b := NewClustered(New(8), newRelay())
	defer func() {
		cancel()
		wg.Wait()
		_ = a.Close()
		_ = b.Close()
	}()
	a.Start(ctx, &wg)
	b.Start(ctx, &wg)

	sub := b.SubscribeAlerts()
	require.Eventually(t, func() bool {
		_ = a.Publish(ctx, alertEvent("d1"))
		return len(sub.Events()) > 0
	}, 10*time.Second, 200*time.Millisecond)

	ev := <-sub.Events()
	assert.Equal(t, models.EventAlert, ev.Kind)
	assert.Equal(t, "d1", ev.DeviceID)
}

func TestRedisRelayIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("set REDIS_TEST_ADDR to run redis relay tests")
	}
	channel := "sensorhub_test_" + t.Name()
	runRelayIntegration(t, func() Relay {
		return NewRedisRelay(redis.NewClient(&redis.Options{Addr: addr}), channel)
	})
}

func TestPgRelayIntegration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("set POSTGRES_TEST_DSN to run postgres relay tests")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	runRelayIntegration(t, func() Relay {
		return NewPgRelay(db, dsn, "sensorhub_test")
	})

	big := make([]byte, pgMaxPayload+1)
	err = NewPgRelay(db, dsn, "sensorhub_test").Publish(context.Background(), big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
