package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"sensorhub/internal/logger"
)

// pg_notify rejects payloads of 8000 bytes or more
const pgMaxPayload = 7999

var _ Relay = &PgRelay{}

// PgRelay relays events with postgres NOTIFY/LISTEN
type PgRelay struct {
	db         *gorm.DB
	connectDSN string
	channel    string
}

// NewPgRelay publishes through db and listens with a dedicated connection
// opened from connectDSN.
func NewPgRelay(db *gorm.DB, connectDSN, channel string) *PgRelay {
	return &PgRelay{
		db:         db,
		connectDSN: connectDSN,
		channel:    channel,
	}
}

func (r *PgRelay) Name() string { return "postgres" }

func (r *PgRelay) Publish(ctx context.Context, payload []byte) error {
	if len(payload) > pgMaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return r.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", r.channel, string(payload)).Error
}

func (r *PgRelay) Listen(ctx context.Context, deliver func(payload []byte)) error {
	log := logger.WithComponent("pg_relay")

	listener := pq.NewListener(r.connectDSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("pq listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(r.channel); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// the driver reconnects and sends nil; events in between are lost
				log.Warn().Msg("postgres listener reconnected")
				continue
			}
			deliver([]byte(n.Extra))
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return fmt.Errorf("listener ping: %w", err)
			}
		}
	}
}

// Close is a no-op; the listener connection is owned by Listen
func (r *PgRelay) Close() error { return nil }
