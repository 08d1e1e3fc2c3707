package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"sensorhub/internal/config"
	"sensorhub/internal/handlers"
	"sensorhub/internal/kafka"
	"sensorhub/internal/logger"
	"sensorhub/internal/middleware"
	"sensorhub/internal/models"
	"sensorhub/internal/notifier"
	"sensorhub/internal/pipeline"
	"sensorhub/internal/storage"
	"sensorhub/internal/websocket"
	"sensorhub/internal/worker"
)

// App wires storage, the ingestion pipeline, live fan-out and the optional
// Kafka sink behind one HTTP server.
type App struct {
	cfg *config.Config

	db        *gorm.DB
	local     *notifier.Notifier
	clustered *notifier.Clustered
	bus       notifier.Bus
	producer  *kafka.Producer
	pool      *worker.Pool
	pipeline  *pipeline.Pipeline

	handler    http.Handler
	httpServer *http.Server

	cancelRelay context.CancelFunc
	wg          sync.WaitGroup
}

// New constructs an App with the given config
func New(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// Run starts the service and blocks until ctx is cancelled or the listener
// fails.
func (a *App) Run(ctx context.Context) error {
	log := logger.WithComponent("app")
	log.Info().Msg("sensorhub starting")

	if err := a.setup(ctx); err != nil {
		a.shutdown()
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		a.shutdown()
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	statsCtx, stopStats := context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportStats(statsCtx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		err = nil
	case err = <-serveErr:
		log.Error().Err(err).Msg("http server failed")
	}

	stopStats()
	a.shutdown()
	return err
}

// setup opens the database and builds every component. On error the caller
// must still call shutdown to release what was opened.
func (a *App) setup(ctx context.Context) error {
	db, err := storage.Open(ctx, a.cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db

	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	devices := storage.NewDeviceRegistry(db)
	readings := storage.NewReadingStore(db)
	alerts := storage.NewAlertStore(db)

	if err := a.initNotifier(); err != nil {
		return err
	}

	var publisher pipeline.Publisher = a.bus
	if a.cfg.Kafka.Enabled() {
		if err := a.initKafka(); err != nil {
			return err
		}
		publisher = fanout{a.bus, a.pool}
	}

	a.pipeline = pipeline.New(pipeline.Config{
		Devices:   devices,
		Readings:  readings,
		Alerts:    alerts,
		Publisher: publisher,
	})

	a.handler = a.routes(handlers.NewQueryHandler(devices, readings, alerts, publisher))
	a.httpServer = &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
	return nil
}

// initNotifier builds the in-process notifier and, when a relay is
// configured, wraps it so events reach subscribers on other instances.
func (a *App) initNotifier() error {
	log := logger.WithComponent("app")
	a.local = notifier.New(a.cfg.Notifier.Buffer)
	a.bus = a.local

	var relay notifier.Relay
	switch a.cfg.Notifier.Relay {
	case config.RelayNone:
		return nil
	case config.RelayPostgres:
		relay = notifier.NewPgRelay(a.db, a.cfg.Database.DSN, a.cfg.Notifier.Channel)
	case config.RelayRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		relay = notifier.NewRedisRelay(client, a.cfg.Notifier.Channel)
	default:
		return fmt.Errorf("unsupported notifier relay %q", a.cfg.Notifier.Relay)
	}

	a.clustered = notifier.NewClustered(a.local, relay)
	a.bus = a.clustered

	relayCtx, cancel := context.WithCancel(context.Background())
	a.cancelRelay = cancel
	a.clustered.Start(relayCtx, &a.wg)

	log.Info().
		Str("relay", relay.Name()).
		Str("channel", a.cfg.Notifier.Channel).
		Msg("notifier relay enabled")
	return nil
}

func (a *App) initKafka() error {
	log := logger.WithComponent("app")
	pc := a.cfg.Kafka.Producer

	producer, err := kafka.NewProducer(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, pc)
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	a.producer = producer

	a.pool = worker.NewPool(worker.Config{
		Publisher:    producer,
		QueueSize:    pc.QueueSize,
		Workers:      pc.PoolSize,
		BatchSize:    pc.BatchSize,
		BatchTimeout: pc.BatchTimeout,
	})
	a.pool.Start()

	log.Info().
		Strs("brokers", a.cfg.Kafka.Brokers).
		Str("topic", a.cfg.Kafka.Topic).
		Msg("kafka sink enabled")
	return nil
}

func (a *App) routes(query *handlers.QueryHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging, middleware.CORS)

	r.Handle("/ingest", handlers.NewIngestHandler(handlers.IngestConfig{
		Ingester:    a.pipeline,
		MaxBodySize: a.cfg.Server.MaxBodySize,
		Timeout:     a.cfg.Server.IngestTimeout,
	}))
	r.Route("/api", query.Routes)
	r.Method(http.MethodGet, "/ws", websocket.NewHandler(a.bus))

	r.Get("/health", a.healthHandler)
	r.Get("/stats", a.statsHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// shutdown stops components in dependency order: no new requests, then no
// new events, then the sinks, then the database.
func (a *App) shutdown() {
	log := logger.WithComponent("app")
	log.Info().Msg("initiating graceful shutdown")

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		cancel()
	}

	if a.pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.pool.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("worker pool did not drain")
		}
		cancel()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			log.Error().Err(err).Msg("kafka producer close error")
		}
	}

	if a.cancelRelay != nil {
		a.cancelRelay()
	}
	a.wg.Wait()

	if a.clustered != nil {
		if err := a.clustered.Close(); err != nil {
			log.Error().Err(err).Msg("notifier relay close error")
		}
	} else if a.local != nil {
		a.local.Close()
	}

	if a.db != nil {
		if err := storage.Close(a.db); err != nil {
			log.Error().Err(err).Msg("database close error")
		}
	}
	log.Info().Msg("sensorhub stopped")
}

func (a *App) reportStats(ctx context.Context) {
	log := logger.WithComponent("app")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.stats()
			ev := log.Info().Int("subscribers", s.Subscribers)
			if s.Worker != nil {
				ev = ev.
					Uint64("worker_processed", s.Worker.Processed).
					Uint64("worker_failed", s.Worker.Failed).
					Uint64("worker_dropped", s.Worker.Dropped).
					Int("queue_size", s.Worker.Queued)
			}
			if s.Producer != nil {
				ev = ev.
					Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed).
					Uint64("producer_bytes", s.Producer.BytesWritten)
			}
			ev.Msg("stats")
		}
	}
}

// Stats is the body of GET /stats
type Stats struct {
	Subscribers int                  `json:"subscribers"`
	Worker      *worker.Stats        `json:"worker,omitempty"`
	Producer    *kafka.ProducerStats `json:"producer,omitempty"`
}

func (a *App) stats() Stats {
	s := Stats{Subscribers: a.local.Subscribers()}
	if a.pool != nil {
		ws := a.pool.Stats()
		s.Worker = &ws
	}
	if a.producer != nil {
		ps := a.producer.Stats()
		s.Producer = &ps
	}
	return s
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{
		"status":    "healthy",
		"database":  "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := storage.Ping(ctx, a.db); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["database"] = err.Error()
	}
	if a.producer != nil {
		body["kafka"] = "ok"
		if err := a.producer.HealthCheck(ctx); err != nil {
			// an unreachable broker degrades the service but does not fail it
			body["kafka"] = err.Error()
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
	}

	writeJSON(w, status, body)
}

func (a *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log := logger.WithComponent("app")
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// fanout delivers each event to live subscribers and the Kafka queue
type fanout struct {
	bus  pipeline.Publisher
	sink pipeline.Publisher
}

func (f fanout) Publish(ctx context.Context, ev models.Event) error {
	return errors.Join(f.bus.Publish(ctx, ev), f.sink.Publish(ctx, ev))
}
