package worker

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

var (
	ErrQueueFull = errors.New("event queue is full")
	ErrStopped   = errors.New("worker pool is stopped")
)

// Publisher is the downstream sink for batched events
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
	PublishBatch(ctx context.Context, events []models.Event) error
}

// Pool buffers events in a bounded queue and forwards them in batches
type Pool struct {
	publisher    Publisher
	queue        chan models.Event
	workers      int
	batchSize    int
	batchTimeout time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
}

// NewPool creates a worker pool. Call Start before enqueueing.
func NewPool(cfg Config) *Pool {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	metrics.WorkerQueueCapacity.Set(float64(cfg.QueueSize))

	return &Pool{
		publisher:    cfg.Publisher,
		queue:        make(chan models.Event, cfg.QueueSize),
		workers:      cfg.Workers,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Publish enqueues ev without blocking. A full queue drops the event.
func (p *Pool) Publish(_ context.Context, ev models.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- ev:
		metrics.WorkerQueueSize.Set(float64(len(p.queue)))
		return nil
	default:
		p.dropped.Add(1)
		metrics.WorkerDroppedTotal.Inc()
		return ErrQueueFull
	}
}

// Start launches the workers
func (p *Pool) Start() {
	log := logger.WithComponent("worker_pool")
	log.Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("batch_timeout", p.batchTimeout).
		Int("queue_size", cap(p.queue)).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes the queue and waits for workers to drain it. If ctx expires
// first, in-flight publishes are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	log := logger.WithComponent("worker_pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		log.Warn().Int("abandoned", len(p.queue)).Msg("worker pool stop timed out")
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	batch := make([]models.Event, 0, p.batchSize)
	timer := time.NewTimer(p.batchTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				p.flush(batch)
				batch = batch[:0]
				timer.Reset(p.batchTimeout)
			}

		case <-timer.C:
			p.flush(batch)
			batch = batch[:0]
			timer.Reset(p.batchTimeout)
		}
	}
}

// flush publishes a batch, falling back to one event at a time when the
// batch write fails
func (p *Pool) flush(batch []models.Event) {
	if len(batch) == 0 {
		return
	}
	metrics.WorkerQueueSize.Set(float64(len(p.queue)))

	log := logger.WithComponent("worker")
	start := time.Now()

	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	err := p.publisher.PublishBatch(ctx, batch)
	cancel()

	duration := time.Since(start)
	metrics.WorkerBatchPublishDuration.Observe(duration.Seconds())

	if err == nil {
		log.Debug().
			Int("batch_size", len(batch)).
			Dur("duration", duration).
			Msg("batch published")
		p.processed.Add(uint64(len(batch)))
		metrics.WorkerProcessedTotal.Add(float64(len(batch)))
		return
	}

	log.Warn().
		Err(err).
		Int("batch_size", len(batch)).
		Dur("duration", duration).
		Msg("batch publish failed, retrying events individually")
	p.publishEach(batch)
}

func (p *Pool) publishEach(batch []models.Event) {
	for _, ev := range batch {
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := p.publisher.Publish(ctx, ev)
		cancel()

		if err != nil {
			log := logger.WithDevice("worker", ev.DeviceID)
			log.Error().
				Err(err).
				Str("kind", string(ev.Kind)).
				Msg("failed to publish event")
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			continue
		}
		p.processed.Add(1)
		metrics.WorkerProcessedTotal.Inc()
	}
}

// Stats holds worker pool counters
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
		Capacity:  cap(p.queue),
	}
}
