package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"sensorhub/internal/config"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrSerializeFailed = errors.New("failed to serialize message")
)

// messageWriter is the part of kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes notifier events to Kafka through a pool of writers,
// retrying failed writes with exponential backoff.
type Producer struct {
	cfg     config.ProducerConfig
	brokers []string
	writers []messageWriter
	pool    chan messageWriter
	closed  atomic.Bool

	messagesSent   atomic.Uint64
	messagesFailed atomic.Uint64
	bytesWritten   atomic.Uint64
}

// NewProducer creates a producer writing to topic on brokers
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}

	compression := getCompression(cfg.Compression)
	writers := make([]messageWriter, cfg.PoolSize)
	for i := range writers {
		writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // same device, same partition
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  1, // retries are ours so they are logged and counted
		}
	}
	return newProducer(brokers, cfg, writers), nil
}

func newProducer(brokers []string, cfg config.ProducerConfig, writers []messageWriter) *Producer {
	p := &Producer{
		cfg:     cfg,
		brokers: brokers,
		writers: writers,
		pool:    make(chan messageWriter, len(writers)),
	}
	for _, w := range writers {
		p.pool <- w
	}
	return p
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// buildMessage encodes an event. Messages are keyed by device so one
// device's events stay ordered within a partition.
func buildMessage(ev models.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	headers := []kafka.Header{
		{Key: "kind", Value: []byte(ev.Kind)},
		{Key: "device_id", Value: []byte(ev.DeviceID)},
	}
	if id := eventID(ev); id != "" {
		headers = append(headers, kafka.Header{Key: "event_id", Value: []byte(id)})
	}

	return kafka.Message{
		Key:     []byte(ev.DeviceID),
		Value:   data,
		Headers: headers,
		Time:    ev.PublishedAt,
	}, nil
}

// eventID is the id of the reading or alert carried by ev
func eventID(ev models.Event) string {
	switch {
	case ev.Kind == models.EventReading && ev.Reading != nil:
		return ev.Reading.ID.String()
	case ev.Kind == models.EventAlert && ev.Alert != nil:
		return ev.Alert.ID.String()
	default:
		return ""
	}
}

// Publish sends one event
func (p *Producer) Publish(ctx context.Context, ev models.Event) error {
	return p.PublishBatch(ctx, []models.Event{ev})
}

// PublishBatch sends events in a single write. Events that cannot be encoded
// are dropped and counted; the rest are still written.
func (p *Producer) PublishBatch(ctx context.Context, events []models.Event) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(events) == 0 {
		return nil
	}

	log := logger.WithComponent("kafka_producer")
	start := time.Now()

	messages := make([]kafka.Message, 0, len(events))
	var size int
	for _, ev := range events {
		msg, err := buildMessage(ev)
		if err != nil {
			log.Error().
				Err(err).
				Str("kind", string(ev.Kind)).
				Str("device_id", ev.DeviceID).
				Msg("failed to serialize event")
			p.messagesFailed.Add(1)
			metrics.KafkaPublishTotal.WithLabelValues("failed").Inc()
			continue
		}
		messages = append(messages, msg)
		size += len(msg.Value)
	}
	if len(messages) == 0 {
		return nil
	}

	var writer messageWriter
	select {
	case writer = <-p.pool:
		defer func() { p.pool <- writer }()
	case <-ctx.Done():
		p.messagesFailed.Add(uint64(len(messages)))
		return ctx.Err()
	}

	err := p.writeWithRetry(ctx, writer, messages)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.messagesFailed.Add(uint64(len(messages)))
		metrics.KafkaPublishTotal.WithLabelValues("failed").Add(float64(len(messages)))
		return err
	}

	p.messagesSent.Add(uint64(len(messages)))
	p.bytesWritten.Add(uint64(size))
	metrics.KafkaPublishTotal.WithLabelValues("success").Add(float64(len(messages)))
	metrics.KafkaBytesWritten.Add(float64(size))

	log.Debug().
		Int("batch_size", len(messages)).
		Dur("duration", time.Since(start)).
		Msg("events published to kafka")
	return nil
}

// writeWithRetry retries a write with exponential backoff. Context errors are
// not retried.
func (p *Producer) writeWithRetry(ctx context.Context, writer messageWriter, messages []kafka.Message) error {
	log := logger.WithComponent("kafka_producer")
	backoff := p.cfg.RetryBackoff
	attempts := p.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.KafkaPublishRetries.Inc()
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, messages...)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("batch_size", len(messages)).
			Dur("next_backoff", backoff).
			Msg("kafka write failed")
	}

	return fmt.Errorf("kafka write failed after %d attempts: %w", attempts, lastErr)
}

// Close closes all writers. Writers in use finish their current write first.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.messagesSent.Load(),
		MessagesFailed: p.messagesFailed.Load(),
		BytesWritten:   p.bytesWritten.Load(),
	}
}

// HealthCheck dials the first reachable broker
func (p *Producer) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
