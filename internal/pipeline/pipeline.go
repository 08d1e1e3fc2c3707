// Package pipeline is the single entry point for device readings: it
// registers the device, stores the reading, derives and stores alerts, and
// notifies live subscribers.
package pipeline

import (
	"context"
	"errors"
	"time"

	"sensorhub/internal/alerts"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// DeviceRegistry resolves a device id to a device, registering it if needed
type DeviceRegistry interface {
	EnsureDevice(ctx context.Context, deviceID string) (*models.Device, error)
}

// ReadingStore persists readings
type ReadingStore interface {
	Append(ctx context.Context, reading *models.Reading) (*models.Reading, error)
}

// AlertStore persists alert batches
type AlertStore interface {
	Append(ctx context.Context, drafts []models.AlertDraft) ([]models.Alert, error)
}

// Publisher receives change events
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Evaluator derives alert drafts from a stored reading
type Evaluator func(reading *models.Reading) []models.AlertDraft

// Result is the outcome of one ingestion
type Result struct {
	Reading       *models.Reading
	Alerts        []models.Alert
	AlertsCreated int

	// AlertsFailed is set when rules fired but the alerts could not be
	// stored. The reading itself is stored.
	AlertsFailed bool
	AlertError   error
}

// Config wires the pipeline's collaborators
type Config struct {
	Devices   DeviceRegistry
	Readings  ReadingStore
	Alerts    AlertStore
	Publisher Publisher
	Evaluate  Evaluator
}

// Pipeline holds no mutable state of its own; concurrent calls only share the
// stores and the publisher.
type Pipeline struct {
	devices   DeviceRegistry
	readings  ReadingStore
	alerts    AlertStore
	publisher Publisher
	evaluate  Evaluator
}

// New creates a pipeline. Evaluate defaults to the built-in threshold rules
// and a nil Publisher disables notifications.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		devices:   cfg.Devices,
		readings:  cfg.Readings,
		alerts:    cfg.Alerts,
		publisher: cfg.Publisher,
		evaluate:  cfg.Evaluate,
	}
	if p.evaluate == nil {
		p.evaluate = alerts.Evaluate
	}
	return p
}

// Ingest decodes a raw JSON payload and ingests it
func (p *Pipeline) Ingest(ctx context.Context, payload []byte) (*Result, error) {
	req, err := models.ParseIngestRequest(payload)
	if err != nil {
		return nil, p.reject(err)
	}
	return p.IngestRequest(ctx, req)
}

// IngestRequest runs the pipeline for an already decoded request. Device
// registration and reading storage failures abort with a *PipelineError; an
// alert storage failure is reported through the result only.
func (p *Pipeline) IngestRequest(ctx context.Context, req *models.IngestRequest) (*Result, error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, p.reject(err)
	}

	log := logger.WithDevice("pipeline", req.DeviceID)

	if _, err := p.devices.EnsureDevice(ctx, req.DeviceID); err != nil {
		log.Error().Err(err).Msg("failed to ensure device")
		metrics.IngestReadingsTotal.WithLabelValues("failed").Inc()
		return nil, models.NewPipelineError(models.StageDevice, err)
	}

	stored, err := p.readings.Append(ctx, req.Reading())
	if err != nil {
		log.Error().Err(err).Msg("failed to store reading")
		metrics.IngestReadingsTotal.WithLabelValues("failed").Inc()
		return nil, models.NewPipelineError(models.StageReading, err)
	}

	result := &Result{Reading: stored}

	// rules only see committed readings so no alert can outlive its reading
	if drafts := p.evaluate(stored); len(drafts) > 0 {
		created, err := p.alerts.Append(ctx, drafts)
		if err != nil {
			log.Error().
				Err(err).
				Str("reading_id", stored.ID.String()).
				Int("drafts", len(drafts)).
				Msg("reading stored but alerts could not be stored")
			result.AlertsFailed = true
			result.AlertError = models.NewPipelineError(models.StageAlerts, err)
		} else {
			result.Alerts = created
			result.AlertsCreated = len(created)
		}
	}

	p.publish(ctx, models.NewReadingEvent(stored))
	for i := range result.Alerts {
		p.publish(ctx, models.NewAlertEvent(&result.Alerts[i]))
	}

	status := "stored"
	if result.AlertsFailed {
		status = "partial"
	}
	metrics.IngestReadingsTotal.WithLabelValues(status).Inc()

	log.Debug().
		Str("reading_id", stored.ID.String()).
		Int("alerts_created", result.AlertsCreated).
		Bool("alerts_failed", result.AlertsFailed).
		Dur("duration", time.Since(start)).
		Msg("reading ingested")

	return result, nil
}

func (p *Pipeline) publish(ctx context.Context, ev models.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		log := logger.WithDevice("pipeline", ev.DeviceID)
		log.Warn().
			Err(err).
			Str("kind", string(ev.Kind)).
			Msg("failed to publish event")
	}
}

func (p *Pipeline) reject(err error) error {
	field := "unknown"
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		field = ve.Field
		if field == "" {
			field = "body"
		}
	}
	metrics.IngestValidationErrors.WithLabelValues(field).Inc()
	metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()

	log := logger.WithComponent("pipeline")
	log.Debug().Err(err).Str("field", field).Msg("reading rejected")
	return models.NewPipelineError(models.StageValidate, err)
}
