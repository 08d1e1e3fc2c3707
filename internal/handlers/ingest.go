package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"sensorhub/internal/logger"
	"sensorhub/internal/models"
	"sensorhub/internal/pipeline"
)

// Ingester runs the ingestion pipeline for a raw payload
type Ingester interface {
	Ingest(ctx context.Context, payload []byte) (*pipeline.Result, error)
}

// IngestHandler accepts device readings over HTTP
type IngestHandler struct {
	ingester    Ingester
	maxBodySize int64
	timeout     time.Duration
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Ingester    Ingester
	MaxBodySize int64
	Timeout     time.Duration
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 << 20 // 1MB default
	}

	return &IngestHandler{
		ingester:    cfg.Ingester,
		maxBodySize: maxBodySize,
		timeout:     cfg.Timeout,
	}
}

// IngestResponse is returned for a stored reading
type IngestResponse struct {
	Success       bool            `json:"success"`
	Data          *models.Reading `json:"data"`
	AlertsCreated int             `json:"alerts_created"`
	AlertsFailed  bool            `json:"alerts_failed,omitempty"`
	Warning       string          `json:"warning,omitempty"`
}

// ServeHTTP handles the ingest HTTP request. Every failure is reported as 400
// with a message that is safe to show to the device.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			writeError(w, http.StatusBadRequest, "content-type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.ingester.Ingest(ctx, body)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	resp := IngestResponse{
		Success:       true,
		Data:          result.Reading,
		AlertsCreated: result.AlertsCreated,
	}
	if result.AlertsFailed {
		resp.AlertsFailed = true
		resp.Warning = "reading stored but alerts could not be stored"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *IngestHandler) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *models.PipelineError
	if !errors.As(err, &pe) {
		pe = models.NewPipelineError("", err)
	}

	if !models.IsValidation(err) {
		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Error().
			Err(err).
			Str("stage", pe.Stage).
			Msg("ingestion failed")
	}
	writeError(w, http.StatusBadRequest, pe.PublicMessage())
}
