package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sensorhub/internal/logger"
	"sensorhub/internal/models"
	"sensorhub/internal/pipeline"
)

// DeviceService is the device side of the query facade
type DeviceService interface {
	List(ctx context.Context) ([]models.Device, error)
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	Create(ctx context.Context, nd models.NewDevice) (*models.Device, error)
	SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) (*models.Device, error)
}

// ReadingService is the reading side of the query facade
type ReadingService interface {
	Latest(ctx context.Context, deviceID string) (*models.Reading, error)
	History(ctx context.Context, deviceID string, window time.Duration) ([]models.Reading, error)
}

// AlertService is the alert side of the query facade
type AlertService interface {
	ListActive(ctx context.Context) ([]models.Alert, error)
	Create(ctx context.Context, draft models.AlertDraft) (*models.Alert, error)
	Resolve(ctx context.Context, alertID string) error
}

const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 30
	maxQueryBodySize    = 64 << 10
)

// QueryHandler serves the read side and operator actions. Operator-created
// alerts are published like pipeline alerts.
type QueryHandler struct {
	devices   DeviceService
	readings  ReadingService
	alerts    AlertService
	publisher pipeline.Publisher
}

// NewQueryHandler creates the query facade. A nil publisher disables
// notifications for operator-created alerts.
func NewQueryHandler(devices DeviceService, readings ReadingService, alerts AlertService, publisher pipeline.Publisher) *QueryHandler {
	return &QueryHandler{devices: devices, readings: readings, alerts: alerts, publisher: publisher}
}

// Routes mounts the facade under r
func (h *QueryHandler) Routes(r chi.Router) {
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", h.listDevices)
		r.Post("/", h.createDevice)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", h.getDevice)
			r.Put("/status", h.setDeviceStatus)
			r.Get("/readings/latest", h.latestReading)
			r.Get("/readings", h.readingHistory)
		})
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/active", h.activeAlerts)
		r.Post("/", h.createAlert)
		r.Post("/{alertID}/resolve", h.resolveAlert)
	})
}

func (h *QueryHandler) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.List(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: devices})
}

func (h *QueryHandler) createDevice(w http.ResponseWriter, r *http.Request) {
	var nd models.NewDevice
	if err := decodeBody(w, r, maxQueryBodySize, &nd); err != nil {
		writeStoreError(w, r, err)
		return
	}
	device, err := h.devices.Create(r.Context(), nd)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: device})
}

func (h *QueryHandler) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.Get(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: device})
}

func (h *QueryHandler) setDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.DeviceStatus `json:"status"`
	}
	if err := decodeBody(w, r, maxQueryBodySize, &body); err != nil {
		writeStoreError(w, r, err)
		return
	}
	device, err := h.devices.SetStatus(r.Context(), chi.URLParam(r, "deviceID"), body.Status)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: device})
}

// latestReading answers with data null when the device has no readings
func (h *QueryHandler) latestReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.readings.Latest(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: reading})
}

func (h *QueryHandler) readingHistory(w http.ResponseWriter, r *http.Request) {
	hours := defaultHistoryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryHours {
			writeError(w, http.StatusBadRequest, "hours must be an integer between 1 and 720")
			return
		}
		hours = n
	}

	readings, err := h.readings.History(r.Context(), chi.URLParam(r, "deviceID"), time.Duration(hours)*time.Hour)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: readings})
}

func (h *QueryHandler) activeAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.alerts.ListActive(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: alerts})
}

func (h *QueryHandler) createAlert(w http.ResponseWriter, r *http.Request) {
	var draft models.AlertDraft
	if err := decodeBody(w, r, maxQueryBodySize, &draft); err != nil {
		writeStoreError(w, r, err)
		return
	}
	alert, err := h.alerts.Create(r.Context(), draft)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), models.NewAlertEvent(alert)); err != nil {
			log := logger.WithDevice("handlers", alert.DeviceID)
			log.Warn().Err(err).Str("alert_id", alert.ID.String()).Msg("failed to publish alert")
		}
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: alert})
}

func (h *QueryHandler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.alerts.Resolve(r.Context(), chi.URLParam(r, "alertID")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
