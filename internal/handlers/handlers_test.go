package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/config"
	"sensorhub/internal/handlers"
	"sensorhub/internal/middleware"
	"sensorhub/internal/models"
	"sensorhub/internal/notifier"
	"sensorhub/internal/pipeline"
	"sensorhub/internal/storage"
)

type testServer struct {
	router   http.Handler
	alerts   *storage.AlertStore
	readings *storage.ReadingStore
	bus      *notifier.Notifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "handlers.db"),
		ConnectRetry: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, storage.Migrate(ctx, db))

	devices := storage.NewDeviceRegistry(db)
	readings := storage.NewReadingStore(db)
	alerts := storage.NewAlertStore(db)

	bus := notifier.New(16)
	t.Cleanup(bus.Close)

	p := pipeline.New(pipeline.Config{Devices: devices, Readings: readings, Alerts: alerts, Publisher: bus})

	r := chi.NewRouter()
	r.Use(middleware.CORS)
	r.Handle("/ingest", handlers.NewIngestHandler(handlers.IngestConfig{
		Ingester:    p,
		MaxBodySize: 1024,
	}))
	r.Route("/api", handlers.NewQueryHandler(devices, readings, alerts, bus).Routes)

	return &testServer{router: r, alerts: alerts, readings: readings, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestIngestSuccess(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/ingest", `{"device_id":"d1","temperature":40,"humidity":50,"battery_level":15}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["alerts_created"])
	_, hasFailed := body["alerts_failed"]
	assert.False(t, hasFailed)

	data := body["data"].(map[string]any)
	assert.Equal(t, "d1", data["device_id"])
	assert.Equal(t, float64(40), data["temperature"])
	assert.NotEmpty(t, data["id"])
	assert.NotEmpty(t, data["timestamp"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIngestValidationError(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty object", `{}`, "device_id is required"},
		{"not json", `{{{`, "request body must be a JSON object"},
		{"wrong type", `{"device_id":"d1","humidity":"wet"}`, "humidity must be a number"},
		{"too large", `{"device_id":"d1","raw_data":{"x":"` + strings.Repeat("a", 2048) + `"}}`, "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, http.MethodPost, "/ingest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.message, body["error"])
		})
	}

	active, err := s.alerts.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestIngestWrongContentType(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"device_id":"d1"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestPreflight(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodOptions, "/ingest", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "content-type")
}

type stubIngester struct {
	result *pipeline.Result
	err    error
}

func (s stubIngester) Ingest(context.Context, []byte) (*pipeline.Result, error) {
	return s.result, s.err
}

func TestIngestPartialSuccess(t *testing.T) {
	h := handlers.NewIngestHandler(handlers.IngestConfig{Ingester: stubIngester{result: &pipeline.Result{
		Reading:      &models.Reading{DeviceID: "d1"},
		AlertsFailed: true,
		AlertError:   errors.New("store down"),
	}}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"device_id":"d1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["alerts_failed"])
	assert.NotEmpty(t, body["warning"])
}

func TestIngestStorageErrorDoesNotLeak(t *testing.T) {
	cause := models.NewStorageError("append_reading", errors.New(`pq: relation "sensor_data" does not exist`))
	h := handlers.NewIngestHandler(handlers.IngestConfig{Ingester: stubIngester{
		err: models.NewPipelineError(models.StageReading, cause),
	}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"device_id":"d1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sensor_data")
	assert.Contains(t, rec.Body.String(), "failed to store reading")
}

func TestDeviceRoutes(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/api/devices", `{"device_id":"d1","device_name":"Boiler room","location":"basement"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body := s.do(t, http.MethodPost, "/api/devices", `{"device_id":"d1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotEmpty(t, body["error"])

	rec, body = s.do(t, http.MethodPost, "/api/devices", `{"device_id":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "device_id is required", body["error"])

	rec, body = s.do(t, http.MethodGet, "/api/devices/d1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "Boiler room", data["device_name"])
	assert.Equal(t, "basement", data["location"])
	assert.Equal(t, "active", data["status"])

	rec, _ = s.do(t, http.MethodGet, "/api/devices/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodPut, "/api/devices/d1/status", `{"status":"maintenance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maintenance", body["data"].(map[string]any)["status"])

	rec, _ = s.do(t, http.MethodPut, "/api/devices/d1/status", `{"status":"exploded"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, _ = s.do(t, http.MethodPost, "/ingest", `{"device_id":"d2"}`)
	rec, body = s.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 2)
}

func TestReadingRoutes(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/devices/d1/readings/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, body["data"])

	for _, temp := range []string{"20", "21", "22"} {
		rec, _ := s.do(t, http.MethodPost, "/ingest", `{"device_id":"d1","temperature":`+temp+`}`)
		require.Equal(t, http.StatusOK, rec.Code)
		time.Sleep(2 * time.Millisecond)
	}

	rec, body = s.do(t, http.MethodGet, "/api/devices/d1/readings/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(22), body["data"].(map[string]any)["temperature"])

	rec, body = s.do(t, http.MethodGet, "/api/devices/d1/readings?hours=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := body["data"].([]any)
	require.Len(t, history, 3)
	assert.Equal(t, float64(20), history[0].(map[string]any)["temperature"])

	for _, bad := range []string{"0", "-1", "abc", "721"} {
		rec, _ = s.do(t, http.MethodGet, "/api/devices/d1/readings?hours="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "hours=%s", bad)
	}
}

func TestAlertRoutes(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/ingest", `{"device_id":"d1","temperature":-5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := s.do(t, http.MethodPost, "/api/alerts",
		`{"device_id":"d1","alert_type":"low_battery","message":"replace battery","severity":"critical"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := body["data"].(map[string]any)
	assert.Equal(t, false, created["is_resolved"])

	rec, _ = s.do(t, http.MethodPost, "/api/alerts", `{"device_id":"d1","alert_type":"meteor","message":"x","severity":"info"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/alerts/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	active := body["data"].([]any)
	require.Len(t, active, 2)
	assert.Equal(t, created["id"], active[0].(map[string]any)["id"], "newest first")

	id := created["id"].(string)
	for i := 0; i < 2; i++ {
		rec, _ = s.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec, _ = s.do(t, http.MethodPost, "/api/alerts/00000000-0000-0000-0000-000000000000/resolve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = s.do(t, http.MethodGet, "/api/alerts/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 1)
}

func TestIngestRejectsOtherMethods(t *testing.T) {
	s := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rec, body := s.do(t, method, "/ingest", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, "method not allowed", body["error"], method)
	}
}

func TestCreateAlertForUnknownDevice(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/alerts",
		`{"device_id":"ghost","alert_type":"low_battery","message":"x","severity":"error"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])

	active, err := s.alerts.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCreateAlertNotifiesSubscribers(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/api/devices", `{"device_id":"d1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	sub := s.bus.SubscribeAlerts()
	defer sub.Close()

	rec, body := s.do(t, http.MethodPost, "/api/alerts",
		`{"device_id":"d1","alert_type":"low_battery","message":"replace battery","severity":"critical"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := body["data"].(map[string]any)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventAlert, ev.Kind)
		assert.Equal(t, "d1", ev.DeviceID)
		require.NotNil(t, ev.Alert)
		assert.Equal(t, created["id"], ev.Alert.ID.String())
	case <-time.After(time.Second):
		t.Fatal("operator-created alert was not published")
	}
}
