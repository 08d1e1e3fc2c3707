package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/internal/config"
	"sensorhub/internal/models"
	"sensorhub/internal/notifier"
	"sensorhub/internal/storage"
)

type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	creates int
	err     error
}

func (f *fakeDevices) EnsureDevice(_ context.Context, deviceID string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.devices == nil {
		f.devices = make(map[string]*models.Device)
	}
	if d, ok := f.devices[deviceID]; ok {
		return d, nil
	}
	d := &models.Device{ID: uuid.New(), DeviceID: deviceID, Name: models.DefaultDeviceName(deviceID)}
	f.devices[deviceID] = d
	f.creates++
	return d, nil
}

type fakeReadings struct {
	mu     sync.Mutex
	stored []models.Reading
	err    error
}

func (f *fakeReadings) Append(_ context.Context, r *models.Reading) (*models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := *r
	out.ID = uuid.New()
	out.Timestamp = time.Now().UTC()
	f.stored = append(f.stored, out)
	return &out, nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	stored []models.Alert
	calls  int
	err    error
}

func (f *fakeAlerts) Append(_ context.Context, drafts []models.AlertDraft) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Alert, len(drafts))
	for i, d := range drafts {
		out[i] = models.Alert{
			ID:        uuid.New(),
			DeviceID:  d.DeviceID,
			Type:      d.Type,
			Message:   d.Message,
			Severity:  d.Severity,
			CreatedAt: time.Now().UTC(),
		}
	}
	f.stored = append(f.stored, out...)
	return out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type fixture struct {
	devices   *fakeDevices
	readings  *fakeReadings
	alerts    *fakeAlerts
	publisher *recordingPublisher
	pipeline  *Pipeline
}

func newFixture() *fixture {
	f := &fixture{
		devices:   &fakeDevices{},
		readings:  &fakeReadings{},
		alerts:    &fakeAlerts{},
		publisher: &recordingPublisher{},
	}
	f.pipeline = New(Config{
		Devices:   f.devices,
		Readings:  f.readings,
		Alerts:    f.alerts,
		Publisher: f.publisher,
	})
	return f
}

func TestIngestRaisesAlerts(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline.Ingest(context.Background(),
		[]byte(`{"device_id":"d1","temperature":40,"humidity":50,"battery_level":15}`))
	require.NoError(t, err)

	require.NotNil(t, res.Reading)
	assert.Equal(t, "d1", res.Reading.DeviceID)
	assert.Equal(t, 2, res.AlertsCreated)
	assert.False(t, res.AlertsFailed)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, models.AlertHighTemperature, res.Alerts[0].Type)
	assert.Equal(t, models.SeverityWarning, res.Alerts[0].Severity)
	assert.Equal(t, "High temperature detected: 40°C", res.Alerts[0].Message)
	assert.Equal(t, models.AlertLowBattery, res.Alerts[1].Type)
	assert.Equal(t, models.SeverityError, res.Alerts[1].Severity)

	require.Len(t, f.publisher.events, 3)
	assert.Equal(t, models.EventReading, f.publisher.events[0].Kind)
	assert.Equal(t, models.EventAlert, f.publisher.events[1].Kind)
	assert.Equal(t, models.EventAlert, f.publisher.events[2].Kind)
}

func TestIngestWithoutAlerts(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d2","temperature":22,"humidity":45}`))
	require.NoError(t, err)
	assert.Equal(t, 0, res.AlertsCreated)
	assert.Equal(t, 0, f.alerts.calls, "alert store is not called without drafts")
	assert.Len(t, f.publisher.events, 1)
}

func TestIngestRejectsMissingDeviceID(t *testing.T) {
	for _, body := range []string{`{}`, `{"device_id":"   "}`, `{"device_id":null,"temperature":40}`, `[1,2]`, `nope`} {
		t.Run(body, func(t *testing.T) {
			f := newFixture()

			res, err := f.pipeline.Ingest(context.Background(), []byte(body))
			require.Error(t, err)
			assert.Nil(t, res)

			var pe *models.PipelineError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, models.StageValidate, pe.Stage)
			assert.True(t, models.IsValidation(err))

			assert.Empty(t, f.devices.devices)
			assert.Empty(t, f.readings.stored)
			assert.Zero(t, f.alerts.calls)
			assert.Empty(t, f.publisher.events)
		})
	}
}

func TestIngestRejectsWrongType(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d1","temperature":"hot"}`))
	require.Error(t, err)
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, models.FieldTemperature, ve.Field)
	assert.Empty(t, f.readings.stored)
}

func TestIngestProvisionsUnknownDeviceOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.pipeline.Ingest(ctx, []byte(`{"device_id":"new1","pressure":1013}`))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.devices.creates)
	assert.Len(t, f.readings.stored, 3)
}

func TestIngestDeviceFailureAborts(t *testing.T) {
	f := newFixture()
	f.devices.err = models.NewStorageError("ensure_device", errors.New("connection refused"))

	_, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d1","temperature":40}`))
	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StageDevice, pe.Stage)
	assert.Equal(t, "failed to register device", pe.PublicMessage())
	assert.Empty(t, f.readings.stored)
	assert.Zero(t, f.alerts.calls)
}

func TestIngestReadingFailureAborts(t *testing.T) {
	f := newFixture()
	f.readings.err = models.NewStorageError("append_reading", errors.New("disk full"))

	_, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d1","temperature":40}`))
	var pe *models.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.StageReading, pe.Stage)
	assert.Equal(t, "failed to store reading", pe.PublicMessage())
	assert.Zero(t, f.alerts.calls, "rules must not run for an uncommitted reading")
	assert.Empty(t, f.publisher.events)
}

func TestIngestAlertFailureIsPartialSuccess(t *testing.T) {
	f := newFixture()
	f.alerts.err = models.NewStorageError("append_alerts", errors.New("constraint violated"))

	res, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d1","temperature":40}`))
	require.NoError(t, err)
	require.NotNil(t, res.Reading)
	assert.Len(t, f.readings.stored, 1, "reading is kept")
	assert.True(t, res.AlertsFailed)
	assert.Equal(t, 0, res.AlertsCreated)
	require.Error(t, res.AlertError)

	var pe *models.PipelineError
	require.ErrorAs(t, res.AlertError, &pe)
	assert.Equal(t, models.StageAlerts, pe.Stage)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.EventReading, f.publisher.events[0].Kind)
}

func TestIngestPublishFailureIsIgnored(t *testing.T) {
	f := newFixture()
	f.publisher.err = notifier.ErrClosed

	res, err := f.pipeline.Ingest(context.Background(), []byte(`{"device_id":"d1","humidity":90}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.AlertsCreated)
}

func TestIngestKeepsUnknownFieldsAsRawData(t *testing.T) {
	f := newFixture()

	res, err := f.pipeline.Ingest(context.Background(),
		[]byte(`{"device_id":"d1","raw_data":{"fw":"2.1"},"rssi_raw":-70}`))
	require.NoError(t, err)
	assert.Equal(t, "2.1", res.Reading.RawData["fw"])
	assert.Equal(t, -70.0, res.Reading.RawData["rssi_raw"])
}

func TestIngestAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "pipeline.db"),
		ConnectRetry: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, storage.Migrate(ctx, db))

	bus := notifier.New(8)
	defer bus.Close()
	deviceSub := bus.SubscribeDevice("d1")
	alertSub := bus.SubscribeAlerts()

	readings := storage.NewReadingStore(db)
	alertStore := storage.NewAlertStore(db)
	p := New(Config{
		Devices:   storage.NewDeviceRegistry(db),
		Readings:  readings,
		Alerts:    alertStore,
		Publisher: bus,
	})

	res, err := p.Ingest(ctx, []byte(`{"device_id":"d1","temperature":40,"humidity":50,"battery_level":15}`))
	require.NoError(t, err)
	assert.Equal(t, 2, res.AlertsCreated)

	latest, err := readings.Latest(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.Reading.ID, latest.ID)
	assert.Equal(t, 40.0, *latest.Temperature)
	assert.Equal(t, 50.0, *latest.Humidity)
	assert.Equal(t, 15.0, *latest.BatteryLevel)

	active, err := alertStore.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	assert.Len(t, deviceSub.Events(), 1)
	assert.Len(t, alertSub.Events(), 2)
}
