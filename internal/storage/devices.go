package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// DeviceRegistry maps external device ids to device records
type DeviceRegistry struct {
	db *gorm.DB
}

// NewDeviceRegistry creates a registry backed by db
func NewDeviceRegistry(db *gorm.DB) *DeviceRegistry {
	return &DeviceRegistry{db: db}
}

// EnsureDevice returns the device with deviceID, registering it with default
// attributes when it does not exist yet. Concurrent first arrivals of the same
// id, from this or any other process, yield a single record: the insert is
// conflict-tolerant on the unique device_id index and the winner is re-read.
func (r *DeviceRegistry) EnsureDevice(ctx context.Context, deviceID string) (_ *models.Device, err error) {
	defer observe("ensure_device", time.Now(), &err)

	if err := models.ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	existing, err := r.find(ctx, deviceID)
	if err != nil {
		return nil, models.NewStorageError("ensure_device", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	device := &models.Device{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		Name:      models.DefaultDeviceName(deviceID),
		Type:      models.DefaultDeviceType,
		Status:    models.DeviceStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoNothing: true,
		}).
		Create(device)
	if res.Error != nil && !IsDuplicateError(res.Error) {
		return nil, models.NewStorageError("ensure_device", res.Error)
	}
	if res.Error == nil && res.RowsAffected == 1 {
		metrics.DevicesProvisionedTotal.Inc()
		log := logger.WithDevice("device_registry", deviceID)
		log.Info().
			Str("id", device.ID.String()).
			Msg("device auto-provisioned")
		return device, nil
	}

	// another writer registered it between our read and insert
	winner, err := r.find(ctx, deviceID)
	if err != nil {
		return nil, models.NewStorageError("ensure_device", err)
	}
	if winner == nil {
		return nil, models.NewStorageError("ensure_device", errors.New("device vanished after conflicting insert"))
	}
	return winner, nil
}

// Create registers a device explicitly. An existing device_id is a conflict.
func (r *DeviceRegistry) Create(ctx context.Context, nd models.NewDevice) (_ *models.Device, err error) {
	defer observe("create_device", time.Now(), &err)

	nd.Normalize()
	if err := nd.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	device := &models.Device{
		ID:        uuid.New(),
		DeviceID:  nd.DeviceID,
		Name:      nd.Name,
		Type:      nd.Type,
		Location:  nd.Location,
		Status:    nd.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(device).Error; err != nil {
		if IsDuplicateError(err) {
			return nil, models.NewConflictError("device", nd.DeviceID)
		}
		return nil, models.NewStorageError("create_device", err)
	}
	return device, nil
}

// Get returns the device or a NotFoundError
func (r *DeviceRegistry) Get(ctx context.Context, deviceID string) (_ *models.Device, err error) {
	defer observe("get_device", time.Now(), &err)

	device, err := r.find(ctx, deviceID)
	if err != nil {
		return nil, models.NewStorageError("get_device", err)
	}
	if device == nil {
		return nil, models.NewNotFoundError("device", deviceID)
	}
	return device, nil
}

// List returns all devices, newest first
func (r *DeviceRegistry) List(ctx context.Context) (_ []models.Device, err error) {
	defer observe("list_devices", time.Now(), &err)

	devices := make([]models.Device, 0)
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&devices).Error; err != nil {
		return nil, models.NewStorageError("list_devices", err)
	}
	return devices, nil
}

// SetStatus moves a device to another lifecycle state. Setting the current
// status again only refreshes updated_at.
func (r *DeviceRegistry) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) (_ *models.Device, err error) {
	defer observe("set_device_status", time.Now(), &err)

	if !status.IsValid() {
		return nil, models.NewValidationError("status", "invalid device status")
	}

	res := r.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, models.NewStorageError("set_device_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, models.NewNotFoundError("device", deviceID)
	}
	return r.Get(ctx, deviceID)
}

func (r *DeviceRegistry) find(ctx context.Context, deviceID string) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}
