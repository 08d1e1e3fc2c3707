package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sensorhub/internal/models"
)

// ReadingStore is the append-only store of sensor readings
type ReadingStore struct {
	db *gorm.DB
}

// NewReadingStore creates a reading store backed by db
func NewReadingStore(db *gorm.DB) *ReadingStore {
	return &ReadingStore{db: db}
}

// Append assigns identity and the server timestamp, then persists the reading.
// The caller's value is not modified.
func (s *ReadingStore) Append(ctx context.Context, reading *models.Reading) (_ *models.Reading, err error) {
	defer observe("append_reading", time.Now(), &err)

	stored := *reading
	stored.ID = uuid.New()
	stored.Timestamp = time.Now().UTC()

	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		return nil, models.NewStorageError("append_reading", err)
	}
	return &stored, nil
}

// Latest returns the most recent reading for a device, or nil if it has none
func (s *ReadingStore) Latest(ctx context.Context, deviceID string) (_ *models.Reading, err error) {
	defer observe("latest_reading", time.Now(), &err)

	var reading models.Reading
	err = s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("timestamp DESC").
		Take(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewStorageError("latest_reading", err)
	}
	return &reading, nil
}

// History returns the readings of the last window for a device, oldest first.
// The result is a snapshot taken at call time.
func (s *ReadingStore) History(ctx context.Context, deviceID string, window time.Duration) (_ []models.Reading, err error) {
	defer observe("reading_history", time.Now(), &err)

	if window <= 0 {
		return nil, models.NewValidationError("hours", "history window must be positive")
	}

	since := time.Now().UTC().Add(-window)
	readings := make([]models.Reading, 0)
	err = s.db.WithContext(ctx).
		Where("device_id = ? AND timestamp >= ?", deviceID, since).
		Order("timestamp ASC").
		Find(&readings).Error
	if err != nil {
		return nil, models.NewStorageError("reading_history", err)
	}
	return readings, nil
}
