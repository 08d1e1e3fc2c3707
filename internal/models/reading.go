package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Reading is one timestamped measurement from a device. Readings are
// immutable once stored.
type Reading struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID string    `json:"device_id" gorm:"size:255;not null;index:idx_sensor_data_device_ts,priority:1"`

	Temperature    *float64 `json:"temperature,omitempty"`
	Humidity       *float64 `json:"humidity,omitempty"`
	Pressure       *float64 `json:"pressure,omitempty"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	SignalStrength *float64 `json:"signal_strength,omitempty"`

	// Opaque payload, never validated
	RawData datatypes.JSONMap `json:"raw_data,omitempty"`

	// Assigned by the store at insertion time
	Timestamp time.Time `json:"timestamp" gorm:"not null;index:idx_sensor_data_device_ts,priority:2"`
}

// TableName pins the relation name
func (Reading) TableName() string { return "sensor_data" }
