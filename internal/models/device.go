package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus is the lifecycle state of a device
type DeviceStatus string

const (
	DeviceStatusActive      DeviceStatus = "active"
	DeviceStatusInactive    DeviceStatus = "inactive"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
)

const (
	// DefaultDeviceType is assigned to auto-provisioned devices
	DefaultDeviceType = "sensor"

	MaxDeviceIDLength = 255
)

// IsValid checks if the status is one of the known lifecycle states
func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceStatusActive, DeviceStatusInactive, DeviceStatusMaintenance:
		return true
	default:
		return false
	}
}

// Device is a registered sensor device. Devices are never deleted, only
// retired through their status.
type Device struct {
	ID uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`

	// External, stable identifier reported by the device itself
	DeviceID string `json:"device_id" gorm:"size:255;not null;uniqueIndex"`

	Name     string       `json:"device_name" gorm:"column:device_name;not null"`
	Type     string       `json:"device_type" gorm:"column:device_type;not null"`
	Location *string      `json:"location,omitempty"`
	Status   DeviceStatus `json:"status" gorm:"size:32;not null;index"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName pins the relation name
func (Device) TableName() string { return "devices" }

// DefaultDeviceName derives a display name from the external id
func DefaultDeviceName(deviceID string) string {
	return "Device " + deviceID
}

// NewDevice is the information needed to register a device explicitly
type NewDevice struct {
	DeviceID string       `json:"device_id"`
	Name     string       `json:"device_name"`
	Type     string       `json:"device_type"`
	Location *string      `json:"location,omitempty"`
	Status   DeviceStatus `json:"status"`
}

// Normalize trims the identifiers and fills in defaults
func (n *NewDevice) Normalize() {
	n.DeviceID = strings.TrimSpace(n.DeviceID)
	n.Name = strings.TrimSpace(n.Name)
	n.Type = strings.TrimSpace(n.Type)
	n.Status = DeviceStatus(strings.ToLower(strings.TrimSpace(string(n.Status))))

	if n.Name == "" {
		n.Name = DefaultDeviceName(n.DeviceID)
	}
	if n.Type == "" {
		n.Type = DefaultDeviceType
	}
	if n.Status == "" {
		n.Status = DeviceStatusActive
	}
}

// Validate checks the registration request
func (n *NewDevice) Validate() error {
	if err := ValidateDeviceID(n.DeviceID); err != nil {
		return err
	}
	if !n.Status.IsValid() {
		return NewValidationError("status", "invalid device status")
	}
	return nil
}

// ValidateDeviceID checks an already trimmed device id
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" {
		return NewValidationError("device_id", "device_id is required")
	}
	if len(deviceID) > MaxDeviceIDLength {
		return NewValidationError("device_id", "device_id exceeds maximum length")
	}
	return nil
}
