package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the urgency of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity level is valid
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// Rank orders severities by increasing urgency. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AlertType names the condition that triggered an alert
type AlertType string

const (
	AlertHighTemperature AlertType = "high_temperature"
	AlertLowTemperature  AlertType = "low_temperature"
	AlertHighHumidity    AlertType = "high_humidity"
	AlertLowBattery      AlertType = "low_battery"
)

// IsValid checks the type against the fixed set the rule engine emits
func (t AlertType) IsValid() bool {
	switch t {
	case AlertHighTemperature, AlertLowTemperature, AlertHighHumidity, AlertLowBattery:
		return true
	default:
		return false
	}
}

// AlertDraft is an alert that has not been stored yet
type AlertDraft struct {
	DeviceID string    `json:"device_id"`
	Type     AlertType `json:"alert_type"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
}

// Validate checks a draft coming from outside the rule engine
func (d *AlertDraft) Validate() error {
	if err := ValidateDeviceID(d.DeviceID); err != nil {
		return err
	}
	if !d.Type.IsValid() {
		return NewValidationError("alert_type", "unknown alert type")
	}
	if !d.Severity.IsValid() {
		return NewValidationError("severity", "invalid severity level")
	}
	if d.Message == "" {
		return NewValidationError("message", "message cannot be empty")
	}
	return nil
}

// Alert is a stored alert. ResolvedAt is set if and only if IsResolved is true.
type Alert struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	DeviceID string    `json:"device_id" gorm:"size:255;not null;index"`
	Type     AlertType `json:"alert_type" gorm:"column:alert_type;size:64;not null"`
	Message  string    `json:"message" gorm:"not null"`
	Severity Severity  `json:"severity" gorm:"size:16;not null"`

	IsResolved bool       `json:"is_resolved" gorm:"not null;default:false;index"`
	CreatedAt  time.Time  `json:"created_at" gorm:"not null;index"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// TableName pins the relation name
func (Alert) TableName() string { return "device_alerts" }
