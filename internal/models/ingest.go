package models

import (
	"encoding/json"
	"strings"
)

// Recognised top-level fields of an ingestion payload
const (
	FieldDeviceID       = "device_id"
	FieldTemperature    = "temperature"
	FieldHumidity       = "humidity"
	FieldPressure       = "pressure"
	FieldBatteryLevel   = "battery_level"
	FieldSignalStrength = "signal_strength"
	FieldRawData        = "raw_data"
)

// IngestRequest is a decoded inbound reading
type IngestRequest struct {
	DeviceID       string         `json:"device_id"`
	Temperature    *float64       `json:"temperature,omitempty"`
	Humidity       *float64       `json:"humidity,omitempty"`
	Pressure       *float64       `json:"pressure,omitempty"`
	BatteryLevel   *float64       `json:"battery_level,omitempty"`
	SignalStrength *float64       `json:"signal_strength,omitempty"`
	RawData        map[string]any `json:"raw_data,omitempty"`
}

// ParseIngestRequest decodes a JSON payload. Only the recognised numeric
// fields are interpreted; unknown keys are folded into RawData without
// overwriting keys already present there.
func ParseIngestRequest(body []byte) (*IngestRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, NewValidationError("", "request body must be a JSON object")
	}

	req := &IngestRequest{}
	extras := make(map[string]any)

	for key, raw := range fields {
		switch key {
		case FieldDeviceID:
			if isNull(raw) {
				continue
			}
			if err := json.Unmarshal(raw, &req.DeviceID); err != nil {
				return nil, NewValidationError(key, "device_id must be a string")
			}
		case FieldTemperature:
			v, err := parseNumber(key, raw)
			if err != nil {
				return nil, err
			}
			req.Temperature = v
		case FieldHumidity:
			v, err := parseNumber(key, raw)
			if err != nil {
				return nil, err
			}
			req.Humidity = v
		case FieldPressure:
			v, err := parseNumber(key, raw)
			if err != nil {
				return nil, err
			}
			req.Pressure = v
		case FieldBatteryLevel:
			v, err := parseNumber(key, raw)
			if err != nil {
				return nil, err
			}
			req.BatteryLevel = v
		case FieldSignalStrength:
			v, err := parseNumber(key, raw)
			if err != nil {
				return nil, err
			}
			req.SignalStrength = v
		case FieldRawData:
			if isNull(raw) {
				continue
			}
			if err := json.Unmarshal(raw, &req.RawData); err != nil {
				return nil, NewValidationError(key, "raw_data must be an object")
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				extras[key] = v
			}
		}
	}

	if len(extras) > 0 {
		if req.RawData == nil {
			req.RawData = make(map[string]any, len(extras))
		}
		for k, v := range extras {
			if _, exists := req.RawData[k]; !exists {
				req.RawData[k] = v
			}
		}
	}

	return req, nil
}

// Normalize trims the device id
func (r *IngestRequest) Normalize() {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
}

// Validate checks the required fields
func (r *IngestRequest) Validate() error {
	return ValidateDeviceID(r.DeviceID)
}

// Reading converts the request into an unsaved reading
func (r *IngestRequest) Reading() *Reading {
	return &Reading{
		DeviceID:       r.DeviceID,
		Temperature:    r.Temperature,
		Humidity:       r.Humidity,
		Pressure:       r.Pressure,
		BatteryLevel:   r.BatteryLevel,
		SignalStrength: r.SignalStrength,
		RawData:        r.RawData,
	}
}

func parseNumber(field string, raw json.RawMessage) (*float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewValidationError(field, field+" must be a number")
	}
	return &v, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
