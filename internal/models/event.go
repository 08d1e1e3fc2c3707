package models

import "time"

// EventKind distinguishes notifier events
type EventKind string

const (
	EventReading EventKind = "reading"
	EventAlert   EventKind = "alert"
)

// Event is a change notification for a newly stored reading or alert. Events
// are never persisted.
type Event struct {
	Kind        EventKind `json:"kind"`
	DeviceID    string    `json:"device_id"`
	Reading     *Reading  `json:"reading,omitempty"`
	Alert       *Alert    `json:"alert,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// NewReadingEvent wraps a stored reading
func NewReadingEvent(r *Reading) Event {
	return Event{
		Kind:        EventReading,
		DeviceID:    r.DeviceID,
		Reading:     r,
		PublishedAt: time.Now().UTC(),
	}
}

// NewAlertEvent wraps a stored alert
func NewAlertEvent(a *Alert) Event {
	return Event{
		Kind:        EventAlert,
		DeviceID:    a.DeviceID,
		Alert:       a,
		PublishedAt: time.Now().UTC(),
	}
}

// Payload returns the reading or alert carried by the event
func (e Event) Payload() any {
	if e.Kind == EventAlert {
		return e.Alert
	}
	return e.Reading
}
