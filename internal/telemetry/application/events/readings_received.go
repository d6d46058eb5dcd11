package events

import (
	"time"

	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// ReadingsReceived is raised once per decoded content instance.
type ReadingsReceived struct {
	EventID    string                    `json:"event_id"`
	DeviceID   string                    `json:"device_id"`
	Source     string                    `json:"source"`
	Readings   []telemetry.SensorReading `json:"readings"`
	ReceivedAt time.Time                 `json:"received_at"`
}

// EventKey identifies the notification for duplicate suppression.
func (e ReadingsReceived) EventKey() string {
	return e.EventID
}
