package application

import (
	"time"

	alarms "sensorguard-cloud/internal/alarms/domain"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// AlarmMessage is the flat payload pushed to live clients and sinks.
type AlarmMessage struct {
	Type         string          `json:"type"`
	EventID      string          `json:"event_id"`
	DeviceID     string          `json:"device_id"`
	DeviceName   string          `json:"device_name,omitempty"`
	ObjectID     string          `json:"object_id"`
	SiteID       string          `json:"site_id"`
	FieldKey     string          `json:"field_key"`
	Value        telemetry.Value `json:"value"`
	Unit         string          `json:"unit,omitempty"`
	Level        alarms.Level    `json:"level"`
	GuideMessage string          `json:"guide_message,omitempty"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
	Status       alarms.Status   `json:"status"`
	StatusLabel  string          `json:"status_label"`
	OccurredAt   time.Time       `json:"occurred_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewAlarmMessage flattens an outcome.
func NewAlarmMessage(outcome Outcome) AlarmMessage {
	rec := outcome.Record
	msg := AlarmMessage{
		Type:         string(outcome.Kind),
		EventID:      rec.ID,
		DeviceID:     rec.DeviceID,
		ObjectID:     rec.ObjectID,
		SiteID:       rec.SiteID,
		FieldKey:     rec.FieldKey,
		Value:        rec.Value,
		Unit:         rec.Unit,
		Level:        rec.Level,
		GuideMessage: rec.GuideMessage,
		Status:       rec.Status,
		StatusLabel:  rec.Status.Label(),
		OccurredAt:   rec.OccurredAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if device := outcome.Device; device != nil {
		msg.DeviceName = device.Name
		msg.Latitude = device.Latitude
		msg.Longitude = device.Longitude
	}
	return msg
}
