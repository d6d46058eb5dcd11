package alarms

import (
	"fmt"
	"time"

	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// Status is the handling state of an event record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusWorking   Status = "WORKING"
	StatusCompleted Status = "COMPLETED"
)

// Open reports whether the record still counts as the active event of its key.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusWorking
}

// Label is the operator-facing status text.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "unhandled"
	case StatusWorking:
		return "in progress"
	case StatusCompleted:
		return "resolved"
	default:
		return string(s)
	}
}

// Trigger drives a status transition.
type Trigger string

const (
	TriggerBreach      Trigger = "breach"
	TriggerAcknowledge Trigger = "acknowledge"
	TriggerResolve     Trigger = "resolve"
	TriggerAutoClear   Trigger = "auto_clear"
)

var transitions = map[Status]map[Trigger]Status{
	StatusPending: {
		TriggerBreach:      StatusPending,
		TriggerAcknowledge: StatusWorking,
		TriggerResolve:     StatusCompleted,
		TriggerAutoClear:   StatusCompleted,
	},
	StatusWorking: {
		TriggerBreach:      StatusWorking,
		TriggerAcknowledge: StatusWorking,
		TriggerResolve:     StatusCompleted,
		TriggerAutoClear:   StatusCompleted,
	},
	StatusCompleted: {
		TriggerResolve: StatusCompleted,
	},
}

// Transition returns the status reached from current by trigger.
func Transition(current Status, trigger Trigger) (Status, error) {
	next, ok := transitions[current][trigger]
	if !ok {
		return current, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, trigger, current)
	}
	return next, nil
}

// EventRecord is a persisted alarm occurrence for one (device, field) pair.
type EventRecord struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	ObjectID     string          `json:"object_id"`
	SiteID       string          `json:"site_id"`
	FieldKey     string          `json:"field_key"`
	Value        telemetry.Value `json:"value"`
	Unit         string          `json:"unit,omitempty"`
	Snapshot     ShapeSpec       `json:"snapshot"`
	RuleID       string          `json:"rule_id"`
	Level        Level           `json:"level"`
	Status       Status          `json:"status"`
	GuideMessage string          `json:"guide_message,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	UpdatedBy    string          `json:"updated_by,omitempty"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	Version      int64           `json:"-"`
}

// Key identifies the (device, field) pair the record belongs to.
func (r EventRecord) Key() string {
	return telemetry.ReadingKey(r.DeviceID, r.FieldKey)
}

// EventFilter narrows event listings. Zero values are ignored.
type EventFilter struct {
	DeviceID string
	SiteID   string
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
}
