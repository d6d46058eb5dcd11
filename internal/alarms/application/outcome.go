package application

import (
	alarms "sensorguard-cloud/internal/alarms/domain"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
)

// OutcomeKind names what a lifecycle step did to the event store.
type OutcomeKind string

const (
	OutcomeCreated      OutcomeKind = "created"
	OutcomeUpdated      OutcomeKind = "updated"
	OutcomeCleared      OutcomeKind = "cleared"
	OutcomeUnchanged    OutcomeKind = "unchanged"
	OutcomeAcknowledged OutcomeKind = "acknowledged"
	OutcomeCompleted    OutcomeKind = "completed"
)

// Outcome is the result of one lifecycle step.
type Outcome struct {
	Kind          OutcomeKind
	Record        alarms.EventRecord
	PreviousLevel alarms.Level
	NotifyEnabled bool
	Device        *masterdata.Device
}

// LevelChanged reports an update that moved the record to a new level.
func (o Outcome) LevelChanged() bool {
	return o.Kind == OutcomeUpdated && o.PreviousLevel != o.Record.Level
}

// Visible reports a transition into a new level: a creation or a level change.
func (o Outcome) Visible() bool {
	return o.Kind == OutcomeCreated || o.LevelChanged()
}
