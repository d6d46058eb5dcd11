package application

import (
	"context"
	"errors"
	"time"

	alarms "sensorguard-cloud/internal/alarms/domain"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
)

// ErrUnresolvedField marks a reading whose field has no condition group for
// the device type. It is a skip, not a failure.
var ErrUnresolvedField = errors.New("alarms: no condition rules for field")

// RuleSource loads the condition group for one device type and field.
type RuleSource interface {
	ListRules(ctx context.Context, objectID, fieldKey string) ([]alarms.ConditionRule, error)
}

// EventStore persists event records. Create returns
// alarms.ErrConcurrencyConflict when an open record already exists for the
// key; Update returns it when the stored version differs from rec.Version.
type EventStore interface {
	FindOpen(ctx context.Context, deviceID, fieldKey string) (*alarms.EventRecord, error)
	Get(ctx context.Context, id string) (*alarms.EventRecord, error)
	Create(ctx context.Context, rec *alarms.EventRecord) error
	Update(ctx context.Context, rec *alarms.EventRecord) error
	List(ctx context.Context, filter alarms.EventFilter) ([]alarms.EventRecord, error)
}

// DeviceDirectory resolves device metadata.
type DeviceDirectory interface {
	Get(ctx context.Context, id string) (*masterdata.Device, error)
}

// AlarmNotifier publishes lifecycle outcomes.
type AlarmNotifier interface {
	Notify(ctx context.Context, outcome Outcome)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
