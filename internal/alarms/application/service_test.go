package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "sensorguard-cloud/internal/alarms/domain"
	"sensorguard-cloud/internal/alarms/infrastructure/memory"
	"sensorguard-cloud/internal/auth"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
	"sensorguard-cloud/internal/sessions"
	telemetryevents "sensorguard-cloud/internal/telemetry/application/events"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

type stubRules map[string][]alarms.ConditionRule

func (s stubRules) ListRules(_ context.Context, objectID, fieldKey string) ([]alarms.ConditionRule, error) {
	return s[objectID+"/"+fieldKey], nil
}

type stubDevices struct {
	devices map[string]masterdata.Device
	err     error
}

func (s stubDevices) Get(_ context.Context, id string) (*masterdata.Device, error) {
	if s.err != nil {
		return nil, s.err
	}
	device, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	return &device, nil
}

type serviceFixture struct {
	service *Service
	store   *memory.EventStore
	conn    *recordingConn
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	rules := stubRules{
		"TH/Temperature": {
			singleRule("warn", 1, alarms.LevelWarning, alarms.OperatorGreaterOrEqual, 40),
			singleRule("danger", 0, alarms.LevelDanger, alarms.OperatorGreaterOrEqual, 45),
		},
	}
	devices := stubDevices{devices: map[string]masterdata.Device{
		"dev-1": {ID: "dev-1", SiteID: "site-1", ObjectID: "TH", Name: "Boiler room"},
	}}
	store := memory.NewEventStore()
	lifecycle, _ := newTestManager(t, store)

	registry := sessions.NewRegistry()
	conn := &recordingConn{id: "c1"}
	registry.Register("alice", conn)
	dispatcher, err := NewDispatcher(registry, stubPermissions{users: map[string][]string{"site-1": {"alice"}}})
	require.NoError(t, err)

	service, err := NewService(rules, devices, store, lifecycle, WithNotifier(dispatcher))
	require.NoError(t, err)
	return serviceFixture{service: service, store: store, conn: conn}
}

func readingsEvent(values ...float64) telemetryevents.ReadingsReceived {
	evt := telemetryevents.ReadingsReceived{EventID: "cin-1", DeviceID: "dev-1", ReceivedAt: time.Now()}
	for _, v := range values {
		evt.Readings = append(evt.Readings, telemetry.SensorReading{
			DeviceID: "dev-1", FieldKey: "Temperature", Value: telemetry.NumberValue(v), Unit: "°C",
		})
	}
	return evt
}

func TestService_DispatchesOnlyVisibleTransitions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// created, same level, escalated, cleared
	require.NoError(t, f.service.HandleReadingsReceived(ctx, readingsEvent(42, 43, 46, 30)))

	messages := f.conn.messages()
	require.Len(t, messages, 2)
	assert.Contains(t, string(messages[0]), `"level":"WARNING"`)
	assert.Contains(t, string(messages[0]), `"device_name":"Boiler room"`)
	assert.Contains(t, string(messages[1]), `"level":"DANGER"`)

	records, err := f.store.List(ctx, alarms.EventFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, alarms.StatusCompleted, records[0].Status)
	assert.Equal(t, "site-1", records[0].SiteID)
	assert.Equal(t, "TH", records[0].ObjectID)
}

func TestService_RepeatedBreachDoesNotRedispatch(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.service.HandleReadingsReceived(ctx, readingsEvent(41)))
	}
	assert.Len(t, f.conn.messages(), 1)
	assert.Equal(t, 1, f.store.OpenCount())
}

func TestService_UnresolvedFieldsAreSkipped(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	evt := telemetryevents.ReadingsReceived{EventID: "cin-2", Readings: []telemetry.SensorReading{
		{DeviceID: "dev-1", FieldKey: "Humidity", Value: telemetry.NumberValue(99)},
		{DeviceID: "unknown", FieldKey: "Temperature", Value: telemetry.NumberValue(99)},
	}}
	require.NoError(t, f.service.HandleReadingsReceived(ctx, evt))
	assert.Zero(t, f.store.OpenCount())

	_, err := f.service.HandleReading(ctx, nil, telemetry.SensorReading{DeviceID: "unknown", FieldKey: "Temperature"})
	assert.ErrorIs(t, err, ErrUnresolvedField)
}

func TestService_DeviceLookupFailureDoesNotStopBatch(t *testing.T) {
	store := memory.NewEventStore()
	lifecycle, _ := newTestManager(t, store)
	rules := stubRules{"TH/Temperature": {singleRule("warn", 1, alarms.LevelWarning, alarms.OperatorGreaterOrEqual, 40)}}
	service, err := NewService(rules, stubDevices{err: errors.New("registry offline")}, store, lifecycle)
	require.NoError(t, err)

	evt := readingsEvent(42)
	evt.Readings[0].ObjectID = "TH"
	err = service.HandleReadingsReceived(context.Background(), evt)
	assert.ErrorContains(t, err, "registry offline")
}

func TestService_OperatorActionsUseCaller(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.service.HandleReadingsReceived(context.Background(), readingsEvent(42)))
	records, err := f.store.List(context.Background(), alarms.EventFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].ID

	ctx := auth.WithIdentity(context.Background(), auth.RoleOperator, "op-7")
	acked, err := f.service.AcknowledgeEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alarms.StatusWorking, acked.Status)
	assert.Equal(t, "op-7", acked.UpdatedBy)

	done, err := f.service.CompleteEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alarms.StatusCompleted, done.Status)

	_, err = f.service.AcknowledgeEvent(ctx, id)
	assert.ErrorIs(t, err, alarms.ErrInvalidTransition)

	_, err = f.service.GetEvent(ctx, "nope")
	assert.ErrorIs(t, err, alarms.ErrNotFound)

	// operator steps are not level transitions, so only the creation was pushed
	assert.Len(t, f.conn.messages(), 1)
}
