package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	alarms "sensorguard-cloud/internal/alarms/domain"
	"sensorguard-cloud/internal/auth"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
	"sensorguard-cloud/internal/observability/metrics"
	telemetryevents "sensorguard-cloud/internal/telemetry/application/events"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// Service runs readings through evaluation and the event lifecycle, then
// hands outcomes to the notifier once the key lock is released.
type Service struct {
	rules     RuleSource
	devices   DeviceDirectory
	evaluator *Evaluator
	lifecycle *LifecycleManager
	events    EventStore
	notifier  AlarmNotifier
	logger    *zap.Logger
}

// ServiceOption customizes the alarm service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlarmNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvaluator overrides the evaluator.
func WithEvaluator(evaluator *Evaluator) ServiceOption {
	return func(s *Service) {
		if evaluator != nil {
			s.evaluator = evaluator
		}
	}
}

// NewService constructs an alarm service.
func NewService(rules RuleSource, devices DeviceDirectory, events EventStore, lifecycle *LifecycleManager, opts ...ServiceOption) (*Service, error) {
	if rules == nil {
		return nil, errors.New("alarms: nil rule source")
	}
	if devices == nil {
		return nil, errors.New("alarms: nil device directory")
	}
	if events == nil || lifecycle == nil {
		return nil, errors.New("alarms: nil event store or lifecycle manager")
	}
	s := &Service{
		rules:     rules,
		devices:   devices,
		events:    events,
		lifecycle: lifecycle,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.evaluator == nil {
		s.evaluator = NewEvaluator(s.logger)
	}
	return s, nil
}

// HandleReadingsReceived evaluates each reading of one notification in order.
// A failing reading does not stop the rest; failures are returned joined.
func (s *Service) HandleReadingsReceived(ctx context.Context, evt telemetryevents.ReadingsReceived) error {
	if s == nil {
		return errors.New("alarms: nil service")
	}
	if len(evt.Readings) == 0 {
		return nil
	}

	devices := make(map[string]*masterdata.Device)
	var errs []error
	for _, reading := range evt.Readings {
		device, ok := devices[reading.DeviceID]
		if !ok {
			var err error
			device, err = s.devices.Get(ctx, reading.DeviceID)
			if err != nil {
				errs = append(errs, fmt.Errorf("load device %s: %w", reading.DeviceID, err))
				continue
			}
			devices[reading.DeviceID] = device
		}
		if _, err := s.HandleReading(ctx, device, reading); err != nil && !errors.Is(err, ErrUnresolvedField) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleReading evaluates one reading for a known (possibly nil) device.
func (s *Service) HandleReading(ctx context.Context, device *masterdata.Device, reading telemetry.SensorReading) (Outcome, error) {
	if device != nil {
		if reading.ObjectID == "" {
			reading.ObjectID = device.ObjectID
		}
		reading.SiteID = device.SiteID
	}
	if reading.ObjectID == "" {
		metrics.IncReading("unresolved")
		s.logger.Debug("reading skipped: unknown device type",
			zap.String("device_id", reading.DeviceID), zap.String("field_key", reading.FieldKey))
		return Outcome{Kind: OutcomeUnchanged}, fmt.Errorf("%w: device %s has no object id", ErrUnresolvedField, reading.DeviceID)
	}

	rules, err := s.rules.ListRules(ctx, reading.ObjectID, reading.FieldKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("load rules %s/%s: %w", reading.ObjectID, reading.FieldKey, err)
	}
	if len(rules) == 0 {
		metrics.IncReading("unresolved")
		s.logger.Debug("reading skipped: no condition group",
			zap.String("device_id", reading.DeviceID),
			zap.String("object_id", reading.ObjectID),
			zap.String("field_key", reading.FieldKey))
		return Outcome{Kind: OutcomeUnchanged}, fmt.Errorf("%w: %s/%s", ErrUnresolvedField, reading.ObjectID, reading.FieldKey)
	}

	match := s.evaluator.Evaluate(reading, rules)
	metrics.IncReading("evaluated")

	outcome, err := s.lifecycle.Apply(ctx, reading, match)
	if err != nil {
		s.logger.Error("apply reading failed",
			zap.String("device_id", reading.DeviceID), zap.String("field_key", reading.FieldKey), zap.Error(err))
		return Outcome{}, err
	}
	outcome.Device = device
	s.notify(ctx, outcome)
	return outcome, nil
}

// ListEvents returns event records matching filter.
func (s *Service) ListEvents(ctx context.Context, filter alarms.EventFilter) ([]alarms.EventRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	return s.events.List(ctx, filter)
}

// GetEvent loads one event record.
func (s *Service) GetEvent(ctx context.Context, id string) (*alarms.EventRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	rec, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, alarms.ErrNotFound
	}
	return rec, nil
}

// AcknowledgeEvent moves an event to WORKING as the calling user.
func (s *Service) AcknowledgeEvent(ctx context.Context, id string) (*alarms.EventRecord, error) {
	return s.operatorStep(ctx, id, s.lifecycle.Acknowledge)
}

// CompleteEvent resolves an event as the calling user.
func (s *Service) CompleteEvent(ctx context.Context, id string) (*alarms.EventRecord, error) {
	return s.operatorStep(ctx, id, s.lifecycle.Complete)
}

func (s *Service) operatorStep(ctx context.Context, id string, step func(context.Context, string, string) (Outcome, error)) (*alarms.EventRecord, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	outcome, err := step(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	s.notify(ctx, outcome)
	rec := outcome.Record
	return &rec, nil
}

func (s *Service) notify(ctx context.Context, outcome Outcome) {
	if outcome.Kind == OutcomeUnchanged {
		return
	}
	metrics.IncAlarmEvent(string(outcome.Kind))
	log := s.logger.Info
	if outcome.Kind == OutcomeUpdated && !outcome.LevelChanged() {
		log = s.logger.Debug
	}
	log("alarm lifecycle",
		zap.String("outcome", string(outcome.Kind)),
		zap.String("event_id", outcome.Record.ID),
		zap.String("device_id", outcome.Record.DeviceID),
		zap.String("field_key", outcome.Record.FieldKey),
		zap.String("level", string(outcome.Record.Level)),
		zap.String("status", string(outcome.Record.Status)))
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, outcome)
}
