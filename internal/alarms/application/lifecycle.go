package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alarms "sensorguard-cloud/internal/alarms/domain"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// SystemActor is recorded as UpdatedBy on automatic transitions.
const SystemActor = "system"

const defaultConflictRetries = 3

// LifecycleManager owns every status change of event records. All mutations
// for one (device, field) key run under that key's lock.
type LifecycleManager struct {
	store      EventStore
	locks      *keyLock
	clock      Clock
	newID      func() string
	logger     *zap.Logger
	maxRetries int
}

// LifecycleOption configures the manager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleClock overrides the clock.
func WithLifecycleClock(clock Clock) LifecycleOption {
	return func(m *LifecycleManager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) LifecycleOption {
	return func(m *LifecycleManager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithLifecycleLogger assigns a logger.
func WithLifecycleLogger(logger *zap.Logger) LifecycleOption {
	return func(m *LifecycleManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConflictRetries bounds re-evaluation after a store conflict.
func WithConflictRetries(n int) LifecycleOption {
	return func(m *LifecycleManager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// NewLifecycleManager constructs a lifecycle manager.
func NewLifecycleManager(store EventStore, opts ...LifecycleOption) (*LifecycleManager, error) {
	if store == nil {
		return nil, errors.New("alarms: nil event store")
	}
	m := &LifecycleManager{
		store:      store,
		locks:      newKeyLock(),
		clock:      systemClock{},
		newID:      uuid.NewString,
		logger:     zap.NewNop(),
		maxRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Apply folds one evaluated reading into the event store.
func (m *LifecycleManager) Apply(ctx context.Context, reading telemetry.SensorReading, match MatchResult) (Outcome, error) {
	if m == nil {
		return Outcome{}, errors.New("alarms: nil lifecycle manager")
	}
	if reading.DeviceID == "" || reading.FieldKey == "" {
		return Outcome{}, errors.New("alarms: reading missing device or field")
	}
	if match.Breached && match.Rule == nil {
		return Outcome{}, errors.New("alarms: breach without rule")
	}
	if !reading.Value.Finite() {
		return Outcome{}, fmt.Errorf("alarms: non-finite value for %s", reading.Key())
	}

	unlock := m.locks.Lock(reading.Key())
	defer unlock()
	return m.retry(ctx, reading.Key(), func() (Outcome, error) {
		return m.applyOnce(ctx, reading, match)
	})
}

// Acknowledge moves an open record to WORKING on behalf of actor.
func (m *LifecycleManager) Acknowledge(ctx context.Context, id, actor string) (Outcome, error) {
	return m.operatorTransition(ctx, id, actor, alarms.TriggerAcknowledge, OutcomeAcknowledged)
}

// Complete resolves a record on behalf of actor.
func (m *LifecycleManager) Complete(ctx context.Context, id, actor string) (Outcome, error) {
	return m.operatorTransition(ctx, id, actor, alarms.TriggerResolve, OutcomeCompleted)
}

func (m *LifecycleManager) operatorTransition(ctx context.Context, id, actor string, trigger alarms.Trigger, kind OutcomeKind) (Outcome, error) {
	if m == nil {
		return Outcome{}, errors.New("alarms: nil lifecycle manager")
	}
	if id == "" {
		return Outcome{}, errors.New("alarms: event id required")
	}
	if actor == "" {
		actor = SystemActor
	}
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if rec == nil {
		return Outcome{}, alarms.ErrNotFound
	}

	unlock := m.locks.Lock(rec.Key())
	defer unlock()
	return m.retry(ctx, rec.Key(), func() (Outcome, error) {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if current == nil {
			return Outcome{}, alarms.ErrNotFound
		}
		next, err := alarms.Transition(current.Status, trigger)
		if err != nil {
			return Outcome{Kind: OutcomeUnchanged, Record: *current}, err
		}
		if next == current.Status {
			return Outcome{Kind: OutcomeUnchanged, Record: *current, PreviousLevel: current.Level}, nil
		}
		now := m.clock.Now().UTC()
		updated := *current
		updated.Status = next
		updated.UpdatedAt = now
		updated.UpdatedBy = actor
		if next == alarms.StatusCompleted {
			updated.CompletedAt = now
		}
		if err := m.store.Update(ctx, &updated); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: kind, Record: updated, PreviousLevel: current.Level}, nil
	})
}

func (m *LifecycleManager) retry(ctx context.Context, key string, step func() (Outcome, error)) (Outcome, error) {
	for attempt := 0; ; attempt++ {
		outcome, err := step()
		if err == nil || !errors.Is(err, alarms.ErrConcurrencyConflict) {
			return outcome, err
		}
		if attempt >= m.maxRetries {
			return Outcome{}, fmt.Errorf("alarms: %s still conflicting after %d retries: %w", key, attempt, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{}, ctxErr
		}
		m.logger.Debug("event store conflict, re-evaluating", zap.String("key", key), zap.Int("attempt", attempt+1))
	}
}

func (m *LifecycleManager) applyOnce(ctx context.Context, reading telemetry.SensorReading, match MatchResult) (Outcome, error) {
	open, err := m.store.FindOpen(ctx, reading.DeviceID, reading.FieldKey)
	if err != nil {
		return Outcome{}, err
	}
	now := m.clock.Now().UTC()

	switch {
	case open == nil && !match.Breached:
		return Outcome{Kind: OutcomeUnchanged}, nil

	case open == nil:
		rule := match.Rule
		occurredAt := reading.ObservedAt.UTC()
		if occurredAt.IsZero() {
			occurredAt = now
		}
		rec := alarms.EventRecord{
			ID:           m.newID(),
			DeviceID:     reading.DeviceID,
			ObjectID:     reading.ObjectID,
			SiteID:       reading.SiteID,
			FieldKey:     reading.FieldKey,
			Value:        reading.Value,
			Unit:         reading.Unit,
			Snapshot:     alarms.SpecOf(rule.Shape),
			RuleID:       rule.ID,
			Level:        match.Level,
			Status:       alarms.StatusPending,
			GuideMessage: rule.GuideMessage,
			OccurredAt:   occurredAt,
			UpdatedAt:    now,
			UpdatedBy:    SystemActor,
		}
		if err := m.store.Create(ctx, &rec); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeCreated, Record: rec, NotifyEnabled: rule.NotifyEnabled}, nil

	case match.Breached:
		next, err := alarms.Transition(open.Status, alarms.TriggerBreach)
		if err != nil {
			return Outcome{}, err
		}
		updated := *open
		updated.Status = next
		updated.Value = reading.Value
		updated.Unit = reading.Unit
		updated.UpdatedAt = now
		if match.Level != open.Level || match.Rule.ID != open.RuleID {
			updated.Level = match.Level
			updated.RuleID = match.Rule.ID
			updated.Snapshot = alarms.SpecOf(match.Rule.Shape)
			updated.GuideMessage = match.Rule.GuideMessage
		}
		if err := m.store.Update(ctx, &updated); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeUpdated, Record: updated, PreviousLevel: open.Level, NotifyEnabled: match.Rule.NotifyEnabled}, nil

	default:
		next, err := alarms.Transition(open.Status, alarms.TriggerAutoClear)
		if err != nil {
			return Outcome{}, err
		}
		updated := *open
		updated.Status = next
		updated.Value = reading.Value
		updated.UpdatedAt = now
		updated.UpdatedBy = SystemActor
		updated.CompletedAt = now
		if err := m.store.Update(ctx, &updated); err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeCleared, Record: updated, PreviousLevel: open.Level}, nil
	}
}
