package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	alarms "sensorguard-cloud/internal/alarms/domain"
)

// EventStore keeps event records in process memory.
type EventStore struct {
	mu      sync.RWMutex
	records map[string]alarms.EventRecord
	open    map[string]string
}

// NewEventStore constructs an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		records: make(map[string]alarms.EventRecord),
		open:    make(map[string]string),
	}
}

// FindOpen returns the non-completed record for the key, or nil.
func (s *EventStore) FindOpen(_ context.Context, deviceID, fieldKey string) (*alarms.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[openKey(deviceID, fieldKey)]
	if !ok {
		return nil, nil
	}
	rec := s.records[id]
	return &rec, nil
}

// Get loads a record by id, or nil.
func (s *EventStore) Get(_ context.Context, id string) (*alarms.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Create inserts an open record.
func (s *EventStore) Create(_ context.Context, rec *alarms.EventRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("event store: invalid record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return alarms.ErrConcurrencyConflict
	}
	key := rec.Key()
	if rec.Status.Open() {
		if _, exists := s.open[key]; exists {
			return alarms.ErrConcurrencyConflict
		}
		s.open[key] = rec.ID
	}
	rec.Version = 1
	s.records[rec.ID] = *rec
	return nil
}

// Update replaces a record when its version still matches.
func (s *EventStore) Update(_ context.Context, rec *alarms.EventRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("event store: invalid record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.ID]
	if !ok {
		return alarms.ErrNotFound
	}
	if current.Version != rec.Version {
		return alarms.ErrConcurrencyConflict
	}
	key := rec.Key()
	if rec.Status.Open() {
		if owner, exists := s.open[key]; exists && owner != rec.ID {
			return alarms.ErrConcurrencyConflict
		}
		s.open[key] = rec.ID
	} else if s.open[key] == rec.ID {
		delete(s.open, key)
	}
	rec.Version++
	s.records[rec.ID] = *rec
	return nil
}

// List returns records matching filter, newest first.
func (s *EventStore) List(_ context.Context, filter alarms.EventFilter) ([]alarms.EventRecord, error) {
	s.mu.RLock()
	var result []alarms.EventRecord
	for _, rec := range s.records {
		if matches(rec, filter) {
			result = append(result, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].OccurredAt.After(result[j].OccurredAt)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// OpenCount returns the number of open records.
func (s *EventStore) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

func matches(rec alarms.EventRecord, filter alarms.EventFilter) bool {
	if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
		return false
	}
	if filter.SiteID != "" && rec.SiteID != filter.SiteID {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if !filter.From.IsZero() && rec.OccurredAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !rec.OccurredAt.Before(filter.To) {
		return false
	}
	return true
}

func openKey(deviceID, fieldKey string) string {
	return alarms.EventRecord{DeviceID: deviceID, FieldKey: fieldKey}.Key()
}
