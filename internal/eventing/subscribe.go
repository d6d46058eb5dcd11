package eventing

import (
	"context"
	"sync"
)

// ProcessedStore provides idempotency checks.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, consumerName string) error
}

// Subscribe wraps handler with idempotency if store is provided.
func Subscribe(bus EventBus, eventType, consumerName string, handler EventHandler, store ProcessedStore) {
	if store == nil {
		bus.Subscribe(eventType, handler)
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler enforces idempotency per consumer. Events without a key pass
// through. A failed handler leaves the key unmarked so a redelivery retries.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		key := eventKey(ctx, event)
		if key == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, key, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, key, consumerName)
	}
}

// MemoryProcessedStore keeps processed keys in memory, bounded to the most
// recent entries.
type MemoryProcessedStore struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

// NewMemoryProcessedStore constructs a store holding at most limit keys.
func NewMemoryProcessedStore(limit int) *MemoryProcessedStore {
	if limit <= 0 {
		limit = 10000
	}
	return &MemoryProcessedStore{limit: limit, seen: make(map[string]struct{})}
}

// HasProcessed reports whether the key was marked.
func (s *MemoryProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"|"+eventID]
	return ok, nil
}

// MarkProcessed records the key, evicting the oldest when full.
func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	key := consumerName + "|" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return nil
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	return nil
}

// LayeredProcessedStore answers from a bounded memory front before asking the
// durable store, and marks both.
type LayeredProcessedStore struct {
	front *MemoryProcessedStore
	back  ProcessedStore
}

// NewLayeredProcessedStore wraps back with a memory front of limit keys.
func NewLayeredProcessedStore(back ProcessedStore, limit int) *LayeredProcessedStore {
	return &LayeredProcessedStore{front: NewMemoryProcessedStore(limit), back: back}
}

// HasProcessed checks memory first. Durable hits are copied into memory.
func (s *LayeredProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	if seen, _ := s.front.HasProcessed(ctx, eventID, consumerName); seen {
		return true, nil
	}
	seen, err := s.back.HasProcessed(ctx, eventID, consumerName)
	if err != nil || !seen {
		return seen, err
	}
	_ = s.front.MarkProcessed(ctx, eventID, consumerName)
	return true, nil
}

// MarkProcessed writes through to the durable store.
func (s *LayeredProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	if err := s.back.MarkProcessed(ctx, eventID, consumerName); err != nil {
		return err
	}
	return s.front.MarkProcessed(ctx, eventID, consumerName)
}
