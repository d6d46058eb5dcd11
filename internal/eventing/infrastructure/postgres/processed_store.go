package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultProcessedTable = "processed_events"

// ProcessedStore remembers which notification ids each consumer has handled,
// so oneM2M redeliveries do not re-run evaluation.
type ProcessedStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// ProcessedOption configures the processed store.
type ProcessedOption func(*ProcessedStore)

// WithProcessedTable overrides table name.
func WithProcessedTable(table string) ProcessedOption {
	return func(store *ProcessedStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithProcessedClock overrides the handled_at clock.
func WithProcessedClock(now func() time.Time) ProcessedOption {
	return func(store *ProcessedStore) {
		if now != nil {
			store.now = now
		}
	}
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore(db *sql.DB, opts ...ProcessedOption) *ProcessedStore {
	store := &ProcessedStore{
		db:    db,
		table: defaultProcessedTable,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// HasProcessed reports whether consumer already handled the notification.
func (s *ProcessedStore) HasProcessed(ctx context.Context, notificationID, consumer string) (bool, error) {
	if err := s.check(notificationID, consumer); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s WHERE notification_id = $1 AND consumer = $2
)`, s.table)
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, notificationID, consumer).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// MarkProcessed records the notification as handled. Marking twice is a no-op.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, notificationID, consumer string) error {
	if err := s.check(notificationID, consumer); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (notification_id, consumer, handled_at)
VALUES ($1, $2, $3)
ON CONFLICT (notification_id, consumer) DO NOTHING`, s.table)
	_, err := s.db.ExecContext(ctx, query, notificationID, consumer, s.now().UTC())
	return err
}

// PruneBefore deletes entries handled before cutoff and returns the count.
func (s *ProcessedStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("processed store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE handled_at < $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *ProcessedStore) check(notificationID, consumer string) error {
	if s == nil || s.db == nil {
		return errors.New("processed store: nil db")
	}
	if notificationID == "" || consumer == "" {
		return errors.New("processed store: notification id and consumer required")
	}
	return nil
}
