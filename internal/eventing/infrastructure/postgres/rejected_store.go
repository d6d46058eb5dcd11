package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

const defaultRejectedTable = "rejected_notifications"

const maxRejectedPayload = 64 << 10

// RejectedStore keeps notifications that could not be decoded, one row per
// distinct payload.
type RejectedStore struct {
	db    *sql.DB
	table string
}

// NewRejectedStore constructs a rejected notification store.
func NewRejectedStore(db *sql.DB, opts ...RejectedOption) *RejectedStore {
	store := &RejectedStore{db: db, table: defaultRejectedTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// RejectedOption configures the store.
type RejectedOption func(*RejectedStore)

// WithRejectedTable overrides the table name.
func WithRejectedTable(table string) RejectedOption {
	return func(store *RejectedStore) {
		if table != "" {
			store.table = table
		}
	}
}

// RecordRejection inserts or bumps the row for payload.
func (s *RejectedStore) RecordRejection(ctx context.Context, source string, payload []byte, reason error) error {
	if s == nil || s.db == nil {
		return errors.New("rejected store: nil db")
	}
	if len(payload) == 0 {
		return errors.New("rejected store: empty payload")
	}
	sum := sha256.Sum256(payload)
	fingerprint := hex.EncodeToString(sum[:])
	if len(payload) > maxRejectedPayload {
		payload = payload[:maxRejectedPayload]
	}
	message := ""
	if reason != nil {
		message = reason.Error()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	fingerprint,
	source,
	payload,
	error,
	first_seen_at,
	last_seen_at,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $5, 1
)
ON CONFLICT (fingerprint)
DO UPDATE SET
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + 1`, s.table, s.table)

	_, err := s.db.ExecContext(ctx, query, fingerprint, source, payload, message, time.Now().UTC())
	return err
}
