package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessedStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	handledAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("cin-1", "alarms").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO processed_events \(notification_id, consumer, handled_at\)`).
		WithArgs("cin-1", "alarms", handledAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM processed_events WHERE handled_at < \$1`).
		WithArgs(handledAt).
		WillReturnResult(sqlmock.NewResult(0, 4))

	store := NewProcessedStore(db, WithProcessedClock(func() time.Time { return handledAt }))
	ok, err := store.HasProcessed(context.Background(), "cin-1", "alarms")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, store.MarkProcessed(context.Background(), "cin-1", "alarms"))

	removed, err := store.PruneBefore(context.Background(), handledAt)
	require.NoError(t, err)
	assert.Equal(t, int64(4), removed)

	_, err = store.HasProcessed(context.Background(), "", "alarms")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRejectedStore_UpsertsByFingerprint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	payload := []byte(`{"m2m:sgn":{}}`)
	mock.ExpectExec(`(?s)INSERT INTO rejected_notifications .* ON CONFLICT \(fingerprint\)`).
		WithArgs(sqlmock.AnyArg(), "http", payload, "missing notification event", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewRejectedStore(db)
	require.NoError(t, store.RecordRejection(context.Background(), "http", payload, errors.New("missing notification event")))
	assert.Error(t, store.RecordRejection(context.Background(), "http", nil, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
