package audit

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_Log(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	meta := json.RawMessage(`{"status":"WORKING"}`)
	mock.ExpectExec(`(?s)INSERT INTO audit_logs .*VALUES`).
		WithArgs(sqlmock.AnyArg(), "alice", "operator", ActionEventAcknowledge, ResourceEventRecord, "evt-1", "site-1",
			[]byte(meta), DigestJSON(meta), "10.0.0.1", "curl/8", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewRepository(db)
	repo.now = func() time.Time { return at }
	err = repo.Log(context.Background(), Entry{
		Actor:        "alice",
		Role:         "operator",
		Action:       ActionEventAcknowledge,
		ResourceType: ResourceEventRecord,
		ResourceID:   "evt-1",
		SiteID:       "site-1",
		Metadata:     meta,
		IP:           "10.0.0.1",
		UserAgent:    "curl/8",
	})
	require.NoError(t, err)

	assert.Error(t, repo.Log(context.Background(), Entry{Action: ActionEventComplete}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepository_NilDB(t *testing.T) {
	repo := NewRepository(nil)
	assert.Nil(t, repo)
	assert.Error(t, repo.Log(context.Background(), Entry{Actor: "a", Action: "b"}))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:4242"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", " 198.51.100.7 ")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))

	assert.Equal(t, "", ClientIP(nil))
}

func TestDigestJSON(t *testing.T) {
	assert.Empty(t, DigestJSON(nil))
	assert.Len(t, DigestJSON([]byte(`{}`)), 64)
}
