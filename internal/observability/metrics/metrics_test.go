package metrics

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		ObserveIngest("http", "", time.Millisecond)
		IncIngestError("")
		IncReading("evaluated")
		IncRuleConfigError()
		IncAlarmEvent("created")
		ObserveDispatch(1, 0, time.Millisecond)
		SetLiveSessions(3)
		IncSinkPublish("kafka", ResultSuccess)
		ObserveExport("xlsx", "", time.Millisecond)
		ObserveConsumerLag("", -time.Second)
	})
}

func TestQueryCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM event_records`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	assert.Equal(t, float64(4), queryCount(db, zap.NewNop(), "SELECT COUNT(*) FROM event_records WHERE status <> 'COMPLETED'"))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM rejected_notifications`).
		WillReturnError(assert.AnError)
	assert.Equal(t, float64(0), queryCount(db, zap.NewNop(), "SELECT COUNT(*) FROM rejected_notifications"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
