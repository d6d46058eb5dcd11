package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "sensorguard-cloud/internal/alarms/domain"
)

var ruleColumnNames = []string{
	"id", "object_id", "field_key", "level", "shape", "active", "notify_enabled", "sort_order",
	"guide_message", "updated_at",
}

func TestRuleRepository_ListRules(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM condition_rules\s+WHERE object_id = \$1 AND lower\(field_key\) = \$2 AND active = TRUE\s+ORDER BY sort_order ASC, id ASC`).
		WithArgs("TH", "temperature").
		WillReturnRows(sqlmock.NewRows(ruleColumnNames).
			AddRow("warn", "TH", "Temperature", "warning", []byte(`{"kind":"single","operator":"GE","threshold":40}`), true, true, 1, "ventilate", at).
			AddRow("band", "TH", "Temperature", "CAUTION", []byte(`{"kind":"range","low":30,"high":40,"bounds":"low_inclusive"}`), true, false, 2, nil, at).
			AddRow("junk", "TH", "Temperature", "DANGER", []byte(`{"kind":"spiral"}`), true, true, 3, nil, at))

	repo := NewRuleRepository(db)
	rules, err := repo.ListRules(context.Background(), "TH", "Temperature")
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, alarms.LevelWarning, rules[0].Level)
	assert.Equal(t, alarms.SingleShape{Operator: alarms.OperatorGreaterOrEqual, Threshold: 40}, rules[0].Shape)
	assert.Equal(t, "ventilate", rules[0].GuideMessage)
	assert.Equal(t, alarms.RangeShape{Low: 30, High: 40, Bounds: alarms.BoundsLowInclusive}, rules[1].Shape)
	assert.False(t, rules[1].NotifyEnabled)
	assert.Nil(t, rules[2].Shape)
	assert.Error(t, rules[2].Validate())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepository_SaveValidates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewRuleRepository(db)
	bad := &alarms.ConditionRule{ID: "r", ObjectID: "TH", FieldKey: "Temperature", Level: alarms.LevelWarning,
		Shape: alarms.RangeShape{Low: 5, High: 1}}
	var cfgErr *alarms.ConfigurationError
	assert.ErrorAs(t, repo.Save(context.Background(), bad), &cfgErr)

	mock.ExpectExec(`(?s)INSERT INTO condition_rules .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("r", "TH", "Temperature", "WARNING", sqlmock.AnyArg(),
			true, true, 1, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	good := &alarms.ConditionRule{ID: "r", ObjectID: "TH", FieldKey: "Temperature", Level: alarms.LevelWarning,
		Active: true, NotifyEnabled: true, Order: 1,
		Shape: alarms.SingleShape{Operator: alarms.OperatorGreaterOrEqual, Threshold: 40}}
	require.NoError(t, repo.Save(context.Background(), good))
	assert.False(t, good.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
