package application

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	alarms "sensorguard-cloud/internal/alarms/domain"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

func numberReading(field string, v float64) telemetry.SensorReading {
	return telemetry.SensorReading{DeviceID: "dev-1", ObjectID: "TH", FieldKey: field, Value: telemetry.NumberValue(v)}
}

func singleRule(id string, order int, level alarms.Level, op alarms.Operator, threshold float64) alarms.ConditionRule {
	return alarms.ConditionRule{
		ID: id, ObjectID: "TH", FieldKey: "Temperature", Level: level, Order: order, Active: true, NotifyEnabled: true,
		Shape: alarms.SingleShape{Operator: op, Threshold: threshold},
	}
}

func TestEvaluate_FirstMatchInOrderWins(t *testing.T) {
	rules := []alarms.ConditionRule{
		singleRule("danger", 2, alarms.LevelDanger, alarms.ParseOperator("GE"), 45),
		singleRule("warning", 1, alarms.LevelWarning, alarms.ParseOperator("GE"), 40),
	}
	result := NewEvaluator(nil).Evaluate(numberReading("Temperature", 42), rules)
	require.True(t, result.Breached)
	assert.Equal(t, alarms.LevelWarning, result.Level)
	assert.Equal(t, "warning", result.Rule.ID)
}

func TestEvaluate_InclusiveRangeBounds(t *testing.T) {
	rule := alarms.ConditionRule{
		ID: "r", FieldKey: "Humidity", Level: alarms.LevelCaution, Active: true,
		Shape: alarms.RangeShape{Low: 10, High: 20, Bounds: alarms.BoundsInclusive},
	}
	evaluator := NewEvaluator(nil)
	for _, v := range []float64{10, 15, 20} {
		assert.True(t, evaluator.Evaluate(numberReading("Humidity", v), []alarms.ConditionRule{rule}).Breached, "value %v", v)
	}
	for _, v := range []float64{9.999, 20.001} {
		assert.False(t, evaluator.Evaluate(numberReading("Humidity", v), []alarms.ConditionRule{rule}).Breached, "value %v", v)
	}
}

func TestEvaluate_RangeBoundPolicies(t *testing.T) {
	evaluator := NewEvaluator(nil)
	cases := []struct {
		bounds  alarms.Bounds
		low, hi bool
	}{
		{alarms.BoundsExclusive, false, false},
		{alarms.BoundsLowInclusive, true, false},
		{alarms.BoundsHighInclusive, false, true},
		{"", true, true},
	}
	for _, tc := range cases {
		rule := alarms.ConditionRule{ID: "r", FieldKey: "Humidity", Level: alarms.LevelCaution, Active: true,
			Shape: alarms.RangeShape{Low: 10, High: 20, Bounds: tc.bounds}}
		assert.Equal(t, tc.low, evaluator.Evaluate(numberReading("Humidity", 10), []alarms.ConditionRule{rule}).Breached, "%q low", tc.bounds)
		assert.Equal(t, tc.hi, evaluator.Evaluate(numberReading("Humidity", 20), []alarms.ConditionRule{rule}).Breached, "%q high", tc.bounds)
	}
}

func TestEvaluate_BooleanCoercion(t *testing.T) {
	rule := alarms.ConditionRule{ID: "smoke", FieldKey: "Smoke", Level: alarms.LevelDanger, Active: true,
		Shape: alarms.BooleanShape{Expected: true}}
	evaluator := NewEvaluator(nil)

	assert.True(t, evaluator.Evaluate(numberReading("Smoke", 2), []alarms.ConditionRule{rule}).Breached)
	assert.False(t, evaluator.Evaluate(numberReading("Smoke", 0), []alarms.ConditionRule{rule}).Breached)

	flag := telemetry.SensorReading{DeviceID: "d", FieldKey: "Smoke", Value: telemetry.BoolValue(true)}
	assert.True(t, evaluator.Evaluate(flag, []alarms.ConditionRule{rule}).Breached)
}

func TestEvaluate_DeterministicTieBreakByID(t *testing.T) {
	rules := []alarms.ConditionRule{
		singleRule("c", 1, alarms.LevelDanger, alarms.OperatorGreater, 0),
		singleRule("a", 1, alarms.LevelCaution, alarms.OperatorGreater, 0),
		singleRule("b", 1, alarms.LevelWarning, alarms.OperatorGreater, 0),
	}
	evaluator := NewEvaluator(nil)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		rng.Shuffle(len(rules), func(i, j int) { rules[i], rules[j] = rules[j], rules[i] })
		result := evaluator.Evaluate(numberReading("Temperature", 1), rules)
		require.NotNil(t, result.Rule)
		assert.Equal(t, "a", result.Rule.ID)
	}
}

func TestEvaluate_SkipsInactiveAndOtherFields(t *testing.T) {
	inactive := singleRule("off", 0, alarms.LevelDanger, alarms.OperatorGreater, 0)
	inactive.Active = false
	other := singleRule("hum", 0, alarms.LevelDanger, alarms.OperatorGreater, 0)
	other.FieldKey = "Humidity"

	result := NewEvaluator(nil).Evaluate(numberReading("Temperature", 100), []alarms.ConditionRule{inactive, other})
	assert.False(t, result.Breached)
	assert.Nil(t, result.Rule)
	assert.Equal(t, alarms.LevelNormal, result.Level)
}

func TestEvaluate_NormalLevelMatchIsNotBreach(t *testing.T) {
	rules := []alarms.ConditionRule{
		{ID: "ok", FieldKey: "Temperature", Level: alarms.LevelNormal, Active: true, Order: 1,
			Shape: alarms.RangeShape{Low: 0, High: 30}},
		singleRule("hot", 2, alarms.LevelWarning, alarms.OperatorGreaterOrEqual, 0),
	}
	result := NewEvaluator(nil).Evaluate(numberReading("Temperature", 20), rules)
	assert.False(t, result.Breached)
	assert.Equal(t, alarms.LevelNormal, result.Level)
	assert.Equal(t, "ok", result.Rule.ID)
}

func TestEvaluate_ConfigurationErrorSkippedAndLoggedOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	evaluator := NewEvaluator(zap.New(core))
	rules := []alarms.ConditionRule{
		{ID: "broken", FieldKey: "Temperature", Level: alarms.LevelDanger, Active: true, Order: 1,
			Shape: alarms.RangeShape{Low: 50, High: 10}},
		{ID: "bad-op", FieldKey: "Temperature", Level: alarms.LevelDanger, Active: true, Order: 2,
			Shape: alarms.SingleShape{Operator: "~", Threshold: 1}},
		singleRule("fallback", 3, alarms.LevelCaution, alarms.OperatorGreater, 0),
	}

	for i := 0; i < 3; i++ {
		result := evaluator.Evaluate(numberReading("Temperature", 20), rules)
		require.True(t, result.Breached)
		assert.Equal(t, "fallback", result.Rule.ID)
	}
	assert.Equal(t, 2, logs.Len())
}
