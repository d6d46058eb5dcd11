package alarms

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    Status
		trigger Trigger
		want    Status
		wantErr bool
	}{
		{StatusPending, TriggerBreach, StatusPending, false},
		{StatusPending, TriggerAcknowledge, StatusWorking, false},
		{StatusPending, TriggerResolve, StatusCompleted, false},
		{StatusPending, TriggerAutoClear, StatusCompleted, false},
		{StatusWorking, TriggerBreach, StatusWorking, false},
		{StatusWorking, TriggerAcknowledge, StatusWorking, false},
		{StatusWorking, TriggerResolve, StatusCompleted, false},
		{StatusWorking, TriggerAutoClear, StatusCompleted, false},
		{StatusCompleted, TriggerResolve, StatusCompleted, false},
		{StatusCompleted, TriggerBreach, StatusCompleted, true},
		{StatusCompleted, TriggerAcknowledge, StatusCompleted, true},
		{StatusCompleted, TriggerAutoClear, StatusCompleted, true},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.trigger)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s on %s: expected invalid transition, got %v", tc.trigger, tc.from, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s on %s: %v", tc.trigger, tc.from, err)
		}
		if got != tc.want {
			t.Fatalf("%s on %s: expected %s, got %s", tc.trigger, tc.from, tc.want, got)
		}
	}
}

func TestRuleValidate(t *testing.T) {
	threshold := 30.0
	valid := ConditionRule{ID: "r1", FieldKey: "Temperature", Level: LevelWarning, Shape: ShapeSpec{Kind: ShapeSingle, Operator: "GE", Threshold: &threshold}.Shape()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	cases := map[string]ConditionRule{
		"inverted range":   {ID: "r2", FieldKey: "Humidity", Level: LevelCaution, Shape: RangeShape{Low: 20, High: 10}},
		"unknown operator": {ID: "r3", FieldKey: "Humidity", Level: LevelCaution, Shape: SingleShape{Operator: "=>", Threshold: 1}},
		"missing shape":    {ID: "r4", FieldKey: "Humidity", Level: LevelCaution, Shape: ShapeSpec{Kind: "polygon"}.Shape()},
		"unknown level":    {ID: "r5", FieldKey: "Humidity", Level: "CRITICAL", Shape: BooleanShape{Expected: true}},
	}
	for name, rule := range cases {
		var cfgErr *ConfigurationError
		if err := rule.Validate(); !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestShapeSpecRoundTrip(t *testing.T) {
	shapes := []Shape{
		SingleShape{Operator: OperatorLess, Threshold: -5},
		RangeShape{Low: 10, High: 20, Bounds: BoundsExclusive},
		BooleanShape{Expected: false},
	}
	for _, shape := range shapes {
		if got := SpecOf(shape).Shape(); got != shape {
			t.Fatalf("expected %#v, got %#v", shape, got)
		}
	}
}

func TestLevelRank(t *testing.T) {
	if LevelNormal.IsAlarm() {
		t.Fatalf("normal must not be an alarm")
	}
	if !(LevelDanger.Rank() > LevelWarning.Rank() && LevelWarning.Rank() > LevelCaution.Rank()) {
		t.Fatalf("unexpected level ordering")
	}
	if level, ok := ParseLevel(" danger "); !ok || level != LevelDanger {
		t.Fatalf("expected DANGER, got %q", level)
	}
}
