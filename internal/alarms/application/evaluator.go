package application

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	alarms "sensorguard-cloud/internal/alarms/domain"
	"sensorguard-cloud/internal/observability/metrics"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// MatchResult is the evaluation verdict for one reading.
type MatchResult struct {
	Breached bool
	Level    alarms.Level
	Rule     *alarms.ConditionRule
}

// Evaluator matches readings against condition rules.
type Evaluator struct {
	logger   *zap.Logger
	reported sync.Map
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate tests active rules for the reading's field in ascending order (ties
// by id) and returns the first match. A match on a NORMAL rule is not a breach.
func (e *Evaluator) Evaluate(reading telemetry.SensorReading, rules []alarms.ConditionRule) MatchResult {
	candidates := make([]alarms.ConditionRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Active && strings.EqualFold(rule.FieldKey, reading.FieldKey) {
			candidates = append(candidates, rule)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Order != candidates[j].Order {
			return candidates[i].Order < candidates[j].Order
		}
		return candidates[i].ID < candidates[j].ID
	})

	for i := range candidates {
		rule := candidates[i]
		if err := rule.Validate(); err != nil {
			e.reportInvalid(rule, err)
			continue
		}
		if !shapeMatches(rule.Shape, reading.Value) {
			continue
		}
		return MatchResult{Breached: rule.Level.IsAlarm(), Level: rule.Level, Rule: &rule}
	}
	return MatchResult{Level: alarms.LevelNormal}
}

func (e *Evaluator) reportInvalid(rule alarms.ConditionRule, err error) {
	metrics.IncRuleConfigError()
	if _, seen := e.reported.LoadOrStore(rule.ID+"|"+err.Error(), struct{}{}); seen {
		return
	}
	var cfgErr *alarms.ConfigurationError
	if !errors.As(err, &cfgErr) {
		e.logger.Warn("invalid condition rule skipped", zap.String("rule_id", rule.ID), zap.Error(err))
		return
	}
	e.logger.Warn("condition rule misconfigured, skipped",
		zap.String("rule_id", rule.ID),
		zap.String("object_id", rule.ObjectID),
		zap.String("field_key", rule.FieldKey),
		zap.String("reason", cfgErr.Reason))
}

func shapeMatches(shape alarms.Shape, value telemetry.Value) bool {
	switch s := shape.(type) {
	case alarms.SingleShape:
		return compare(s.Operator, value.Float(), s.Threshold)
	case alarms.RangeShape:
		v := value.Float()
		aboveLow := v > s.Low || (s.Bounds.LowClosed() && v == s.Low)
		belowHigh := v < s.High || (s.Bounds.HighClosed() && v == s.High)
		return aboveLow && belowHigh
	case alarms.BooleanShape:
		return value.Bool() == s.Expected
	default:
		return false
	}
}

func compare(op alarms.Operator, value, threshold float64) bool {
	switch op {
	case alarms.OperatorGreaterOrEqual:
		return value >= threshold
	case alarms.OperatorLessOrEqual:
		return value <= threshold
	case alarms.OperatorGreater:
		return value > threshold
	case alarms.OperatorLess:
		return value < threshold
	case alarms.OperatorEqual:
		return value == threshold
	default:
		return false
	}
}
