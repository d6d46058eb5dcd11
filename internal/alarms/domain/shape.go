package alarms

import (
	"math"
	"strings"
)

// Operator compares a reading against a single threshold.
type Operator string

const (
	OperatorGreaterOrEqual Operator = ">="
	OperatorLessOrEqual    Operator = "<="
	OperatorGreater        Operator = ">"
	OperatorLess           Operator = "<"
	OperatorEqual          Operator = "=="
)

var operatorAliases = map[string]Operator{
	"GE": OperatorGreaterOrEqual,
	"LE": OperatorLessOrEqual,
	"GT": OperatorGreater,
	"LT": OperatorLess,
	"EQ": OperatorEqual,
	"=":  OperatorEqual,
}

// ParseOperator accepts symbols and their mnemonic aliases.
func ParseOperator(raw string) Operator {
	trimmed := strings.TrimSpace(raw)
	if op, ok := operatorAliases[strings.ToUpper(trimmed)]; ok {
		return op
	}
	return Operator(trimmed)
}

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreaterOrEqual, OperatorLessOrEqual, OperatorGreater, OperatorLess, OperatorEqual:
		return true
	default:
		return false
	}
}

// Bounds selects which ends of a range are closed.
type Bounds string

const (
	BoundsInclusive     Bounds = "inclusive"
	BoundsExclusive     Bounds = "exclusive"
	BoundsLowInclusive  Bounds = "low_inclusive"
	BoundsHighInclusive Bounds = "high_inclusive"
)

// Valid returns true for known bounds; empty means inclusive.
func (b Bounds) Valid() bool {
	switch b {
	case "", BoundsInclusive, BoundsExclusive, BoundsLowInclusive, BoundsHighInclusive:
		return true
	default:
		return false
	}
}

// LowClosed reports whether the lower bound matches on equality.
func (b Bounds) LowClosed() bool {
	return b == "" || b == BoundsInclusive || b == BoundsLowInclusive
}

// HighClosed reports whether the upper bound matches on equality.
func (b Bounds) HighClosed() bool {
	return b == "" || b == BoundsInclusive || b == BoundsHighInclusive
}

// Shape is the condition a rule tests. Implementations are SingleShape,
// RangeShape and BooleanShape.
type Shape interface {
	Kind() ShapeKind
	isShape()
}

// ShapeKind names a shape variant in persisted form.
type ShapeKind string

const (
	ShapeSingle  ShapeKind = "single"
	ShapeRange   ShapeKind = "range"
	ShapeBoolean ShapeKind = "boolean"
)

// SingleShape compares against one threshold.
type SingleShape struct {
	Operator  Operator
	Threshold float64
}

// RangeShape matches values between Low and High.
type RangeShape struct {
	Low    float64
	High   float64
	Bounds Bounds
}

// BooleanShape matches a coerced boolean value.
type BooleanShape struct {
	Expected bool
}

func (SingleShape) Kind() ShapeKind { return ShapeSingle }
func (RangeShape) Kind() ShapeKind { return ShapeRange }
func (BooleanShape) Kind() ShapeKind { return ShapeBoolean }

func (SingleShape) isShape() {}
func (RangeShape) isShape() {}
func (BooleanShape) isShape() {}

// ShapeSpec is the flat stored form of a shape.
type ShapeSpec struct {
	Kind      ShapeKind `json:"kind"`
	Operator  string    `json:"operator,omitempty"`
	Threshold *float64  `json:"threshold,omitempty"`
	Low       *float64  `json:"low,omitempty"`
	High      *float64  `json:"high,omitempty"`
	Bounds    string    `json:"bounds,omitempty"`
	Expected  *bool     `json:"expected,omitempty"`
}

// Shape rebuilds the typed shape. Unknown kinds or missing parameters yield nil.
func (s ShapeSpec) Shape() Shape {
	switch ShapeKind(strings.ToLower(string(s.Kind))) {
	case ShapeSingle:
		if s.Threshold == nil {
			return nil
		}
		return SingleShape{Operator: ParseOperator(s.Operator), Threshold: *s.Threshold}
	case ShapeRange:
		if s.Low == nil || s.High == nil {
			return nil
		}
		return RangeShape{Low: *s.Low, High: *s.High, Bounds: Bounds(strings.ToLower(strings.TrimSpace(s.Bounds)))}
	case ShapeBoolean:
		expected := true
		if s.Expected != nil {
			expected = *s.Expected
		}
		return BooleanShape{Expected: expected}
	default:
		return nil
	}
}

// SpecOf flattens a typed shape.
func SpecOf(shape Shape) ShapeSpec {
	switch s := shape.(type) {
	case SingleShape:
		threshold := s.Threshold
		return ShapeSpec{Kind: ShapeSingle, Operator: string(s.Operator), Threshold: &threshold}
	case RangeShape:
		low, high := s.Low, s.High
		return ShapeSpec{Kind: ShapeRange, Low: &low, High: &high, Bounds: string(s.Bounds)}
	case BooleanShape:
		expected := s.Expected
		return ShapeSpec{Kind: ShapeBoolean, Expected: &expected}
	default:
		return ShapeSpec{}
	}
}

func validateShape(ruleID string, shape Shape) error {
	switch s := shape.(type) {
	case nil:
		return configErr(ruleID, "unknown or incomplete shape")
	case SingleShape:
		if !s.Operator.Valid() {
			return configErr(ruleID, "unknown operator %q", s.Operator)
		}
		if math.IsNaN(s.Threshold) {
			return configErr(ruleID, "threshold is NaN")
		}
	case RangeShape:
		if !s.Bounds.Valid() {
			return configErr(ruleID, "unknown bounds %q", s.Bounds)
		}
		if math.IsNaN(s.Low) || math.IsNaN(s.High) {
			return configErr(ruleID, "range bound is NaN")
		}
		if s.Low > s.High {
			return configErr(ruleID, "range low %v exceeds high %v", s.Low, s.High)
		}
	case BooleanShape:
	default:
		return configErr(ruleID, "unsupported shape %T", shape)
	}
	return nil
}
