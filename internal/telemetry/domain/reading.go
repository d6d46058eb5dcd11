package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// ValueKind tags the representation carried by a Value.
type ValueKind uint8

const (
	ValueNumber ValueKind = iota
	ValueBool
)

// Value is a numeric or boolean sensor value.
type Value struct {
	Kind   ValueKind
	Number float64
	Flag   bool
}

// NumberValue wraps a numeric reading.
func NumberValue(v float64) Value {
	return Value{Kind: ValueNumber, Number: v}
}

// BoolValue wraps a boolean reading.
func BoolValue(v bool) Value {
	return Value{Kind: ValueBool, Flag: v}
}

// Float returns the numeric form; booleans map to 1 and 0.
func (v Value) Float() float64 {
	if v.Kind == ValueBool {
		if v.Flag {
			return 1
		}
		return 0
	}
	return v.Number
}

// Bool returns the boolean form; any nonzero number is true.
func (v Value) Bool() bool {
	if v.Kind == ValueBool {
		return v.Flag
	}
	return v.Number != 0
}

// Finite reports whether a numeric value is neither NaN nor infinite.
func (v Value) Finite() bool {
	if v.Kind == ValueBool {
		return true
	}
	return !math.IsNaN(v.Number) && !math.IsInf(v.Number, 0)
}

// String formats the value without rounding.
func (v Value) String() string {
	if v.Kind == ValueBool {
		return strconv.FormatBool(v.Flag)
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// MarshalJSON encodes the value as a JSON number or boolean.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == ValueBool {
		return json.Marshal(v.Flag)
	}
	return json.Marshal(v.Number)
}

// UnmarshalJSON accepts a JSON number or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		*v = BoolValue(flag)
		return nil
	}
	var number float64
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*v = NumberValue(number)
	return nil
}

// SensorReading is one normalized metric sample from a device notification.
// ObjectID may be empty after decoding; it and SiteID are filled from the
// device registry before evaluation.
type SensorReading struct {
	DeviceID   string    `json:"device_id"`
	ObjectID   string    `json:"object_id"`
	SiteID     string    `json:"site_id,omitempty"`
	FieldKey   string    `json:"field_key"`
	Value      Value     `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	SourceID   string    `json:"source_id,omitempty"`
}

// Key identifies the (device, field) pair the reading belongs to.
func (r SensorReading) Key() string {
	return ReadingKey(r.DeviceID, r.FieldKey)
}

// ReadingKey builds the (device, field) key.
func ReadingKey(deviceID, fieldKey string) string {
	return deviceID + "|" + fieldKey
}
