package onem2m

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

const objectIDLabelPrefix = "objectId:"

// DecodeError reports a notification whose nesting does not match the expected shape.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("onem2m decode: %s: %v", e.Reason, e.Err)
	}
	return "onem2m decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// PartialDecodeError lists the content instances dropped from a batch whose
// remaining instances decoded.
type PartialDecodeError struct {
	Skipped []error
}

func (e *PartialDecodeError) Error() string {
	return fmt.Sprintf("onem2m decode: skipped %d content instance(s): %v", len(e.Skipped), errors.Join(e.Skipped...))
}

func (e *PartialDecodeError) Unwrap() []error { return e.Skipped }

// Decoder turns subscription notifications into sensor readings.
type Decoder struct {
	now func() time.Time
}

// DecoderOption configures the decoder.
type DecoderOption func(*Decoder)

// WithNow overrides the ingestion clock.
func WithNow(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDecoder constructs a decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type requestPrimitive struct {
	Content json.RawMessage `json:"pc"`
}

type notification struct {
	Sgn      *subscriptionNotification `json:"m2m:sgn"`
	ShortSgn *subscriptionNotification `json:"sgn"`
}

type subscriptionNotification struct {
	Sur   string             `json:"sur"`
	Vrq   bool               `json:"vrq"`
	Event *notificationEvent `json:"nev"`
}

type notificationEvent struct {
	Net int             `json:"net"`
	Rep json.RawMessage `json:"rep"`
}

type representation struct {
	Cin json.RawMessage `json:"m2m:cin"`
}

type contentInstance struct {
	RI  string          `json:"ri"`
	CR  string          `json:"cr"`
	CT  string          `json:"ct"`
	Lbl []string        `json:"lbl"`
	Con json.RawMessage `json:"con"`
}

// Decode parses one notification. A verification request yields no readings.
// Envelope errors reject the whole notification. In a batch, a malformed
// content instance is dropped and reported through *PartialDecodeError
// alongside the readings of its siblings; the notification is rejected only
// when no instance decodes.
func (d *Decoder) Decode(raw []byte) ([]telemetry.SensorReading, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, decodeErr("empty body", nil)
	}

	var primitive requestPrimitive
	if err := json.Unmarshal(raw, &primitive); err == nil && len(primitive.Content) > 0 {
		raw = primitive.Content
	}

	var envelope notification
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, decodeErr("invalid json", err)
	}
	sgn := envelope.Sgn
	if sgn == nil {
		sgn = envelope.ShortSgn
	}
	if sgn == nil {
		return nil, decodeErr("missing m2m:sgn", nil)
	}
	if sgn.Vrq {
		return nil, nil
	}
	if sgn.Event == nil || len(sgn.Event.Rep) == 0 {
		return nil, decodeErr("missing notification event", nil)
	}

	var rep representation
	if err := json.Unmarshal(sgn.Event.Rep, &rep); err != nil {
		return nil, decodeErr("invalid representation", err)
	}
	instances, err := splitInstances(rep.Cin)
	if err != nil {
		return nil, err
	}

	ingestedAt := d.now().UTC()
	var readings []telemetry.SensorReading
	var skipped []error
	for idx, cin := range instances {
		decoded, err := d.decodeInstance(cin, sgn.Sur, ingestedAt)
		if err != nil {
			if len(instances) == 1 {
				return nil, err
			}
			skipped = append(skipped, fmt.Errorf("m2m:cin[%d] %q: %w", idx, cin.RI, err))
			continue
		}
		readings = append(readings, decoded...)
	}
	switch {
	case len(skipped) == 0:
		return readings, nil
	case len(skipped) == len(instances):
		return nil, skipped[0]
	default:
		return readings, &PartialDecodeError{Skipped: skipped}
	}
}

func splitInstances(raw json.RawMessage) ([]contentInstance, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, decodeErr("missing m2m:cin", nil)
	}
	if raw[0] == '[' {
		var list []contentInstance
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, decodeErr("invalid m2m:cin list", err)
		}
		if len(list) == 0 {
			return nil, decodeErr("empty m2m:cin list", nil)
		}
		return list, nil
	}
	var single contentInstance
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, decodeErr("invalid m2m:cin", err)
	}
	return []contentInstance{single}, nil
}

func (d *Decoder) decodeInstance(cin contentInstance, sur string, ingestedAt time.Time) ([]telemetry.SensorReading, error) {
	payload, err := parseContent(cin.Con)
	if err != nil {
		return nil, err
	}

	deviceID := stringField(payload, "deviceid")
	if deviceID == "" {
		deviceID = cin.CR
	}
	if deviceID == "" {
		deviceID = deviceFromSubscription(sur)
	}
	if deviceID == "" {
		return nil, decodeErr("missing device id", nil)
	}

	objectID := stringField(payload, "objectid")
	if objectID == "" {
		objectID = objectFromLabels(cin.Lbl)
	}

	// Payload Timestamp, then the instance creation time, then ingest time.
	observedAt := ingestedAt
	stamp, _ := lookup(payload, "timestamp")
	if ts, ok := parseTimestamp(stamp); ok {
		observedAt = ts
	} else if ts, ok := parseTimestamp(cin.CT); ok {
		observedAt = ts
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	readings := make([]telemetry.SensorReading, 0, len(keys))
	for _, key := range keys {
		metric, ok := telemetry.LookupMetric(key)
		if !ok {
			continue
		}
		value, ok := toValue(payload[key])
		if !ok {
			continue
		}
		readings = append(readings, telemetry.SensorReading{
			DeviceID:   deviceID,
			ObjectID:   objectID,
			FieldKey:   metric.Key,
			Value:      value,
			Unit:       metric.Unit,
			ObservedAt: observedAt,
			SourceID:   cin.RI,
		})
	}
	return readings, nil
}

func parseContent(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, decodeErr("missing con", nil)
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, decodeErr("invalid con", err)
		}
		raw = []byte(text)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, decodeErr("con is not a key/value object", err)
	}
	if payload == nil {
		return nil, decodeErr("missing con", nil)
	}
	return payload, nil
}

func lookup(payload map[string]any, lowerKey string) (any, bool) {
	for key, value := range payload {
		if strings.ToLower(key) == lowerKey {
			return value, true
		}
	}
	return nil, false
}

func stringField(payload map[string]any, lowerKey string) string {
	value, ok := lookup(payload, lowerKey)
	if !ok {
		return ""
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func toValue(raw any) (telemetry.Value, bool) {
	switch v := raw.(type) {
	case bool:
		return telemetry.BoolValue(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return telemetry.Value{}, false
		}
		return finiteNumber(f)
	case string:
		text := strings.TrimSpace(v)
		if b, err := strconv.ParseBool(text); err == nil {
			return telemetry.BoolValue(b), true
		}
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return telemetry.Value{}, false
		}
		return finiteNumber(f)
	default:
		return telemetry.Value{}, false
	}
}

// finiteNumber drops NaN and infinities, which ParseFloat accepts by name.
func finiteNumber(f float64) (telemetry.Value, bool) {
	value := telemetry.NumberValue(f)
	if !value.Finite() {
		return telemetry.Value{}, false
	}
	return value, true
}

func deviceFromSubscription(sur string) string {
	var segments []string
	for _, part := range strings.Split(sur, "/") {
		if part != "" {
			segments = append(segments, part)
		}
	}
	if len(segments) < 2 {
		return ""
	}
	return segments[1]
}

func objectFromLabels(labels []string) string {
	for _, label := range labels {
		if strings.HasPrefix(label, objectIDLabelPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(label, objectIDLabelPrefix))
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102T150405",
	"20060102T150405.000",
}

func parseTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return epochTime(n)
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return epochTime(n)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func epochTime(value int64) (time.Time, bool) {
	if value <= 0 {
		return time.Time{}, false
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), true
	}
	return time.Unix(value, 0).UTC(), true
}
