package onem2m

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sensorguard-cloud/internal/observability/metrics"
	"sensorguard-cloud/internal/telemetry/application/events"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

// Publisher delivers decoded notifications to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event any) error
}

// RejectionRecorder keeps notifications that failed to decode.
type RejectionRecorder interface {
	RecordRejection(ctx context.Context, source string, payload []byte, reason error) error
}

// Ingestor decodes notifications and publishes one ReadingsReceived per
// content instance.
type Ingestor struct {
	decoder   *Decoder
	publisher Publisher
	rejects   RejectionRecorder
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// IngestorOption configures the ingestor.
type IngestorOption func(*Ingestor)

// WithRejectionRecorder stores undecodable payloads.
func WithRejectionRecorder(rejects RejectionRecorder) IngestorOption {
	return func(i *Ingestor) {
		i.rejects = rejects
	}
}

// WithIngestLogger assigns a logger.
func WithIngestLogger(logger *zap.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithIngestClock overrides the receive clock.
func WithIngestClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor constructs an ingestor.
func NewIngestor(decoder *Decoder, publisher Publisher, opts ...IngestorOption) (*Ingestor, error) {
	if decoder == nil {
		return nil, errors.New("onem2m ingest: nil decoder")
	}
	if publisher == nil {
		return nil, errors.New("onem2m ingest: nil publisher")
	}
	i := &Ingestor{
		decoder:   decoder,
		publisher: publisher,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Ingest decodes raw and publishes its readings grouped by content instance,
// keeping payload order. It returns the number of readings published.
func (i *Ingestor) Ingest(ctx context.Context, transport string, raw []byte) (int, error) {
	start := time.Now()
	readings, err := i.decoder.Decode(raw)
	var partial *PartialDecodeError
	switch {
	case errors.As(err, &partial):
		// Siblings of the dropped instances are still published.
		i.reject(ctx, transport, raw, err)
	case err != nil:
		i.reject(ctx, transport, raw, err)
		metrics.ObserveIngest(transport, metrics.ResultError, time.Since(start))
		return 0, err
	}
	if len(readings) == 0 {
		metrics.ObserveIngest(transport, metrics.ResultSuccess, time.Since(start))
		return 0, nil
	}

	receivedAt := i.now().UTC()
	var errs []error
	for _, batch := range groupBySource(readings) {
		evt := events.ReadingsReceived{
			EventID:    batch[0].SourceID,
			DeviceID:   batch[0].DeviceID,
			Source:     transport,
			Readings:   batch,
			ReceivedAt: receivedAt,
		}
		if evt.EventID == "" {
			// Without a resource id retries cannot be recognized.
			evt.EventID = i.newID()
		}
		if err := i.publisher.Publish(ctx, evt); err != nil {
			i.logger.Error("publish readings failed",
				zap.String("event_id", evt.EventID),
				zap.String("device_id", evt.DeviceID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	result := metrics.ResultSuccess
	if len(errs) > 0 {
		result = metrics.ResultError
	}
	metrics.ObserveIngest(transport, result, time.Since(start))
	return len(readings), errors.Join(errs...)
}

func (i *Ingestor) reject(ctx context.Context, transport string, raw []byte, cause error) {
	reason := "decode"
	var decodeErr *DecodeError
	if errors.As(cause, &decodeErr) {
		reason = decodeErr.Reason
	}
	metrics.IncIngestError(reason)
	i.logger.Warn("notification rejected", zap.String("transport", transport), zap.Error(cause))
	if i.rejects == nil || len(raw) == 0 {
		return
	}
	if err := i.rejects.RecordRejection(ctx, transport, raw, cause); err != nil {
		i.logger.Warn("record rejected notification failed", zap.Error(err))
	}
}

// groupBySource splits readings into runs sharing a source id and device.
func groupBySource(readings []telemetry.SensorReading) [][]telemetry.SensorReading {
	var batches [][]telemetry.SensorReading
	for _, reading := range readings {
		n := len(batches)
		if n > 0 {
			last := batches[n-1][0]
			if last.SourceID == reading.SourceID && last.DeviceID == reading.DeviceID {
				batches[n-1] = append(batches[n-1], reading)
				continue
			}
		}
		batches = append(batches, []telemetry.SensorReading{reading})
	}
	return batches
}
