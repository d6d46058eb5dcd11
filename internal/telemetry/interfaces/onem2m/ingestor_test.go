package onem2m

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorguard-cloud/internal/telemetry/application/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ReadingsReceived
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if evt, ok := event.(events.ReadingsReceived); ok {
		p.events = append(p.events, evt)
	}
	return p.err
}

func (p *recordingPublisher) published() []events.ReadingsReceived {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.ReadingsReceived(nil), p.events...)
}

type rejection struct {
	source  string
	payload string
	reason  error
}

type recordingRejects struct {
	mu   sync.Mutex
	rows []rejection
}

func (r *recordingRejects) RecordRejection(_ context.Context, source string, payload []byte, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rejection{source: source, payload: string(payload), reason: reason})
	return nil
}

const batchNotification = `{"m2m:sgn": {"nev": {"rep": {"m2m:cin": [
  {"ri": "cin-1", "cr": "dev-1", "con": {"Temperature": 20, "Humidity": 50}},
  {"ri": "cin-2", "cr": "dev-1", "con": {"Temperature": 21}},
  {"cr": "dev-2", "con": {"CO": 4}}
]}}}}`

func newTestIngestor(t *testing.T, publisher Publisher, rejects RejectionRecorder) *Ingestor {
	t.Helper()
	ingestor, err := NewIngestor(newTestDecoder(), publisher,
		WithRejectionRecorder(rejects),
		WithIngestClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	seq := 0
	ingestor.newID = func() string {
		seq++
		return "generated-" + strconv.Itoa(seq)
	}
	return ingestor
}

func TestIngestor_PublishesOneEventPerInstance(t *testing.T) {
	publisher := &recordingPublisher{}
	ingestor := newTestIngestor(t, publisher, nil)

	count, err := ingestor.Ingest(context.Background(), TransportHTTP, []byte(batchNotification))
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	published := publisher.published()
	require.Len(t, published, 3)
	assert.Equal(t, "cin-1", published[0].EventID)
	assert.Len(t, published[0].Readings, 2)
	assert.Equal(t, "cin-2", published[1].EventID)
	assert.Equal(t, "generated-1", published[2].EventID)
	assert.Equal(t, "dev-2", published[2].DeviceID)
	for _, evt := range published {
		assert.Equal(t, TransportHTTP, evt.Source)
		assert.Equal(t, fixedNow, evt.ReceivedAt)
	}
}

func TestIngestor_RecordsRejectedPayload(t *testing.T) {
	publisher := &recordingPublisher{}
	rejects := &recordingRejects{}
	ingestor := newTestIngestor(t, publisher, rejects)

	_, err := ingestor.Ingest(context.Background(), TransportMQTT, []byte(`{"foo": 1}`))
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, publisher.published())
	require.Len(t, rejects.rows, 1)
	assert.Equal(t, TransportMQTT, rejects.rows[0].source)
	assert.Equal(t, `{"foo": 1}`, rejects.rows[0].payload)
}

func TestIngestor_PartialBatchPublishesValidInstances(t *testing.T) {
	publisher := &recordingPublisher{}
	rejects := &recordingRejects{}
	ingestor := newTestIngestor(t, publisher, rejects)

	raw := `{"m2m:sgn": {"nev": {"rep": {"m2m:cin": [
	  {"ri": "cin-1", "cr": "dev-1", "con": {"Temperature": 20}},
	  {"ri": "cin-2", "cr": "dev-1"}
	]}}}}`
	count, err := ingestor.Ingest(context.Background(), TransportHTTP, []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, "cin-1", published[0].EventID)

	require.Len(t, rejects.rows, 1)
	var partial *PartialDecodeError
	assert.True(t, errors.As(rejects.rows[0].reason, &partial))
}

func TestIngestor_PublishFailureIsReturned(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("consumer down")}
	ingestor := newTestIngestor(t, publisher, nil)

	count, err := ingestor.Ingest(context.Background(), TransportHTTP, []byte(batchNotification))
	require.Error(t, err)
	assert.Equal(t, 4, count)
	assert.Len(t, publisher.published(), 3)
}

func TestNewIngestor_Validation(t *testing.T) {
	_, err := NewIngestor(nil, &recordingPublisher{})
	require.Error(t, err)
	_, err = NewIngestor(NewDecoder(), nil)
	require.Error(t, err)
}

func TestNotifyHandler(t *testing.T) {
	publisher := &recordingPublisher{}
	handler, err := NewNotifyHandler(newTestIngestor(t, publisher, nil), 0, nil)
	require.NoError(t, err)

	t.Run("accepts notification", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/notify/onem2m", strings.NewReader(batchNotification))
		req.Header.Set("X-M2M-RI", "req-42")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2000", rec.Header().Get("X-M2M-RSC"))
		assert.Equal(t, "req-42", rec.Header().Get("X-M2M-RI"))
		assert.JSONEq(t, `{"readings": 4}`, rec.Body.String())
	})

	t.Run("rejects malformed envelope", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/notify/onem2m", strings.NewReader(`{"m2m:sgn": {}}`))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "4000", rec.Header().Get("X-M2M-RSC"))
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notify/onem2m", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestNotifyHandler_BodyLimit(t *testing.T) {
	handler, err := NewNotifyHandler(newTestIngestor(t, &recordingPublisher{}, nil), 16, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notify/onem2m", strings.NewReader(batchNotification)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
