package onem2m

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const (
	// TransportHTTP labels notifications received over HTTP.
	TransportHTTP = "http"
	// TransportMQTT labels notifications received over MQTT.
	TransportMQTT = "mqtt"

	headerResponseStatus = "X-M2M-RSC"
	headerRequestID      = "X-M2M-RI"

	rscOK         = "2000"
	rscBadRequest = "4000"
	rscInternal   = "5000"

	defaultMaxBody int64 = 1 << 20
)

// NotifyHandler receives oneM2M notifications over HTTP.
type NotifyHandler struct {
	ingestor *Ingestor
	maxBody  int64
	logger   *zap.Logger
}

// NewNotifyHandler constructs the HTTP notification endpoint. maxBody <= 0
// applies a 1 MiB limit.
func NewNotifyHandler(ingestor *Ingestor, maxBody int64, logger *zap.Logger) (*NotifyHandler, error) {
	if ingestor == nil {
		return nil, errors.New("onem2m notify: nil ingestor")
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyHandler{ingestor: ingestor, maxBody: maxBody, logger: logger}, nil
}

// ServeHTTP ingests one notification.
func (h *NotifyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if ri := r.Header.Get(headerRequestID); ri != "" {
		w.Header().Set(headerRequestID, ri)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	_ = r.Body.Close()
	if err != nil {
		h.logger.Warn("notify: read body error", zap.Error(err))
		w.Header().Set(headerResponseStatus, rscBadRequest)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxBody {
		w.Header().Set(headerResponseStatus, rscBadRequest)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	count, err := h.ingestor.Ingest(r.Context(), TransportHTTP, body)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			w.Header().Set(headerResponseStatus, rscBadRequest)
			http.Error(w, decodeErr.Error(), http.StatusBadRequest)
			return
		}
		// Decoded readings are acknowledged even when a subscriber fails.
		h.logger.Error("notify: processing failed", zap.Error(err))
		w.Header().Set(headerResponseStatus, rscInternal)
	} else {
		w.Header().Set(headerResponseStatus, rscOK)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"readings": count})
}
