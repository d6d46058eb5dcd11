package sessions

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sensorguard-cloud/internal/auth"
)

// Handler accepts live client connections and binds them to the caller's user id.
type Handler struct {
	registry  *Registry
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	heartbeat time.Duration
	queueSize int
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithHeartbeat sets the WebSocket ping and SSE keepalive interval.
func WithHeartbeat(interval time.Duration) HandlerOption {
	return func(h *Handler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// WithQueueSize sets the per-connection buffered message count.
func WithQueueSize(size int) HandlerOption {
	return func(h *Handler) {
		if size > 0 {
			h.queueSize = size
		}
	}
}

// WithCheckOrigin overrides the WebSocket origin check.
func WithCheckOrigin(check func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}

// NewHandler constructs a live session handler.
func NewHandler(registry *Registry, logger *zap.Logger, opts ...HandlerOption) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("sessions: nil registry")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		registry:  registry,
		logger:    logger,
		heartbeat: defaultPingInterval,
		queueSize: 32,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeWebSocket handles GET /api/v1/alarms/ws.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := newWebSocketConn(uuid.NewString(), ws, h.queueSize, h.heartbeat, h.logger)
	h.registry.Register(userID, conn)
	h.logger.Info("live session connected",
		zap.String("user_id", userID), zap.String("conn_id", conn.ID()), zap.String("transport", "websocket"))
	defer func() {
		h.registry.Unregister(conn)
		h.logger.Info("live session closed", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	}()
	conn.Serve()
}

// ServeStream handles GET /api/v1/alarms/stream.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := auth.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	conn := newSSEConn(uuid.NewString(), h.queueSize)
	h.registry.Register(userID, conn)
	h.logger.Info("live session connected",
		zap.String("user_id", userID), zap.String("conn_id", conn.ID()), zap.String("transport", "sse"))
	defer func() {
		h.registry.Unregister(conn)
		h.logger.Info("live session closed", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
	}()
	conn.stream(r.Context(), w, flusher, h.heartbeat)
}
