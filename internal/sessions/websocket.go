package sessions

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 54 * time.Second
	maxInboundMessage   = 512
)

// WebSocketConn is a live WebSocket client.
type WebSocketConn struct {
	*outbox
	conn         *websocket.Conn
	logger       *zap.Logger
	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
}

func newWebSocketConn(id string, conn *websocket.Conn, queueSize int, pingInterval time.Duration, logger *zap.Logger) *WebSocketConn {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := defaultPongWait
	if pingInterval >= pongWait {
		pongWait = pingInterval + pingInterval/2
	}
	return &WebSocketConn{
		outbox:       newOutbox(id, queueSize),
		conn:         conn,
		logger:       logger,
		writeWait:    defaultWriteWait,
		pongWait:     pongWait,
		pingInterval: pingInterval,
	}
}

// Serve runs the read and write pumps until either side stops.
func (c *WebSocketConn) Serve() {
	go c.writePump()
	c.readPump()
}

// Clients only send pongs and close frames; anything else is discarded.
func (c *WebSocketConn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.queue:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.writeWait))
			return
		}
	}
}
