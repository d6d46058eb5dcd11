package sessions

import (
	"context"
	"net/http"
	"time"
)

// SSEConn is a live Server-Sent Events client.
type SSEConn struct {
	*outbox
}

func newSSEConn(id string, queueSize int) *SSEConn {
	return &SSEConn{outbox: newOutbox(id, queueSize)}
}

// stream writes queued alarms until ctx ends or the connection closes.
func (c *SSEConn) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, heartbeat time.Duration) {
	defer c.Close()

	_, _ = w.Write([]byte("event: ready\ndata: {\"conn_id\":\"" + c.id + "\"}\n\n"))
	flusher.Flush()

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case payload := <-c.queue:
			_, _ = w.Write([]byte("event: alarm\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-tick:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
