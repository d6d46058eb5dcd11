package sessions

import (
	"context"
	"sync"
)

// outbox is the buffered, closable send side shared by connection kinds.
// The queue channel is never closed; done signals shutdown.
type outbox struct {
	id    string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newOutbox(id string, size int) *outbox {
	if size <= 0 {
		size = 16
	}
	return &outbox{id: id, queue: make(chan []byte, size), done: make(chan struct{})}
}

func (o *outbox) ID() string { return o.id }

// Send enqueues payload, blocking until there is room, ctx expires or the
// connection closes.
func (o *outbox) Send(ctx context.Context, payload []byte) error {
	select {
	case <-o.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case o.queue <- payload:
		return nil
	case <-o.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

func (o *outbox) Done() <-chan struct{} { return o.done }
