package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id string
}

func (c stubConn) ID() string { return c.id }
func (c stubConn) Send(context.Context, []byte) error { return nil }
func (c stubConn) Close() {}

func TestRegistry_UnregisterOneOfTwo(t *testing.T) {
	registry := NewRegistry()
	a, b := stubConn{id: "a"}, stubConn{id: "b"}
	registry.Register("u1", a)
	registry.Register("u1", b)

	require.True(t, registry.Unregister(a))
	conns := registry.Lookup("u1")
	require.Len(t, conns, 1)
	assert.Equal(t, "b", conns[0].ID())

	require.True(t, registry.Unregister(b))
	assert.Empty(t, registry.Lookup("u1"))
	assert.Equal(t, 0, registry.Users())
	assert.Equal(t, 0, registry.Count())
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	conn := stubConn{id: "a"}
	registry.Register("u1", conn)
	registry.Register("u1", conn)
	assert.Len(t, registry.Lookup("u1"), 1)
}

func TestRegistry_RegisterUnderOtherUserMoves(t *testing.T) {
	registry := NewRegistry()
	conn := stubConn{id: "a"}
	registry.Register("u1", conn)
	registry.Register("u2", conn)
	assert.Empty(t, registry.Lookup("u1"))
	assert.Len(t, registry.Lookup("u2"), 1)
	assert.Equal(t, 1, registry.Users())
}

func TestRegistry_UnknownUnregister(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.Unregister(stubConn{id: "ghost"}))
}

func TestRegistry_LookupReturnsSnapshot(t *testing.T) {
	registry := NewRegistry()
	registry.Register("u1", stubConn{id: "a"})
	snapshot := registry.Lookup("u1")
	registry.Register("u1", stubConn{id: "b"})
	assert.Len(t, snapshot, 1)
	assert.Len(t, registry.Lookup("u1"), 2)
}

func TestRegistry_SizeObserver(t *testing.T) {
	var sizes []int
	registry := NewRegistry(WithSizeObserver(func(n int) { sizes = append(sizes, n) }))
	conn := stubConn{id: "a"}
	registry.Register("u1", conn)
	registry.Unregister(conn)
	assert.Equal(t, []int{1, 0}, sizes)
}

func TestRegistry_ConcurrentLifecycles(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		for c := 0; c < 25; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				user := fmt.Sprintf("u%d", u)
				conn := stubConn{id: fmt.Sprintf("%s-c%d", user, c)}
				registry.Register(user, conn)
				_ = registry.Lookup(user)
				registry.Unregister(conn)
			}(u, c)
		}
	}
	wg.Wait()
	assert.Equal(t, 0, registry.Count())
	assert.Equal(t, 0, registry.Users())
}
