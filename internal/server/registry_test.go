package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, zerolog.Nop())
}

// TestRegistryRegisterIsIdempotent verifies that registering the same
// connection twice leaves exactly one entry.
func TestRegistryRegisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1", "alice")

	r.Register(conn)
	r.Register(conn)

	assert.Equal(t, 1, r.Count())
	assert.Len(t, r.ListOpen("alice"), 1)
	assert.Zero(t, conn.closeCalls.Load(), "re-registering must not close the connection")
}

// TestRegistryReplacesConnectionWithSameID verifies that a new connection
// under an existing id replaces and closes the old one.
func TestRegistryReplacesConnectionWithSameID(t *testing.T) {
	r := newTestRegistry()
	old := newFakeConn("c1", "alice")
	replacement := newFakeConn("c1", "alice")

	r.Register(old)
	r.Register(replacement)

	assert.Equal(t, 1, r.Count())
	assert.True(t, old.closed.Load())
	open := r.ListOpen("alice")
	require.Len(t, open, 1)
	assert.Same(t, replacement, open[0])

	assert.False(t, r.Unregister(old), "the replaced connection must not evict its successor")
	assert.True(t, r.IsOnline("alice"))
}

// TestRegistryMultipleConnectionsPerUser verifies fan-out bookkeeping for a
// user connected from several devices.
func TestRegistryMultipleConnectionsPerUser(t *testing.T) {
	r := newTestRegistry()
	r.Register(newFakeConn("c1", "alice"))
	r.Register(newFakeConn("c2", "alice"))
	r.Register(newFakeConn("c3", "bob"))

	assert.Len(t, r.ListOpen("alice"), 2)
	assert.Equal(t, []string{"alice", "bob"}, r.OnlineUserIDs())

	assert.True(t, r.Remove("c1"))
	assert.False(t, r.Remove("c1"), "removing an unknown id is a no-op")
	assert.True(t, r.IsOnline("alice"))

	assert.True(t, r.Remove("c2"))
	assert.False(t, r.IsOnline("alice"))
	assert.Equal(t, []string{"bob"}, r.OnlineUserIDs())
}

// TestRegistryListOpenEvictsClosedConnections verifies that closed
// connections are never reported as reachable.
func TestRegistryListOpenEvictsClosedConnections(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1", "alice")
	r.Register(conn)

	require.NoError(t, conn.Close())

	assert.Empty(t, r.ListOpen("alice"))
	assert.False(t, r.IsOnline("alice"))
	assert.Zero(t, r.Count())
}

// TestRegistrySendToUser verifies best-effort delivery: a failing connection
// is dropped while the others still receive the frame.
func TestRegistrySendToUser(t *testing.T) {
	r := newTestRegistry()
	healthy := newFakeConn("c1", "alice")
	broken := newFakeConn("c2", "alice")
	broken.failSends(errors.New("write: broken pipe"))
	r.Register(healthy)
	r.Register(broken)

	sent, err := r.SendToUser(context.Background(), "alice", []byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, healthy.decoded(t), 1)
	assert.True(t, broken.closed.Load())
	assert.Len(t, r.ListOpen("alice"), 1)
}

// TestRegistrySendToUserWithoutConnections verifies the sentinel error.
func TestRegistrySendToUserWithoutConnections(t *testing.T) {
	r := newTestRegistry()

	sent, err := r.SendToUser(context.Background(), "ghost", []byte(`{}`))
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrNoLiveConnection)

	conn := newFakeConn("c1", "alice")
	conn.failSends(ErrConnectionClosed)
	r.Register(conn)

	_, err = r.SendToUser(context.Background(), "alice", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNoLiveConnection)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.False(t, r.IsOnline("alice"))
}

// TestRegistryBroadcastAll verifies that every open connection receives a
// broadcast.
func TestRegistryBroadcastAll(t *testing.T) {
	r := newTestRegistry()
	conns := []*fakeConn{
		newFakeConn("c1", "alice"),
		newFakeConn("c2", "bob"),
		newFakeConn("c3", "carol"),
	}
	for _, c := range conns {
		r.Register(c)
	}
	require.NoError(t, conns[2].Close())

	assert.Equal(t, 2, r.BroadcastAll(context.Background(), []byte(`{}`)))
	assert.Len(t, conns[0].decoded(t), 1)
	assert.Len(t, conns[1].decoded(t), 1)
	assert.Equal(t, 2, r.Count())
}

// TestRegistryDrain verifies that shutdown closes every connection.
func TestRegistryDrain(t *testing.T) {
	r := newTestRegistry()
	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i%2))
		r.Register(conns[i])
	}

	assert.Equal(t, 5, r.Drain(context.Background()))
	assert.Zero(t, r.Count())
	for _, c := range conns {
		assert.True(t, c.closed.Load())
	}
}

// TestRegistryConcurrentOperations verifies the registry under concurrent
// registration, lookups and removal.
func TestRegistryConcurrentOperations(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i%5))
			r.Register(conn)
			_, _ = r.SendToUser(context.Background(), conn.UserID(), []byte(`{}`))
			r.IsOnline(conn.UserID())
			if i%2 == 0 {
				r.Unregister(conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Count())
}

// TestRegistryMetrics verifies the active connection gauge.
func TestRegistryMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(metrics, zerolog.Nop())

	a := newFakeConn("c1", "alice")
	r.Register(a)
	r.Register(newFakeConn("c2", "bob"))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.connectionsActive))

	r.Unregister(a)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connectionsActive))
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1", "alice")
	r.Register(conn)

	found, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, conn, found)

	r.Unregister(conn)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}
