package server

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/store"
)

func newTestSweeper(f *deliveryFixture) *Sweeper {
	s := NewSweeper(f.registry, f.sessions, f.coordinator, SweeperConfig{
		SweepInterval: time.Minute,
		RetryInterval: time.Minute,
		ConnectionTTL: 5 * time.Minute,
		PresenceTTL:   10 * time.Minute,
		CleanupCron:   "0 2 * * *",
	}, f.metrics, zerolog.Nop())
	s.now = f.clock.Now
	return s
}

func (f *deliveryFixture) connect(t *testing.T, conn *fakeConn, heartbeat time.Time) {
	t.Helper()
	conn.setHeartbeat(heartbeat)
	f.registry.Register(conn)
	require.NoError(t, f.sessions.MarkOnline(context.Background(), store.Session{
		SessionID:     conn.ID(),
		UserID:        conn.UserID(),
		LastHeartbeat: heartbeat,
	}))
}

func (f *deliveryFixture) sessionActive(t *testing.T, userID string) bool {
	t.Helper()
	active, err := f.sessions.IsUserActive(context.Background(), userID, time.Time{})
	require.NoError(t, err)
	return active
}

// TestSweepOnceEvictsStaleConnections verifies that a connection without a
// heartbeat for longer than the TTL is removed, closed and marked offline.
func TestSweepOnceEvictsStaleConnections(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)
	now := f.clock.Now()

	stale := newFakeConn("c1", "alice")
	f.connect(t, stale, now.Add(-6*time.Minute))

	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)

	assert.False(t, f.registry.IsOnline("alice"))
	assert.True(t, stale.closed.Load())
	assert.False(t, f.sessionActive(t, "alice"))
}

// TestSweepOnceEvictsClosedConnections verifies that connections whose
// transport already closed are removed.
func TestSweepOnceEvictsClosedConnections(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)

	conn := newFakeConn("c1", "alice")
	f.connect(t, conn, f.clock.Now())
	conn.closed.Store(true)

	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Evicted)
	assert.Zero(t, f.registry.Count())
	assert.False(t, f.sessionActive(t, "alice"))
}

// TestSweepOnceKeepsLiveConnections verifies that healthy connections stay
// registered and their durable sessions are refreshed.
func TestSweepOnceKeepsLiveConnections(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)
	now := f.clock.Now()

	live := newFakeConn("c1", "alice")
	f.connect(t, live, now.Add(-time.Minute))
	require.NoError(t, f.sessions.Heartbeat(context.Background(), "c1", now.Add(-time.Hour)))

	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Evicted)
	assert.Equal(t, 1, result.Refreshed)
	assert.Zero(t, result.SessionsExpired)

	assert.True(t, f.registry.IsOnline("alice"))
	assert.False(t, live.closed.Load())
	active, err := f.sessions.IsUserActive(context.Background(), "alice", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, active)
}

// TestSweepOnceExpiresRemoteSessions verifies that sessions left behind by
// a crashed node are expired.
func TestSweepOnceExpiresRemoteSessions(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)

	require.NoError(t, f.sessions.MarkOnline(context.Background(), store.Session{
		SessionID:     "remote-1",
		UserID:        "carol",
		LastHeartbeat: f.clock.Now().Add(-time.Hour),
	}))

	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SessionsExpired)
	assert.False(t, f.sessionActive(t, "carol"))
}

// TestSweepOnceIsIdempotent verifies that a second sweep finds nothing to do.
func TestSweepOnceIsIdempotent(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)
	f.connect(t, newFakeConn("c1", "alice"), f.clock.Now().Add(-time.Hour))

	first, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Evicted)

	second, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Evicted)
	assert.Zero(t, second.SessionsExpired)
}

// TestSweeperRunStopsOnCancel verifies that the background jobs exit when
// their context is cancelled.
func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newDeliveryFixture(t)
	sweeper := newTestSweeper(f)
	sweeper.cfg.SweepInterval = 10 * time.Millisecond
	sweeper.cfg.RetryInterval = 10 * time.Millisecond
	sweeper.now = time.Now
	f.connect(t, newFakeConn("c1", "alice"), time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return !f.registry.IsOnline("alice")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
