package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackConn delivers published messages to the local subscription.
type loopbackConn struct {
	handlers   map[string]nats.MsgHandler
	publishErr error
	drained    bool
}

func newLoopbackConn() *loopbackConn {
	return &loopbackConn{handlers: make(map[string]nats.MsgHandler)}
}

func (c *loopbackConn) Publish(subject string, data []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	if cb, ok := c.handlers[subject]; ok {
		cb(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (c *loopbackConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.handlers[subject] = cb
	return nil, nil
}

func (c *loopbackConn) Drain() error {
	c.drained = true
	return nil
}

// TestNATSRelay_DeliversNoticesFromOtherNodes verifies notices reach peers
// and are ignored by their publisher.
func TestNATSRelay_DeliversNoticesFromOtherNodes(t *testing.T) {
	conn := newLoopbackConn()
	nodeA := newRelay(conn, "", "node-a", zerolog.Nop())
	nodeB := newRelay(conn, "", "node-b", zerolog.Nop())

	var got []string
	require.NoError(t, nodeB.Subscribe(context.Background(), func(_ context.Context, userID string) {
		got = append(got, userID)
	}))

	require.NoError(t, nodeA.NotifyPending(context.Background(), "bob"))
	require.NoError(t, nodeB.NotifyPending(context.Background(), "carol"))

	assert.Equal(t, []string{"bob"}, got)
}

// TestNATSRelay_IgnoresMalformedNotices verifies bad payloads are dropped.
func TestNATSRelay_IgnoresMalformedNotices(t *testing.T) {
	conn := newLoopbackConn()
	r := newRelay(conn, "custom", "node-a", zerolog.Nop())

	called := false
	require.NoError(t, r.Subscribe(context.Background(), func(context.Context, string) { called = true }))

	require.NoError(t, conn.Publish("custom", []byte("not json")))
	require.NoError(t, conn.Publish("custom", []byte(`{"origin":"node-b"}`)))
	assert.False(t, called)
}

// TestNATSRelay_PublishError verifies publish failures are reported.
func TestNATSRelay_PublishError(t *testing.T) {
	conn := newLoopbackConn()
	conn.publishErr = errors.New("no servers")
	r := newRelay(conn, "", "node-a", zerolog.Nop())

	err := r.NotifyPending(context.Background(), "bob")
	assert.ErrorIs(t, err, conn.publishErr)

	require.NoError(t, r.Close())
	assert.True(t, conn.drained)
}

// TestNop verifies the single-node notifier is silent.
func TestNop(t *testing.T) {
	var n Notifier = Nop{}
	assert.NoError(t, n.NotifyPending(context.Background(), "bob"))
}
