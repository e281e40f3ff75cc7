package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	testOriginURL = "http://localhost:8080"
	testJWTSecret = "test-secret"
)

// fakeConn is an in-memory Conn that records every frame it accepts.
type fakeConn struct {
	id     string
	userID string

	mu        sync.Mutex
	frames    [][]byte
	sendErr   error
	heartbeat time.Time

	closed     atomic.Bool
	closeCalls atomic.Int32
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID, heartbeat: time.Now()}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) IsOpen() bool   { return !c.closed.Load() }

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *fakeConn) setHeartbeat(t time.Time) {
	c.mu.Lock()
	c.heartbeat = t
	c.mu.Unlock()
}

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// decoded returns every accepted frame as a generic JSON object.
func (c *fakeConn) decoded(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]interface{}, 0, len(c.frames))
	for _, raw := range c.frames {
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &frame))
		out = append(out, frame)
	}
	return out
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier captures pending notices.
type recordingNotifier struct {
	mu    sync.Mutex
	users []string
}

func (n *recordingNotifier) NotifyPending(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return nil
}

func (n *recordingNotifier) notified() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.users...)
}

// testConfig returns a valid configuration with fast timings.
func testConfig() *Config {
	cfg := NewConfig()
	cfg.JWTSecret = testJWTSecret
	cfg.DBDriver = DriverMemory
	cfg.PresenceBackend = PresenceMemory
	cfg.AllowedOrigins = []string{testOriginURL}
	cfg.RateLimit.Burst = 50
	cfg.SendTimeout = time.Second
	cfg.PersistTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// testEnv is a running server backed by memory stores.
type testEnv struct {
	server   *Server
	http     *httptest.Server
	auth     *auth.JWTAuthenticator
	messages *store.MemoryMessageStore
	records  *store.MemoryPushRecordStore
	sessions *store.MemoryPresenceStore
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if customize != nil {
		customize(cfg)
	}

	env := &testEnv{
		auth:     auth.NewJWTAuthenticator(testJWTSecret, auth.DefaultIssuer),
		messages: store.NewMemoryMessageStore(),
		records:  store.NewMemoryPushRecordStore(),
		sessions: store.NewMemoryPresenceStore(),
		registry: prometheus.NewRegistry(),
	}

	srv, err := New(cfg, Deps{
		Messages:      env.messages,
		PushRecords:   env.records,
		Sessions:      env.sessions,
		Authenticator: env.auth,
		Registerer:    env.registry,
		Gatherer:      env.registry,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	env.server = srv
	env.http = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		_ = srv.Shutdown(cfg.ShutdownTimeout)
		env.http.Close()
	})
	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial opens a WebSocket as userID and consumes the connection ack.
func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := connectWebSocket(e.wsURL(e.token(t, userID)), testOriginURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })

	ack := readFrame(t, conn)
	require.Equal(t, "connection", ack["type"])
	require.Equal(t, userID, ack["userId"])
	return conn
}

// waitOnline blocks until userID has a live connection on the server.
func (e *testEnv) waitOnline(t *testing.T, userID string, online bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.server.Registry().IsOnline(userID) == online
	}, 2*time.Second, 10*time.Millisecond)
}

// connectWebSocket dials url with the given Origin header.
func connectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readFrameOfType skips frames until one of frameType arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame received", frameType)
	return nil
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, received %s", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of frame: %v", err)
}
