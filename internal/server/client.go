package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Conn is a live connection as seen by the Registry and the delivery path.
type Conn interface {
	ID() string
	UserID() string
	// Send writes one frame, waiting until it is on the wire, ctx is done or
	// the connection closes.
	Send(ctx context.Context, frame []byte) error
	Close() error
	IsOpen() bool
	LastHeartbeat() time.Time
}

// ClientConfig holds per-connection transport settings.
type ClientConfig struct {
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	RateLimit      RateLimitConfig
}

func (c *Config) clientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize: c.MaxMessageSize,
		PingInterval:   c.PingInterval,
		PongWait:       c.PongWait,
		WriteWait:      c.WriteWait,
		RateLimit:      c.RateLimit,
	}
}

// ClientInfo describes the peer of a connection.
type ClientInfo struct {
	ID         string
	UserID     string
	RemoteAddr string
	UserAgent  string
}

type outboundFrame struct {
	ctx     context.Context
	payload []byte
	result  chan error
}

// Client is one authenticated WebSocket connection. Its write pump is the
// only goroutine writing data frames, so concurrent Send calls never
// interleave. The heartbeat is written by the read goroutine and read by
// the sweeper.
type Client struct {
	conn        *websocket.Conn
	info        ClientInfo
	cfg         ClientConfig
	outbound    chan outboundFrame
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time

	lastHeartbeat atomic.Int64
	lastPersisted time.Time // read goroutine only

	rateLimiter *rate.Limiter
	logger      zerolog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, info ClientInfo, cfg ClientConfig, logger zerolog.Logger) *Client {
	if conn != nil && cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	now := time.Now()

	c := &Client{
		conn:        conn,
		info:        info,
		cfg:         cfg,
		outbound:    make(chan outboundFrame),
		done:        make(chan struct{}),
		connectedAt: now,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger: logger.With().
			Str("conn_id", info.ID).
			Str("user_id", info.UserID).
			Str("remote_addr", info.RemoteAddr).
			Logger(),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// ID returns the connection id.
func (c *Client) ID() string { return c.info.ID }

// UserID returns the authenticated owner of the connection.
func (c *Client) UserID() string { return c.info.UserID }

// LastHeartbeat returns the time the client was last heard from.
func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Touch records activity from the client.
func (c *Client) Touch(at time.Time) {
	c.lastHeartbeat.Store(at.UnixNano())
}

// IsOpen reports whether the connection has not been closed.
func (c *Client) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the connection closes.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send hands frame to the write pump and waits for the write result.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}

	out := outboundFrame{ctx: ctx, payload: frame, result: make(chan error, 1)}
	select {
	case c.outbound <- out:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-c.done:
		return c.resultOr(out, ErrConnectionClosed)
	case <-ctx.Done():
		return c.resultOr(out, ctx.Err())
	}
}

// resultOr prefers a write result that raced with cancellation.
func (c *Client) resultOr(out outboundFrame, fallback error) error {
	select {
	case err := <-out.result:
		return err
	default:
		return fallback
	}
}

// Close closes the connection and cancels in-flight sends. It is safe to
// call more than once and from any goroutine.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			return
		}
		deadline := time.Now().Add(c.cfg.WriteWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		if closeErr := c.conn.Close(); closeErr != nil && !isExpectedCloseError(closeErr) {
			err = closeErr
		}
	})
	return err
}

// allow reports whether the client is within its inbound rate limit.
func (c *Client) allow() bool {
	return c.rateLimiter == nil || c.rateLimiter.Allow()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		now := time.Now()
		c.Touch(now)
		if err := c.conn.SetReadDeadline(now.Add(c.cfg.PongWait)); err != nil {
			c.logger.Debug().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the read error at a level that matches its cause.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("max_message_size", c.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err) || !c.IsOpen():
		c.logger.Info().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.logger.Warn().Err(err).Msg("WebSocket read error")
	}
}

// readPump reads frames until the transport fails, passing each to handle.
func (c *Client) readPump(handle func(raw []byte)) {
	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		handle(raw)
	}
}

// writePump serializes every write to the connection. It exits, closing the
// connection, on the first write failure or when the connection closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case out := <-c.outbound:
		return c.handleMessage(out)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		return false
	}
}

// handleMessage writes one outbound frame and reports the result to its sender.
func (c *Client) handleMessage(out outboundFrame) bool {
	if err := out.ctx.Err(); err != nil {
		// The sender gave up before the frame reached the wire.
		out.result <- err
		return true
	}

	err := c.writeTextMessage(out.payload)
	out.result <- err
	return err == nil
}

// writeTextMessage writes a single text frame under the write deadline.
func (c *Client) writeTextMessage(message []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing message")
		}
		return err
	}
	return nil
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.logger.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("error writing ping message")
		}
		return false
	}
	return true
}
