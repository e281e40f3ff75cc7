package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// RouterConfig tunes frame handling.
type RouterConfig struct {
	PersistTimeout           time.Duration
	SendTimeout              time.Duration
	HeartbeatPersistInterval time.Duration
}

func (c *Config) routerConfig() RouterConfig {
	return RouterConfig{
		PersistTimeout:           c.PersistTimeout,
		SendTimeout:              c.SendTimeout,
		HeartbeatPersistInterval: c.HeartbeatPersistInterval,
	}
}

type frameHandler func(ctx context.Context, c *Client, frame *inboundFrame) error

// Router drives the lifecycle of one connection: it opens it, dispatches
// every inbound frame by type and closes it when the transport ends.
type Router struct {
	registry    *Registry
	coordinator *Coordinator
	messages    store.MessageStore
	sessions    store.PresenceStore
	presence    *Presence
	cfg         RouterConfig
	handlers    map[FrameType]frameHandler
	metrics     *Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRouter creates a router over the given collaborators.
func NewRouter(
	registry *Registry,
	coordinator *Coordinator,
	messages store.MessageStore,
	sessions store.PresenceStore,
	presence *Presence,
	cfg RouterConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *Router {
	r := &Router{
		registry:    registry,
		coordinator: coordinator,
		messages:    messages,
		sessions:    sessions,
		presence:    presence,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.With().Str("component", "router").Logger(),
		now:         time.Now,
	}
	r.handlers = map[FrameType]frameHandler{
		FrameUnknown:        r.handleUnknown,
		FramePrivate:        r.handlePrivate,
		FrameGroup:          r.handleGroup,
		FrameTyping:         r.handleTyping,
		FrameReadReceipt:    r.handleReadReceipt,
		FrameHeartbeat:      r.handleHeartbeat,
		FrameGetOnlineUsers: r.handleGetOnlineUsers,
		FrameLogout:         r.handleLogout,
	}
	return r
}

// Serve runs c until its transport closes. It blocks, so callers run it on
// its own goroutine.
func (r *Router) Serve(ctx context.Context, c *Client) {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer logging.RecoverPanic(c.logger, "writePump")
		c.writePump()
	}()

	r.open(ctx, c)
	c.readPump(func(raw []byte) {
		r.dispatch(ctx, c, raw)
	})
	r.close(ctx, c)

	<-pumpDone
}

func (r *Router) open(ctx context.Context, c *Client) {
	now := r.now()
	r.registry.Register(c)
	r.metrics.connectionOpened()

	persistCtx, cancel := r.persistContext(ctx)
	err := r.sessions.MarkOnline(persistCtx, store.Session{
		SessionID:     c.ID(),
		UserID:        c.UserID(),
		Status:        store.SessionActive,
		ConnectTime:   now,
		LastHeartbeat: now,
		ClientInfo:    truncate(c.info.UserAgent, 255),
		IPAddress:     truncate(c.info.RemoteAddr, 64),
	})
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to record session")
	}
	c.lastPersisted = now

	r.reply(ctx, c, newConnectionFrame(c.UserID(), now))

	if _, err := r.coordinator.HandleUserOnline(ctx, c.UserID()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to flush queued messages")
	}
	c.logger.Info().Msg("connection opened")
}

func (r *Router) close(ctx context.Context, c *Client) {
	removed := r.registry.Unregister(c)
	if err := c.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing connection")
	}
	if !removed {
		if current, ok := r.registry.Lookup(c.ID()); ok && current != Conn(c) {
			// Replaced by a newer connection under the same id.
			return
		}
	}

	persistCtx, cancel := r.persistContext(ctx)
	defer cancel()
	if err := r.sessions.MarkOffline(persistCtx, c.ID()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to mark session offline")
	}
	c.logger.Info().Dur("duration", r.now().Sub(c.connectedAt)).Msg("connection closed")
}

// dispatch handles one inbound frame. Any failure, including a panic, is
// reported to the sender and leaves the connection open.
func (r *Router) dispatch(ctx context.Context, c *Client, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error().
				Str("panic", fmt.Sprint(rec)).
				Msg("recovered from panic while handling frame")
			r.replyError(ctx, c, "internal error")
		}
	}()

	now := r.now()
	c.Touch(now)
	r.persistHeartbeat(ctx, c, now)

	if !c.allow() {
		c.logger.Debug().Msg("inbound frame dropped by rate limiter")
		r.replyError(ctx, c, ErrRateLimited.Error())
		return
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.logger.Debug().Err(err).Msg("malformed frame")
		r.replyError(ctx, c, "invalid JSON frame")
		return
	}

	frameType := ParseFrameType(frame.Type)
	r.metrics.frameReceived(frameType)

	if err := r.handlers[frameType](ctx, c, &frame); err != nil {
		c.logger.Info().Err(err).Str("frame_type", frame.Type).Msg("frame rejected")
		r.replyError(ctx, c, err.Error())
	}
}

func (r *Router) persistHeartbeat(ctx context.Context, c *Client, now time.Time) {
	if now.Sub(c.lastPersisted) < r.cfg.HeartbeatPersistInterval {
		return
	}
	c.lastPersisted = now

	persistCtx, cancel := r.persistContext(ctx)
	defer cancel()
	if err := r.sessions.Heartbeat(persistCtx, c.ID(), now); err != nil {
		c.logger.Debug().Err(err).Msg("failed to persist heartbeat")
	}
}

func (r *Router) handleUnknown(_ context.Context, _ *Client, frame *inboundFrame) error {
	return fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type)
}

func (r *Router) handlePrivate(ctx context.Context, c *Client, frame *inboundFrame) error {
	toUserID := string(frame.ToUserID)
	if toUserID == "" {
		return fmt.Errorf("%w: toUserId is required", ErrInvalidFrame)
	}
	kind, content, err := validateContent(frame.MessageType, frame.Content)
	if err != nil {
		return err
	}

	// Accepted messages are stored even if the sender disconnects meanwhile.
	persistCtx, cancel := r.persistContext(ctx)
	defer cancel()

	msg, err := r.messages.Persist(persistCtx, &store.Message{
		FromUserID:  c.UserID(),
		ToUserID:    toUserID,
		MessageType: kind,
		Content:     content,
		Status:      store.MessageUnread,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("to_user_id", toUserID).Msg("failed to persist private message")
		return fmt.Errorf("%w: message not saved", ErrPersistence)
	}

	if toUserID != c.UserID() {
		r.sendToUser(ctx, c.UserID(), newPrivateFrame(msg, false, r.now()))
	}

	deliverCtx, cancelDeliver := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout+r.cfg.SendTimeout)
	defer cancelDeliver()
	outcome, err := r.coordinator.Deliver(deliverCtx, msg, toUserID)
	if err != nil {
		c.logger.Error().Err(err).Int64("message_id", msg.ID).Msg("failed to queue private message")
		return fmt.Errorf("%w: message saved but not queued for delivery", ErrPersistence)
	}

	c.logger.Debug().
		Int64("message_id", msg.ID).
		Str("to_user_id", toUserID).
		Stringer("outcome", outcome).
		Msg("private message handled")
	return nil
}

func (r *Router) handleGroup(ctx context.Context, c *Client, frame *inboundFrame) error {
	groupID := string(frame.GroupID)
	if groupID == "" {
		return fmt.Errorf("%w: groupId is required", ErrInvalidFrame)
	}
	kind, content, err := validateContent(frame.MessageType, frame.Content)
	if err != nil {
		return err
	}

	persistCtx, cancel := r.persistContext(ctx)
	defer cancel()

	msg, err := r.messages.Persist(persistCtx, &store.Message{
		FromUserID:  c.UserID(),
		GroupID:     groupID,
		MessageType: kind,
		Content:     content,
		Status:      store.MessageUnread,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("group_id", groupID).Msg("failed to persist group message")
		return fmt.Errorf("%w: message not saved", ErrPersistence)
	}

	// Member fan-out belongs to the group service; the sender gets the ack.
	r.sendToUser(ctx, c.UserID(), newGroupFrame(msg, r.now()))
	return nil
}

func (r *Router) handleTyping(ctx context.Context, c *Client, frame *inboundFrame) error {
	toUserID := string(frame.ToUserID)
	if toUserID == "" {
		return fmt.Errorf("%w: toUserId is required", ErrInvalidFrame)
	}
	if !r.registry.IsOnline(toUserID) {
		return nil
	}
	r.sendToUser(ctx, toUserID, newTypingFrame(c.UserID(), frame.IsTyping, r.now()))
	return nil
}

func (r *Router) handleReadReceipt(ctx context.Context, c *Client, frame *inboundFrame) error {
	messageID, err := strconv.ParseInt(string(frame.MessageID), 10, 64)
	if err != nil || messageID <= 0 {
		return fmt.Errorf("%w: messageId must be a positive integer", ErrInvalidFrame)
	}

	persistCtx, cancel := r.persistContext(ctx)
	defer cancel()

	now := r.now()
	msg, err := r.messages.MarkRead(persistCtx, messageID, c.UserID(), now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: message %d not found", ErrInvalidFrame, messageID)
	case errors.Is(err, store.ErrNotRecipient):
		return fmt.Errorf("%w: message %d is not addressed to you", ErrInvalidFrame, messageID)
	case err != nil:
		c.logger.Error().Err(err).Int64("message_id", messageID).Msg("failed to mark message read")
		return fmt.Errorf("%w: read state not saved", ErrPersistence)
	}

	receipt := newReadReceiptFrame(msg.ID, c.UserID(), now)
	if msg.FromUserID != c.UserID() && r.registry.IsOnline(msg.FromUserID) {
		r.sendToUser(ctx, msg.FromUserID, receipt)
	}
	r.reply(ctx, c, receipt)
	return nil
}

func (r *Router) handleHeartbeat(ctx context.Context, c *Client, _ *inboundFrame) error {
	r.reply(ctx, c, newHeartbeatFrame(r.now()))
	return nil
}

func (r *Router) handleGetOnlineUsers(ctx context.Context, c *Client, _ *inboundFrame) error {
	r.reply(ctx, c, newOnlineUsersFrame(r.presence.OnlineUserIDs(ctx), r.now()))
	return nil
}

func (r *Router) handleLogout(_ context.Context, c *Client, _ *inboundFrame) error {
	c.logger.Info().Msg("client logged out")
	// Closing the transport ends the read pump, which runs the close path.
	if err := c.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("error closing connection on logout")
	}
	return nil
}

// validateContent applies the message type default and the content rules.
func validateContent(kind store.MessageKind, content string) (store.MessageKind, string, error) {
	if kind == 0 {
		kind = store.KindText
	}
	if !kind.Valid() {
		return 0, "", fmt.Errorf("%w: unknown messageType %d", ErrInvalidFrame, kind)
	}
	if strings.TrimSpace(content) == "" {
		return 0, "", fmt.Errorf("%w: content is required", ErrInvalidFrame)
	}

	if kind == store.KindImage {
		imageID, err := strconv.ParseInt(strings.TrimSpace(content), 10, 64)
		if err != nil {
			return 0, "", fmt.Errorf("%w: image content must be a numeric image id", ErrInvalidFrame)
		}
		content = strconv.FormatInt(imageID, 10)
	}
	return kind, content, nil
}

func (r *Router) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
}

// reply sends frame to the connection that triggered it.
func (r *Router) reply(ctx context.Context, c *Client, frame []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if err := c.Send(sendCtx, frame); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send reply")
	}
}

func (r *Router) replyError(ctx context.Context, c *Client, message string) {
	r.reply(ctx, c, newErrorFrame(message, r.now()))
}

// sendToUser is a live-only send; failures are logged and dropped.
func (r *Router) sendToUser(ctx context.Context, userID string, frame []byte) {
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	if _, err := r.registry.SendToUser(sendCtx, userID, frame); err != nil {
		r.logger.Debug().Err(err).Str("user_id", userID).Msg("live send dropped")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
