// Package relay tells other nodes of a deployment that a user connected to
// them has undelivered messages waiting.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject carries pending-delivery notifications.
const DefaultSubject = "chatrelay.pending"

// Notifier announces that userID has queued messages.
type Notifier interface {
	NotifyPending(ctx context.Context, userID string) error
}

// Handler reacts to a pending notification for userID.
type Handler func(ctx context.Context, userID string)

// Nop is a Notifier for single-node deployments.
type Nop struct{}

// NotifyPending does nothing.
func (Nop) NotifyPending(context.Context, string) error { return nil }

type pendingNotice struct {
	UserID string `json:"userId"`
	Origin string `json:"origin"`
}

// natsConn is the part of *nats.Conn the relay uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Subject       string
	NodeID        string
	ReconnectWait time.Duration
}

// NATSRelay publishes and consumes pending notifications over NATS. Notices
// published by this node are ignored on receipt.
type NATSRelay struct {
	conn    natsConn
	subject string
	nodeID  string
	logger  zerolog.Logger
}

// Connect dials NATS and returns a relay.
func Connect(cfg Config, logger zerolog.Logger) (*NATSRelay, error) {
	logger = logger.With().Str("component", "relay").Logger()
	wait := cfg.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("chatrelay-"+cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return newRelay(conn, cfg.Subject, cfg.NodeID, logger), nil
}

func newRelay(conn natsConn, subject, nodeID string, logger zerolog.Logger) *NATSRelay {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSRelay{conn: conn, subject: subject, nodeID: nodeID, logger: logger}
}

// NotifyPending publishes a notice for userID.
func (r *NATSRelay) NotifyPending(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(pendingNotice{UserID: userID, Origin: r.nodeID})
	if err != nil {
		return err
	}
	if err := r.conn.Publish(r.subject, data); err != nil {
		return fmt.Errorf("publish pending notice: %w", err)
	}
	return nil
}

// Subscribe invokes handler for notices published by other nodes. Handlers
// receive ctx, so cancelling it stops in-flight work at shutdown.
func (r *NATSRelay) Subscribe(ctx context.Context, handler Handler) error {
	_, err := r.conn.Subscribe(r.subject, func(msg *nats.Msg) {
		var notice pendingNotice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			r.logger.Warn().Err(err).Msg("dropping malformed pending notice")
			return
		}
		if notice.UserID == "" || notice.Origin == r.nodeID {
			return
		}
		handler(ctx, notice.UserID)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.subject, err)
	}
	r.logger.Info().Str("subject", r.subject).Msg("subscribed to pending notices")
	return nil
}

// Close drains the subscription and the connection.
func (r *NATSRelay) Close() error {
	return r.conn.Drain()
}
