package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Outcome is the result of delivering a message to one recipient.
type Outcome int

// Delivery outcomes.
const (
	// Delivered means at least one live connection of the recipient
	// accepted the message. No push record exists.
	Delivered Outcome = iota + 1
	// Queued means a pending push record holds the message until the
	// recipient comes online.
	Queued
)

// String returns the lowercase name of o.
func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}

// DeliveryConfig tunes the Coordinator.
type DeliveryConfig struct {
	SendTimeout     time.Duration
	ClaimLease      time.Duration
	MaxRetries      int
	BatchSize       int
	BackoffMin      time.Duration
	BackoffMax      time.Duration
	PushedRetention time.Duration
}

func (c *Config) deliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		SendTimeout:     c.SendTimeout,
		ClaimLease:      c.ClaimLease,
		MaxRetries:      c.MaxPushRetries,
		BatchSize:       c.RetryBatchSize,
		BackoffMin:      c.RetryBackoffMin,
		BackoffMax:      c.RetryBackoffMax,
		PushedRetention: c.PushedRetention,
	}
}

// FlushResult summarizes one HandleUserOnline call.
type FlushResult struct {
	Pushed  int
	Failed  int
	Skipped int
}

// RetryResult summarizes one RetryPending run.
type RetryResult struct {
	Scanned   int
	Pushed    int
	Failed    int
	Exhausted int
	Offline   int
	Skipped   int
}

type attemptResult int

const (
	attemptPushed attemptResult = iota
	attemptFailed
	attemptSkipped
)

// Coordinator decides between live push and durable queueing for every
// private message and drains the queue later. Every push record change is
// a conditional write guarded by a claim token, so the request path, the
// online flush and the retry job never deliver the same record twice.
type Coordinator struct {
	registry *Registry
	messages store.MessageStore
	records  store.PushRecordStore
	presence *Presence
	notifier relay.Notifier
	backoff  *backoff.Backoff
	cfg      DeliveryConfig
	metrics  *Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewCoordinator creates a delivery coordinator. presence and notifier may
// be nil on single-node deployments.
func NewCoordinator(
	registry *Registry,
	messages store.MessageStore,
	records store.PushRecordStore,
	presence *Presence,
	notifier relay.Notifier,
	cfg DeliveryConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *Coordinator {
	if notifier == nil {
		notifier = relay.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Coordinator{
		registry: registry,
		messages: messages,
		records:  records,
		presence: presence,
		notifier: notifier,
		backoff: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: true,
		},
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "delivery").Logger(),
		now:     time.Now,
	}
}

// Deliver pushes msg to recipientID if they are connected here, and queues
// it otherwise. A failed live send is not an error: it is downgraded to
// Queued. An error is returned only when the queue write fails.
func (c *Coordinator) Deliver(ctx context.Context, msg *store.Message, recipientID string) (Outcome, error) {
	var reason string

	if c.registry.IsOnline(recipientID) {
		sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
		_, err := c.registry.SendToUser(sendCtx, recipientID, newPrivateFrame(msg, false, c.now()))
		cancel()
		if err == nil {
			c.metrics.delivered(Delivered)
			return Delivered, nil
		}
		reason = err.Error()
		c.logger.Info().Err(err).
			Int64("message_id", msg.ID).
			Str("user_id", recipientID).
			Msg("live send failed, queueing message")
	} else {
		reason = "recipient offline"
	}

	key := store.PushKey{MessageID: msg.ID, UserID: recipientID}
	if _, err := c.records.EnsurePending(ctx, key, reason); err != nil {
		return 0, fmt.Errorf("%w: queue message %d for %s: %w", ErrPersistence, msg.ID, recipientID, err)
	}
	c.metrics.delivered(Queued)

	switch {
	case c.registry.IsOnline(recipientID):
		// The recipient may have connected after the online check and
		// flushed before the record existed.
		if _, err := c.HandleUserOnline(ctx, recipientID); err != nil {
			c.logger.Warn().Err(err).Str("user_id", recipientID).Msg("flush after queueing failed")
		}
	case c.presence != nil && c.presence.ActiveElsewhere(ctx, recipientID):
		if err := c.notifier.NotifyPending(ctx, recipientID); err != nil {
			c.logger.Warn().Err(err).Str("user_id", recipientID).Msg("failed to publish pending notice")
		}
	}
	return Queued, nil
}

// HandleUserOnline delivers every pending record of userID to their live
// connections. Only records still pending are touched, so calling it again,
// or from several connections at once, never delivers a message twice.
func (c *Coordinator) HandleUserOnline(ctx context.Context, userID string) (FlushResult, error) {
	var result FlushResult
	from := []store.PushStatus{store.PushPending}

	for {
		records, err := c.records.ListPending(ctx, userID, c.now(), c.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list pending records for %s: %w", userID, err)
		}

		progressed := false
		for i := range records {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			switch c.attempt(ctx, &records[i], from, 0) {
			case attemptPushed:
				result.Pushed++
				progressed = true
			case attemptFailed:
				result.Failed++
				progressed = true
			default:
				result.Skipped++
			}
		}

		if len(records) < c.cfg.BatchSize || !progressed {
			break
		}
	}

	c.metrics.flushed(result.Pushed)
	if result.Pushed > 0 || result.Failed > 0 {
		c.logger.Info().
			Str("user_id", userID).
			Int("pushed", result.Pushed).
			Int("failed", result.Failed).
			Msg("flushed queued messages")
	}
	return result, nil
}

// RetryPending re-attempts pending and failed records below the retry
// bound whose backoff has elapsed. Records of users with no connection on
// this node are skipped; the flush on their next connection drains them.
// Per-record failures are counted and the run continues.
func (c *Coordinator) RetryPending(ctx context.Context) (RetryResult, error) {
	var (
		result  RetryResult
		afterID int64
	)
	from := []store.PushStatus{store.PushPending, store.PushFailed}

	for {
		records, err := c.records.ListRetryable(ctx, c.cfg.MaxRetries, c.now(), afterID, c.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("list retryable records: %w", err)
		}

		for i := range records {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			record := &records[i]
			afterID = record.ID
			result.Scanned++

			if !c.registry.IsOnline(record.UserID) {
				result.Offline++
				continue
			}

			switch c.attempt(ctx, record, from, c.cfg.MaxRetries) {
			case attemptPushed:
				result.Pushed++
				c.metrics.retried("pushed")
			case attemptFailed:
				result.Failed++
				c.metrics.retried("failed")
				if record.RetryCount+1 >= c.cfg.MaxRetries {
					result.Exhausted++
				}
			default:
				result.Skipped++
			}
		}

		if len(records) < c.cfg.BatchSize {
			break
		}
	}

	if result.Scanned > 0 {
		c.logger.Info().
			Int("scanned", result.Scanned).
			Int("pushed", result.Pushed).
			Int("failed", result.Failed).
			Int("exhausted", result.Exhausted).
			Int("offline", result.Offline).
			Msg("retry run finished")
	}
	return result, nil
}

// CleanupPushed deletes pushed records older than the retention window.
// Pending and failed records are kept regardless of age.
func (c *Coordinator) CleanupPushed(ctx context.Context) (int64, error) {
	cutoff := c.now().Add(-c.cfg.PushedRetention)
	deleted, err := c.records.DeletePushedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete pushed records: %w", err)
	}
	c.metrics.cleaned(deleted)
	c.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("cleaned up pushed records")
	return deleted, nil
}

// attempt claims record, sends it live as an offline message and settles
// the claim. Losing the claim to another worker skips the record.
func (c *Coordinator) attempt(ctx context.Context, record *store.PushRecord, from []store.PushStatus, maxRetries int) attemptResult {
	key := record.Key()
	token := uuid.NewString()
	now := c.now()
	log := c.logger.With().Int64("message_id", key.MessageID).Str("user_id", key.UserID).Logger()

	claimed, err := c.records.Claim(ctx, key, store.Claim{
		Token:      token,
		From:       from,
		MaxRetries: maxRetries,
		Now:        now,
		Until:      now.Add(c.cfg.ClaimLease),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to claim push record")
		return attemptSkipped
	}
	if !claimed {
		return attemptSkipped
	}

	sendErr := c.sendQueued(ctx, key)
	if sendErr == nil {
		ok, err := c.records.MarkPushed(ctx, key, token, c.now())
		if err != nil {
			// The lease expires and the record is retried; the client may
			// see the message again.
			log.Error().Err(err).Msg("message sent but push record not updated")
		} else if !ok {
			log.Warn().Msg("push record claim lost before completion")
		}
		return attemptPushed
	}

	nextRetry := c.now().Add(c.backoff.ForAttempt(float64(record.RetryCount)))
	if _, err := c.records.MarkFailed(ctx, key, token, sendErr.Error(), nextRetry); err != nil {
		log.Error().Err(err).Msg("failed to record push failure")
	}

	attempts := record.RetryCount + 1
	if c.cfg.MaxRetries > 0 && attempts >= c.cfg.MaxRetries {
		c.metrics.exhausted()
		log.Error().Err(fmt.Errorf("%w: %w", ErrRetryExhausted, sendErr)).
			Int("retry_count", attempts).
			Msg("push record left failed after reaching the retry bound")
	} else {
		log.Warn().Err(sendErr).Int("retry_count", attempts).Time("next_retry_at", nextRetry).Msg("queued delivery failed")
	}
	return attemptFailed
}

func (c *Coordinator) sendQueued(ctx context.Context, key store.PushKey) error {
	msg, err := c.messages.FindByID(ctx, key.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("message %d no longer exists", key.MessageID)
		}
		return fmt.Errorf("load message %d: %w", key.MessageID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	_, err = c.registry.SendToUser(sendCtx, key.UserID, newPrivateFrame(msg, true, c.now()))
	return err
}
