package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a message or record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotRecipient is returned when a user tries to mark a message read
	// that was not addressed to them.
	ErrNotRecipient = errors.New("store: user is not the message recipient")
)

// MessageStore persists and queries chat messages.
type MessageStore interface {
	// Persist assigns an id and a send time and stores the message.
	Persist(ctx context.Context, msg *Message) (*Message, error)
	FindByID(ctx context.Context, id int64) (*Message, error)
	// FindUnread returns unread private messages addressed to userID in send order.
	FindUnread(ctx context.Context, userID string) ([]Message, error)
	// MarkRead moves an unread message addressed to readerID to read.
	// Marking an already read message again is not an error.
	MarkRead(ctx context.Context, id int64, readerID string, at time.Time) (*Message, error)
}

// Claim describes a conditional lease on a push record. The lease is granted
// only when the record is in one of From, is not leased by someone else at
// Now and, when MaxRetries is positive, has retry_count below MaxRetries.
type Claim struct {
	Token      string
	From       []PushStatus
	MaxRetries int
	Now        time.Time
	Until      time.Time
}

// PushRecordStore persists per-recipient delivery bookkeeping. Every state
// change is a single conditional write keyed by PushKey so the request path
// and background jobs never lose each other's updates.
type PushRecordStore interface {
	// EnsurePending creates a pending record for key unless one already
	// exists. It reports whether a record was created.
	EnsurePending(ctx context.Context, key PushKey, lastErr string) (bool, error)
	Get(ctx context.Context, key PushKey) (*PushRecord, error)
	// ListPending returns unleased pending records of userID in message order.
	ListPending(ctx context.Context, userID string, now time.Time, limit int) ([]PushRecord, error)
	// ListRetryable returns unleased pending or failed records below
	// maxRetries whose next retry time has come, with id greater than
	// afterID in id order.
	ListRetryable(ctx context.Context, maxRetries int, now time.Time, afterID int64, limit int) ([]PushRecord, error)
	Claim(ctx context.Context, key PushKey, claim Claim) (bool, error)
	// MarkPushed completes a claimed delivery. It succeeds at most once per record.
	MarkPushed(ctx context.Context, key PushKey, token string, at time.Time) (bool, error)
	// MarkFailed releases a claim after a failed attempt, incrementing
	// retry_count and recording the error and next retry time.
	MarkFailed(ctx context.Context, key PushKey, token, reason string, nextRetryAt time.Time) (bool, error)
	// DeletePushedBefore removes records pushed before the cutoff.
	DeletePushedBefore(ctx context.Context, before time.Time) (int64, error)
}

// PresenceStore persists durable session records.
type PresenceStore interface {
	MarkOnline(ctx context.Context, session Session) error
	Heartbeat(ctx context.Context, sessionID string, at time.Time) error
	MarkOffline(ctx context.Context, sessionID string) error
	// IsUserActive reports whether userID has an active session with a
	// heartbeat at or after since.
	IsUserActive(ctx context.Context, userID string, since time.Time) (bool, error)
	ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error)
	// ExpireStale marks active sessions with a heartbeat before the cutoff offline.
	ExpireStale(ctx context.Context, before time.Time) (int64, error)
}

// sendClock hands out strictly increasing send times at millisecond
// resolution, the precision SQL backends keep.
type sendClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *sendClock) next(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := now.Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

func containsStatus(statuses []PushStatus, s PushStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
