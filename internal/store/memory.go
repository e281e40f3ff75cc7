package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryMessageStore keeps messages in process memory. It backs single-node
// development runs (DB_DRIVER=memory) and tests.
type MemoryMessageStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Message
	clock  sendClock
}

// NewMemoryMessageStore creates an empty message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{byID: make(map[int64]*Message)}
}

// Persist stores a copy of msg with a fresh id.
func (s *MemoryMessageStore) Persist(ctx context.Context, msg *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now()
	stored := *msg
	stored.ID = s.nextID
	stored.Status = MessageUnread
	stored.ReadTime = nil
	stored.SendTime = s.clock.next(now)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = &stored

	out := stored
	return &out, nil
}

// FindByID returns a copy of the message.
func (s *MemoryMessageStore) FindByID(ctx context.Context, id int64) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *msg
	return &out, nil
}

// FindUnread returns unread private messages addressed to userID.
func (s *MemoryMessageStore) FindUnread(ctx context.Context, userID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []Message
	for _, msg := range s.byID {
		if msg.ToUserID == userID && msg.Status == MessageUnread {
			msgs = append(msgs, *msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

// MarkRead moves the message to read when readerID is its recipient.
func (s *MemoryMessageStore) MarkRead(ctx context.Context, id int64, readerID string, at time.Time) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.ToUserID != readerID {
		return nil, ErrNotRecipient
	}
	if msg.Status == MessageUnread {
		readAt := at
		msg.Status = MessageRead
		msg.ReadTime = &readAt
		msg.UpdatedAt = at
	}
	out := *msg
	return &out, nil
}

// MemoryPushRecordStore keeps push records in process memory with the same
// conditional-write semantics as the SQL store.
type MemoryPushRecordStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[PushKey]*PushRecord
}

// NewMemoryPushRecordStore creates an empty push record store.
func NewMemoryPushRecordStore() *MemoryPushRecordStore {
	return &MemoryPushRecordStore{records: make(map[PushKey]*PushRecord)}
}

// EnsurePending creates a pending record unless one exists.
func (s *MemoryPushRecordStore) EnsurePending(ctx context.Context, key PushKey, lastErr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; ok {
		return false, nil
	}
	s.nextID++
	now := time.Now()
	s.records[key] = &PushRecord{
		ID:        s.nextID,
		MessageID: key.MessageID,
		UserID:    key.UserID,
		Status:    PushPending,
		LastError: truncateError(lastErr),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

// Get returns a copy of the record.
func (s *MemoryPushRecordStore) Get(ctx context.Context, key PushKey) (*PushRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *record
	return &out, nil
}

// ListPending returns unleased pending records of userID ordered by message id.
func (s *MemoryPushRecordStore) ListPending(ctx context.Context, userID string, now time.Time, limit int) ([]PushRecord, error) {
	return s.list(ctx, limit, func(r *PushRecord) bool {
		return r.UserID == userID && r.Status == PushPending && unleasedAt(r, now)
	}, func(a, b PushRecord) bool { return a.MessageID < b.MessageID })
}

// ListRetryable returns records the retry job may attempt at now.
func (s *MemoryPushRecordStore) ListRetryable(ctx context.Context, maxRetries int, now time.Time, afterID int64, limit int) ([]PushRecord, error) {
	return s.list(ctx, limit, func(r *PushRecord) bool {
		return r.ID > afterID &&
			(r.Status == PushPending || r.Status == PushFailed) &&
			r.RetryCount < maxRetries &&
			(r.NextRetryAt == nil || !r.NextRetryAt.After(now)) &&
			unleasedAt(r, now)
	}, func(a, b PushRecord) bool { return a.ID < b.ID })
}

// Claim leases the record when it satisfies claim's conditions.
func (s *MemoryPushRecordStore) Claim(ctx context.Context, key PushKey, claim Claim) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || !containsStatus(claim.From, record.Status) || !unleasedAt(record, claim.Now) {
		return false, nil
	}
	if claim.MaxRetries > 0 && record.RetryCount >= claim.MaxRetries {
		return false, nil
	}
	until := claim.Until
	record.ClaimToken = claim.Token
	record.ClaimedUntil = &until
	record.UpdatedAt = claim.Now
	return true, nil
}

// MarkPushed completes the delivery held under token.
func (s *MemoryPushRecordStore) MarkPushed(ctx context.Context, key PushKey, token string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.heldBy(key, token)
	if !ok {
		return false, nil
	}
	pushedAt := at
	record.Status = PushPushed
	record.PushTime = &pushedAt
	record.LastError = ""
	record.ClaimToken = ""
	record.ClaimedUntil = nil
	record.UpdatedAt = at
	return true, nil
}

// MarkFailed records a failed attempt made under token.
func (s *MemoryPushRecordStore) MarkFailed(ctx context.Context, key PushKey, token, reason string, nextRetryAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.heldBy(key, token)
	if !ok {
		return false, nil
	}
	next := nextRetryAt
	record.Status = PushFailed
	record.RetryCount++
	record.LastError = truncateError(reason)
	record.NextRetryAt = &next
	record.ClaimToken = ""
	record.ClaimedUntil = nil
	record.UpdatedAt = time.Now()
	return true, nil
}

// DeletePushedBefore removes records pushed before the cutoff.
func (s *MemoryPushRecordStore) DeletePushedBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, record := range s.records {
		if record.Status == PushPushed && record.PushTime != nil && record.PushTime.Before(before) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryPushRecordStore) heldBy(key PushKey, token string) (*PushRecord, bool) {
	record, ok := s.records[key]
	if !ok || token == "" || record.ClaimToken != token || record.Status == PushPushed {
		return nil, false
	}
	return record, true
}

func (s *MemoryPushRecordStore) list(ctx context.Context, limit int, match func(*PushRecord) bool, less func(a, b PushRecord) bool) ([]PushRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []PushRecord
	for _, record := range s.records {
		if match(record) {
			out = append(out, *record)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func unleasedAt(r *PushRecord, now time.Time) bool {
	return r.ClaimedUntil == nil || r.ClaimedUntil.Before(now)
}

// MemoryPresenceStore keeps session records in process memory.
type MemoryPresenceStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryPresenceStore creates an empty presence store.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{sessions: make(map[string]*Session)}
}

// MarkOnline records an active session.
func (s *MemoryPresenceStore) MarkOnline(ctx context.Context, session Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session.ConnectTime.IsZero() {
		session.ConnectTime = time.Now()
	}
	if session.LastHeartbeat.IsZero() {
		session.LastHeartbeat = session.ConnectTime
	}
	session.Status = SessionActive

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = &session
	return nil
}

// Heartbeat refreshes an active session.
func (s *MemoryPresenceStore) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok && session.Status == SessionActive {
		session.LastHeartbeat = at
	}
	return nil
}

// MarkOffline marks the session offline.
func (s *MemoryPresenceStore) MarkOffline(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		session.Status = SessionOffline
	}
	return nil
}

// IsUserActive reports whether userID has a fresh active session.
func (s *MemoryPresenceStore) IsUserActive(ctx context.Context, userID string, since time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.UserID == userID && freshAt(session, since) {
			return true, nil
		}
	}
	return false, nil
}

// ActiveUserIDs lists users with a fresh active session.
func (s *MemoryPresenceStore) ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var userIDs []string
	for _, session := range s.sessions {
		if !freshAt(session, since) {
			continue
		}
		if _, ok := seen[session.UserID]; !ok {
			seen[session.UserID] = struct{}{}
			userIDs = append(userIDs, session.UserID)
		}
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

// ExpireStale marks sessions with a heartbeat before the cutoff offline.
func (s *MemoryPresenceStore) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, session := range s.sessions {
		if session.Status == SessionActive && session.LastHeartbeat.Before(before) {
			session.Status = SessionOffline
			expired++
		}
	}
	return expired, nil
}

func freshAt(session *Session, since time.Time) bool {
	return session.Status == SessionActive && !session.LastHeartbeat.Before(since)
}
