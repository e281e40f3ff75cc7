package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry tracks the live connections of every user on this node. It is
// the single source of truth for local reachability. The lock guards the
// maps only and is never held while sending.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	byID   map[string]Conn

	metrics *Metrics
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics, logger zerolog.Logger) *Registry {
	return &Registry{
		byUser:  make(map[string]map[string]Conn),
		byID:    make(map[string]Conn),
		metrics: metrics,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Register adds conn to its user's set. A connection already registered
// under the same id is replaced and closed.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	stale, replaced := r.byID[conn.ID()]
	if replaced {
		r.removeLocked(stale)
	}
	r.byID[conn.ID()] = conn
	conns, ok := r.byUser[conn.UserID()]
	if !ok {
		conns = make(map[string]Conn)
		r.byUser[conn.UserID()] = conns
	}
	conns[conn.ID()] = conn
	total := len(r.byID)
	r.mu.Unlock()

	if replaced && stale != conn {
		r.logger.Info().Str("conn_id", conn.ID()).Msg("replacing connection registered under the same id")
		r.closeConn(stale)
	}
	r.metrics.setActiveConnections(total)
	r.logger.Debug().
		Str("conn_id", conn.ID()).
		Str("user_id", conn.UserID()).
		Int("total_connections", total).
		Msg("connection registered")
}

// Remove deletes the connection with connID. Unknown ids are ignored.
// It reports whether an entry was removed.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	conn, ok := r.byID[connID]
	if ok {
		r.removeLocked(conn)
	}
	total := len(r.byID)
	r.mu.Unlock()

	if ok {
		r.metrics.setActiveConnections(total)
	}
	return ok
}

// Unregister removes conn only if its id still maps to this exact
// connection, so a replaced connection shutting down cannot evict its
// successor. It reports whether conn was removed.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	current, ok := r.byID[conn.ID()]
	ok = ok && current == conn
	if ok {
		r.removeLocked(conn)
	}
	total := len(r.byID)
	r.mu.Unlock()

	if ok {
		r.metrics.setActiveConnections(total)
	}
	return ok
}

func (r *Registry) removeLocked(conn Conn) {
	delete(r.byID, conn.ID())
	conns := r.byUser[conn.UserID()]
	if conns[conn.ID()] == conn {
		delete(conns, conn.ID())
	}
	if len(conns) == 0 {
		delete(r.byUser, conn.UserID())
	}
}

// ListOpen returns the user's open connections. Closed ones found on the
// way are removed.
func (r *Registry) ListOpen(userID string) []Conn {
	r.mu.RLock()
	candidates := make([]Conn, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		candidates = append(candidates, conn)
	}
	r.mu.RUnlock()

	open := candidates[:0]
	for _, conn := range candidates {
		if conn.IsOpen() {
			open = append(open, conn)
			continue
		}
		r.Unregister(conn)
	}
	return open
}

// IsOnline reports whether the user has at least one open connection here.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.ListOpen(userID)) > 0
}

// SendToUser writes frame to every open connection of the user. A
// connection whose send fails is removed and closed; the others still
// receive the frame. It returns how many connections accepted the frame and
// ErrNoLiveConnection when none did.
func (r *Registry) SendToUser(ctx context.Context, userID string, frame []byte) (int, error) {
	sent, lastErr := r.sendAll(ctx, r.ListOpen(userID), frame)
	if sent > 0 {
		return sent, nil
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w: user %s: %w", ErrNoLiveConnection, userID, lastErr)
	}
	return 0, fmt.Errorf("%w: user %s", ErrNoLiveConnection, userID)
}

// BroadcastAll writes frame to every open connection and returns how many
// accepted it.
func (r *Registry) BroadcastAll(ctx context.Context, frame []byte) int {
	var open []Conn
	for _, conn := range r.Snapshot() {
		if conn.IsOpen() {
			open = append(open, conn)
		} else {
			r.Unregister(conn)
		}
	}
	sent, _ := r.sendAll(ctx, open, frame)
	return sent
}

func (r *Registry) sendAll(ctx context.Context, conns []Conn, frame []byte) (int, error) {
	var (
		sent    int
		lastErr error
	)
	for _, conn := range conns {
		if err := conn.Send(ctx, frame); err != nil {
			lastErr = err
			r.logger.Warn().Err(err).
				Str("conn_id", conn.ID()).
				Str("user_id", conn.UserID()).
				Msg("send failed, removing connection")
			if r.Unregister(conn) {
				r.closeConn(conn)
			}
			continue
		}
		sent++
	}
	return sent, lastErr
}

// Lookup returns the connection registered under connID.
func (r *Registry) Lookup(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connID]
	return conn, ok
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	return conns
}

// OnlineUserIDs returns the sorted ids of users with an open connection.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	online := users[:0]
	for _, userID := range users {
		if r.IsOnline(userID) {
			online = append(online, userID)
		}
	}
	sort.Strings(online)
	return online
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Drain removes and closes every connection. It is called once at shutdown.
func (r *Registry) Drain(ctx context.Context) int {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.byID = make(map[string]Conn)
	r.byUser = make(map[string]map[string]Conn)
	r.mu.Unlock()

	r.metrics.setActiveConnections(0)

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn Conn) {
			defer wg.Done()
			r.closeConn(conn)
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info().Int("connections", len(conns)).Msg("closed client connections")
	case <-ctx.Done():
		r.logger.Warn().Int("connections", len(conns)).Msg("drain deadline reached before every connection closed")
	}
	return len(conns)
}

func (r *Registry) closeConn(conn Conn) {
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		r.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("error closing connection")
	}
}
