package server

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Presence answers whether a user is online anywhere in the deployment: a
// user is online when this node holds an open connection for them or a
// durable session record was refreshed within ttl.
type Presence struct {
	registry *Registry
	sessions store.PresenceStore
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPresence creates a presence view over the registry and session store.
func NewPresence(registry *Registry, sessions store.PresenceStore, ttl time.Duration, logger zerolog.Logger) *Presence {
	return &Presence{
		registry: registry,
		sessions: sessions,
		ttl:      ttl,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      time.Now,
	}
}

// IsOnline reports whether userID is reachable on any node. Session store
// errors fall back to the local answer.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	if p.registry.IsOnline(userID) {
		return true
	}
	return p.ActiveElsewhere(ctx, userID)
}

// ActiveElsewhere reports whether userID has a fresh durable session,
// regardless of this node's registry.
func (p *Presence) ActiveElsewhere(ctx context.Context, userID string) bool {
	if p.sessions == nil {
		return false
	}
	active, err := p.sessions.IsUserActive(ctx, userID, p.now().Add(-p.ttl))
	if err != nil {
		p.logger.Warn().Err(err).Str("user_id", userID).Msg("session store unavailable, using local presence")
		return false
	}
	return active
}

// OnlineUserIDs returns the sorted union of local and durable presence.
func (p *Presence) OnlineUserIDs(ctx context.Context) []string {
	local := p.registry.OnlineUserIDs()
	if p.sessions == nil {
		return local
	}

	remote, err := p.sessions.ActiveUserIDs(ctx, p.now().Add(-p.ttl))
	if err != nil {
		p.logger.Warn().Err(err).Msg("session store unavailable, using local presence")
		return local
	}

	seen := make(map[string]struct{}, len(local)+len(remote))
	users := make([]string, 0, len(local)+len(remote))
	for _, group := range [][]string{local, remote} {
		for _, userID := range group {
			if _, ok := seen[userID]; ok {
				continue
			}
			seen[userID] = struct{}{}
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}
