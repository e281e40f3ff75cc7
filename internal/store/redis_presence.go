package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces presence keys.
const DefaultRedisKeyPrefix = "chatrelay:presence:"

// RedisPresenceStore keeps durable sessions in Redis so every node of a
// deployment shares one presence view.
//
// Layout:
//
//	<prefix>session:<sessionID>       hash, expires after ttl
//	<prefix>user:<userID>:sessions    zset sessionID → last heartbeat (ms)
//	<prefix>active                    zset userID → latest heartbeat (ms)
type RedisPresenceStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPresenceStore creates a presence store. Session hashes expire after
// ttl without a heartbeat.
func NewRedisPresenceStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisPresenceStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPresenceStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisPresenceStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.keyPrefix, sessionID)
}

func (s *RedisPresenceStore) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s:sessions", s.keyPrefix, userID)
}

func (s *RedisPresenceStore) activeKey() string {
	return s.keyPrefix + "active"
}

// MarkOnline stores the session and indexes it under its user.
func (s *RedisPresenceStore) MarkOnline(ctx context.Context, session Session) error {
	if session.ConnectTime.IsZero() {
		session.ConnectTime = time.Now()
	}
	if session.LastHeartbeat.IsZero() {
		session.LastHeartbeat = session.ConnectTime
	}
	score := float64(session.LastHeartbeat.UnixMilli())

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.sessionKey(session.SessionID)
		pipe.HSet(ctx, key, map[string]interface{}{
			"user_id":        session.UserID,
			"connect_time":   session.ConnectTime.UnixMilli(),
			"last_heartbeat": session.LastHeartbeat.UnixMilli(),
			"client_info":    session.ClientInfo,
			"ip_address":     session.IPAddress,
		})
		pipe.Expire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, s.userKey(session.UserID), redis.Z{Score: score, Member: session.SessionID})
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: score, Member: session.UserID})
		return nil
	})
	return err
}

// Heartbeat refreshes a known session. Unknown or expired sessions are ignored.
func (s *RedisPresenceStore) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	userID, err := s.sessionUser(ctx, sessionID)
	if err != nil || userID == "" {
		return err
	}
	score := float64(at.UnixMilli())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.sessionKey(sessionID)
		pipe.HSet(ctx, key, "last_heartbeat", at.UnixMilli())
		pipe.Expire(ctx, key, s.ttl)
		pipe.ZAdd(ctx, s.userKey(userID), redis.Z{Score: score, Member: sessionID})
		pipe.ZAdd(ctx, s.activeKey(), redis.Z{Score: score, Member: userID})
		return nil
	})
	return err
}

// MarkOffline removes the session and recomputes the user's latest heartbeat.
func (s *RedisPresenceStore) MarkOffline(ctx context.Context, sessionID string) error {
	userID, err := s.sessionUser(ctx, sessionID)
	if err != nil || userID == "" {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(sessionID))
		pipe.ZRem(ctx, s.userKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return err
	}
	return s.refreshUser(ctx, userID)
}

// IsUserActive counts the user's sessions with a heartbeat at or after since.
func (s *RedisPresenceStore) IsUserActive(ctx context.Context, userID string, since time.Time) (bool, error) {
	n, err := s.client.ZCount(ctx, s.userKey(userID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveUserIDs lists users whose latest heartbeat is at or after since.
func (s *RedisPresenceStore) ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
}

// ExpireStale drops sessions whose heartbeat is older than the cutoff and
// returns how many were removed.
func (s *RedisPresenceStore) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	cutoff := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	userIDs, err := s.client.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, userID := range userIDs {
		n, err := s.client.ZRemRangeByScore(ctx, s.userKey(userID), "-inf", cutoff).Result()
		if err != nil {
			return removed, err
		}
		removed += n
		if err := s.refreshUser(ctx, userID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// refreshUser sets the user's active score to their freshest session, or
// removes them when no session is left.
func (s *RedisPresenceStore) refreshUser(ctx context.Context, userID string) error {
	latest, err := s.client.ZRevRangeWithScores(ctx, s.userKey(userID), 0, 0).Result()
	if err != nil {
		return err
	}
	if len(latest) == 0 {
		return s.client.ZRem(ctx, s.activeKey(), userID).Err()
	}
	return s.client.ZAdd(ctx, s.activeKey(), redis.Z{Score: latest[0].Score, Member: userID}).Err()
}

func (s *RedisPresenceStore) sessionUser(ctx context.Context, sessionID string) (string, error) {
	userID, err := s.client.HGet(ctx, s.sessionKey(sessionID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return userID, err
}
