package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPresenceStore keeps durable session records in a SQL table.
type GormPresenceStore struct {
	db *gorm.DB
}

// NewGormPresenceStore creates a presence store on db.
func NewGormPresenceStore(db *gorm.DB) *GormPresenceStore {
	return &GormPresenceStore{db: db}
}

// MarkOnline inserts an active session, reactivating a record left behind by
// an earlier connection with the same id.
func (s *GormPresenceStore) MarkOnline(ctx context.Context, session Session) error {
	now := time.Now()
	if session.ConnectTime.IsZero() {
		session.ConnectTime = now
	}
	if session.LastHeartbeat.IsZero() {
		session.LastHeartbeat = session.ConnectTime
	}
	session.ID = 0
	session.Status = SessionActive

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "status", "connect_time", "last_heartbeat", "client_info", "ip_address", "updated_at",
			}),
		}).
		Create(&session).Error
}

// Heartbeat refreshes the heartbeat of an active session.
func (s *GormPresenceStore) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ? AND status = ?", sessionID, SessionActive).
		Update("last_heartbeat", at).Error
}

// MarkOffline marks the session offline. Unknown sessions are ignored.
func (s *GormPresenceStore) MarkOffline(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("session_id = ? AND status = ?", sessionID, SessionActive).
		Update("status", SessionOffline).Error
}

// IsUserActive reports whether userID has a fresh active session.
func (s *GormPresenceStore) IsUserActive(ctx context.Context, userID string, since time.Time) (bool, error) {
	var count int64
	err := s.active(ctx, since).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count > 0, err
}

// ActiveUserIDs lists users with a fresh active session.
func (s *GormPresenceStore) ActiveUserIDs(ctx context.Context, since time.Time) ([]string, error) {
	var userIDs []string
	err := s.active(ctx, since).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}

// ExpireStale marks sessions whose heartbeat stopped before the cutoff offline.
func (s *GormPresenceStore) ExpireStale(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("status = ? AND last_heartbeat < ?", SessionActive, before).
		Update("status", SessionOffline)
	return result.RowsAffected, result.Error
}

func (s *GormPresenceStore) active(ctx context.Context, since time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("status = ? AND last_heartbeat >= ?", SessionActive, since)
}
