package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxErrorLength matches the last_error column size.
const maxErrorLength = 512

// GormPushRecordStore is a PushRecordStore backed by a SQL database. Every
// transition is one UPDATE guarded by the record's current state.
type GormPushRecordStore struct {
	db *gorm.DB
}

// NewGormPushRecordStore creates a push record store on db.
func NewGormPushRecordStore(db *gorm.DB) *GormPushRecordStore {
	return &GormPushRecordStore{db: db}
}

// EnsurePending inserts a pending record, leaving an existing one untouched.
func (s *GormPushRecordStore) EnsurePending(ctx context.Context, key PushKey, lastErr string) (bool, error) {
	record := PushRecord{
		MessageID: key.MessageID,
		UserID:    key.UserID,
		Status:    PushPending,
		LastError: truncateError(lastErr),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Get loads the record for key.
func (s *GormPushRecordStore) Get(ctx context.Context, key PushKey) (*PushRecord, error) {
	var record PushRecord
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ?", key.MessageID, key.UserID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListPending returns unleased pending records for userID.
func (s *GormPushRecordStore) ListPending(ctx context.Context, userID string, now time.Time, limit int) ([]PushRecord, error) {
	var records []PushRecord
	err := s.unleased(ctx, now).
		Where("user_id = ? AND status = ?", userID, PushPending).
		Order("message_id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// ListRetryable returns records the retry job may attempt at now.
func (s *GormPushRecordStore) ListRetryable(ctx context.Context, maxRetries int, now time.Time, afterID int64, limit int) ([]PushRecord, error) {
	var records []PushRecord
	err := s.unleased(ctx, now).
		Where("id > ? AND status IN ? AND retry_count < ?", afterID, []PushStatus{PushPending, PushFailed}, maxRetries).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Claim leases the record when it satisfies claim's conditions.
func (s *GormPushRecordStore) Claim(ctx context.Context, key PushKey, claim Claim) (bool, error) {
	query := s.unleased(ctx, claim.Now).
		Model(&PushRecord{}).
		Where("message_id = ? AND user_id = ?", key.MessageID, key.UserID).
		Where("status IN ?", claim.From)
	if claim.MaxRetries > 0 {
		query = query.Where("retry_count < ?", claim.MaxRetries)
	}
	result := query.Updates(map[string]interface{}{
		"claim_token":   claim.Token,
		"claimed_until": claim.Until,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkPushed completes the delivery held under token.
func (s *GormPushRecordStore) MarkPushed(ctx context.Context, key PushKey, token string, at time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	result := s.claimed(ctx, key, token).Updates(map[string]interface{}{
		"status":        PushPushed,
		"push_time":     at,
		"last_error":    "",
		"claim_token":   "",
		"claimed_until": nil,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkFailed records a failed attempt made under token and releases the lease.
func (s *GormPushRecordStore) MarkFailed(ctx context.Context, key PushKey, token, reason string, nextRetryAt time.Time) (bool, error) {
	if token == "" {
		return false, nil
	}
	result := s.claimed(ctx, key, token).Updates(map[string]interface{}{
		"status":        PushFailed,
		"retry_count":   gorm.Expr("retry_count + 1"),
		"last_error":    truncateError(reason),
		"next_retry_at": nextRetryAt,
		"claim_token":   "",
		"claimed_until": nil,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// DeletePushedBefore removes records pushed before the cutoff. Pending and
// failed records are never deleted.
func (s *GormPushRecordStore) DeletePushedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ? AND push_time < ?", PushPushed, before).
		Delete(&PushRecord{})
	return result.RowsAffected, result.Error
}

func (s *GormPushRecordStore) unleased(ctx context.Context, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).
		Where("claimed_until IS NULL OR claimed_until < ?", now)
}

func (s *GormPushRecordStore) claimed(ctx context.Context, key PushKey, token string) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&PushRecord{}).
		Where("message_id = ? AND user_id = ?", key.MessageID, key.UserID).
		Where("claim_token = ? AND status <> ?", token, PushPushed)
}

func truncateError(reason string) string {
	if len(reason) > maxErrorLength {
		return reason[:maxErrorLength]
	}
	return reason
}
