package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// GormMessageStore is a MessageStore backed by a SQL database.
type GormMessageStore struct {
	db    *gorm.DB
	clock sendClock
}

// NewGormMessageStore creates a message store on db.
func NewGormMessageStore(db *gorm.DB) *GormMessageStore {
	return &GormMessageStore{db: db}
}

// Persist stores msg with a fresh id and a monotonic send time.
func (s *GormMessageStore) Persist(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	stored.ID = 0
	stored.Status = MessageUnread
	stored.ReadTime = nil
	stored.SendTime = s.clock.next(time.Now())
	if err := s.db.WithContext(ctx).Create(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// FindByID loads a message.
func (s *GormMessageStore) FindByID(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindUnread returns unread private messages addressed to userID.
func (s *GormMessageStore) FindUnread(ctx context.Context, userID string) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).
		Where("to_user_id = ? AND status = ?", userID, MessageUnread).
		Order("send_time ASC, id ASC").
		Find(&msgs).Error
	return msgs, err
}

// MarkRead moves the message to read when readerID is its recipient.
func (s *GormMessageStore) MarkRead(ctx context.Context, id int64, readerID string, at time.Time) (*Message, error) {
	result := s.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND to_user_id = ? AND status = ?", id, readerID, MessageUnread).
		Updates(map[string]interface{}{
			"status":    MessageRead,
			"read_time": at,
		})
	if result.Error != nil {
		return nil, result.Error
	}

	msg, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.ToUserID != readerID {
		return nil, ErrNotRecipient
	}
	return msg, nil
}
