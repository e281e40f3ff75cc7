// Package store defines the persisted entities of the delivery core and the
// storage collaborators that read and write them: messages, push records and
// durable session records.
package store

import (
	"time"
)

// MessageKind is the content type of a chat message.
type MessageKind int

// Message kinds.
const (
	KindText   MessageKind = 1
	KindImage  MessageKind = 2
	KindFile   MessageKind = 3
	KindVoice  MessageKind = 4
	KindVideo  MessageKind = 5
	KindSystem MessageKind = 6
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k >= KindText && k <= KindSystem
}

// MessageStatus tracks the read state of a message.
type MessageStatus int

// Message statuses. Transitions only go forward: unread → read → recalled.
const (
	MessageUnread   MessageStatus = 0
	MessageRead     MessageStatus = 1
	MessageRecalled MessageStatus = 2
)

// Message is a persisted chat message. It is immutable after creation except
// for Status and ReadTime.
type Message struct {
	ID          int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	FromUserID  string        `gorm:"size:64;not null;index" json:"fromUserId"`
	ToUserID    string        `gorm:"size:64;index:idx_messages_to_status" json:"toUserId,omitempty"`
	GroupID     string        `gorm:"size:64;index" json:"groupId,omitempty"`
	MessageType MessageKind   `gorm:"not null;default:1" json:"messageType"`
	Content     string        `gorm:"type:text" json:"content"`
	Status      MessageStatus `gorm:"not null;default:0;index:idx_messages_to_status" json:"status"`
	SendTime    time.Time     `gorm:"not null" json:"sendTime"`
	ReadTime    *time.Time    `json:"readTime,omitempty"`
	CreatedAt   time.Time     `json:"createTime"`
	UpdatedAt   time.Time     `json:"updateTime"`
}

// TableName overrides the default table name.
func (Message) TableName() string { return "messages" }

// IsGroup reports whether the message was sent to a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// PushStatus is the delivery state of a push record.
type PushStatus string

// Push record statuses.
const (
	PushPending PushStatus = "pending"
	PushPushed  PushStatus = "pushed"
	PushFailed  PushStatus = "failed"
)

// PushKey identifies a push record. There is exactly one record per key.
type PushKey struct {
	MessageID int64
	UserID    string
}

// PushRecord tracks delivery of one message to one recipient that could not
// be confirmed live.
type PushRecord struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID    int64      `gorm:"not null;uniqueIndex:uk_push_message_user,priority:1" json:"messageId"`
	UserID       string     `gorm:"size:64;not null;uniqueIndex:uk_push_message_user,priority:2;index:idx_push_user_status,priority:1" json:"userId"`
	Status       PushStatus `gorm:"size:16;not null;default:pending;index:idx_push_user_status,priority:2;index:idx_push_status_retry,priority:1" json:"status"`
	RetryCount   int        `gorm:"not null;default:0;index:idx_push_status_retry,priority:2" json:"retryCount"`
	LastError    string     `gorm:"size:512" json:"lastError,omitempty"`
	PushTime     *time.Time `json:"pushTime,omitempty"`
	NextRetryAt  *time.Time `gorm:"index" json:"nextRetryAt,omitempty"`
	ClaimToken   string     `gorm:"size:64" json:"-"`
	ClaimedUntil *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"createTime"`
	UpdatedAt    time.Time  `json:"updateTime"`
}

// TableName overrides the default table name.
func (PushRecord) TableName() string { return "message_push_records" }

// Key returns the record's identity.
func (r *PushRecord) Key() PushKey {
	return PushKey{MessageID: r.MessageID, UserID: r.UserID}
}

// SessionStatus is the state of a durable session record.
type SessionStatus string

// Session statuses.
const (
	SessionActive  SessionStatus = "active"
	SessionOffline SessionStatus = "offline"
)

// Session is the durable record of one live connection. It lets other
// processes answer presence queries for users connected elsewhere.
type Session struct {
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID     string        `gorm:"size:64;not null;uniqueIndex" json:"sessionId"`
	UserID        string        `gorm:"size:64;not null;index:idx_sessions_user_status,priority:1" json:"userId"`
	Status        SessionStatus `gorm:"size:16;not null;index:idx_sessions_user_status,priority:2" json:"status"`
	ConnectTime   time.Time     `json:"connectTime"`
	LastHeartbeat time.Time     `gorm:"index" json:"lastHeartbeat"`
	ClientInfo    string        `gorm:"size:255" json:"clientInfo,omitempty"`
	IPAddress     string        `gorm:"size:64" json:"ipAddress,omitempty"`
	CreatedAt     time.Time     `json:"createTime"`
	UpdatedAt     time.Time     `json:"updateTime"`
}

// TableName overrides the default table name.
func (Session) TableName() string { return "user_sessions" }
