package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// ID is a user, group or message identifier. Clients may send it as a JSON
// string or a JSON number; it is always kept as its decimal string form.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// inboundFrame is the union of every client frame. Only the fields relevant
// to Type are read by its handler.
type inboundFrame struct {
	Type        string            `json:"type"`
	ToUserID    ID                `json:"toUserId"`
	GroupID     ID                `json:"groupId"`
	Content     string            `json:"content"`
	MessageType store.MessageKind `json:"messageType"`
	IsTyping    bool              `json:"isTyping"`
	MessageID   ID                `json:"messageId"`
}

type connectionFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type privateFrame struct {
	Type             string         `json:"type"`
	FromUserID       string         `json:"fromUserId"`
	ToUserID         string         `json:"toUserId"`
	Message          *store.Message `json:"message"`
	Timestamp        int64          `json:"timestamp"`
	IsOfflineMessage bool           `json:"isOfflineMessage,omitempty"`
}

type groupFrame struct {
	Type       string         `json:"type"`
	FromUserID string         `json:"fromUserId"`
	GroupID    string         `json:"groupId"`
	Message    *store.Message `json:"message"`
	Timestamp  int64          `json:"timestamp"`
}

type typingFrame struct {
	Type       string `json:"type"`
	FromUserID string `json:"fromUserId"`
	IsTyping   bool   `json:"isTyping"`
	Timestamp  int64  `json:"timestamp"`
}

type readReceiptFrame struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ReadBy    string `json:"readBy"`
	Timestamp int64  `json:"timestamp"`
}

type statusFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type onlineUsersFrame struct {
	Type      string   `json:"type"`
	UserIDs   []string `json:"userIds"`
	Timestamp int64    `json:"timestamp"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
