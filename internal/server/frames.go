package server

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// FrameType is the closed set of inbound frame kinds.
type FrameType int

// Inbound frame kinds. FrameUnknown covers every unrecognized type tag.
const (
	FrameUnknown FrameType = iota
	FramePrivate
	FrameGroup
	FrameTyping
	FrameReadReceipt
	FrameHeartbeat
	FrameGetOnlineUsers
	FrameLogout
)

var frameTypeNames = map[FrameType]string{
	FrameUnknown:        "unknown",
	FramePrivate:        "private",
	FrameGroup:          "group",
	FrameTyping:         "typing",
	FrameReadReceipt:    "read_receipt",
	FrameHeartbeat:      "heartbeat",
	FrameGetOnlineUsers: "get_online_users",
	FrameLogout:         "logout",
}

var frameTypesByTag = func() map[string]FrameType {
	m := make(map[string]FrameType, len(frameTypeNames))
	for t, name := range frameTypeNames {
		if t != FrameUnknown {
			m[name] = t
		}
	}
	return m
}()

// ParseFrameType maps a wire type tag to its FrameType.
func ParseFrameType(tag string) FrameType {
	if t, ok := frameTypesByTag[tag]; ok {
		return t
	}
	return FrameUnknown
}

// String returns the wire tag of t.
func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return frameTypeNames[FrameUnknown]
}

// Outbound type tags that have no inbound counterpart.
const (
	outboundConnection  = "connection"
	outboundOnlineUsers = "online_users"
	outboundError       = "error"
)

func timestamp(t time.Time) int64 {
	return t.UnixMilli()
}

func encodeFrame(v interface{}) []byte {
	// Frames are plain structs of strings, numbers and times; marshaling
	// them cannot fail.
	data, _ := json.Marshal(v)
	return data
}

func newConnectionFrame(userID string, now time.Time) []byte {
	return encodeFrame(connectionFrame{
		Type:      outboundConnection,
		Status:    "connected",
		UserID:    userID,
		Timestamp: timestamp(now),
	})
}

func newPrivateFrame(msg *store.Message, offline bool, now time.Time) []byte {
	return encodeFrame(privateFrame{
		Type:             FramePrivate.String(),
		FromUserID:       msg.FromUserID,
		ToUserID:         msg.ToUserID,
		Message:          msg,
		Timestamp:        timestamp(now),
		IsOfflineMessage: offline,
	})
}

func newGroupFrame(msg *store.Message, now time.Time) []byte {
	return encodeFrame(groupFrame{
		Type:       FrameGroup.String(),
		FromUserID: msg.FromUserID,
		GroupID:    msg.GroupID,
		Message:    msg,
		Timestamp:  timestamp(now),
	})
}

func newTypingFrame(fromUserID string, isTyping bool, now time.Time) []byte {
	return encodeFrame(typingFrame{
		Type:       FrameTyping.String(),
		FromUserID: fromUserID,
		IsTyping:   isTyping,
		Timestamp:  timestamp(now),
	})
}

func newReadReceiptFrame(messageID int64, readBy string, now time.Time) []byte {
	return encodeFrame(readReceiptFrame{
		Type:      FrameReadReceipt.String(),
		MessageID: messageID,
		ReadBy:    readBy,
		Timestamp: timestamp(now),
	})
}

func newHeartbeatFrame(now time.Time) []byte {
	return encodeFrame(statusFrame{
		Type:      FrameHeartbeat.String(),
		Status:    "ok",
		Timestamp: timestamp(now),
	})
}

func newOnlineUsersFrame(userIDs []string, now time.Time) []byte {
	if userIDs == nil {
		userIDs = []string{}
	}
	return encodeFrame(onlineUsersFrame{
		Type:      outboundOnlineUsers,
		UserIDs:   userIDs,
		Timestamp: timestamp(now),
	})
}

func newErrorFrame(message string, now time.Time) []byte {
	return encodeFrame(errorFrame{
		Type:      outboundError,
		Message:   message,
		Timestamp: timestamp(now),
	})
}
