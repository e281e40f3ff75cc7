package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/store"
)

func TestIDUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{"string", `"42"`, "42", false},
		{"string is trimmed", `" bob "`, "bob", false},
		{"number", `42`, "42", false},
		{"large number", `9007199254740993`, "9007199254740993", false},
		{"null", `null`, "", false},
		{"bool", `true`, "", true},
		{"object", `{"id":1}`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frame struct {
				ID ID `json:"id"`
			}
			err := json.Unmarshal([]byte(`{"id":`+tt.input+`}`), &frame)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame.ID)
		})
	}
}

func TestParseFrameType(t *testing.T) {
	for ft, name := range frameTypeNames {
		if ft == FrameUnknown {
			continue
		}
		assert.Equal(t, ft, ParseFrameType(name))
		assert.Equal(t, name, ft.String())
	}

	assert.Equal(t, FrameUnknown, ParseFrameType("unknown"))
	assert.Equal(t, FrameUnknown, ParseFrameType("PRIVATE"))
	assert.Equal(t, FrameUnknown, ParseFrameType(""))
	assert.Equal(t, "unknown", FrameType(99).String())
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name        string
		kind        store.MessageKind
		content     string
		wantKind    store.MessageKind
		wantContent string
		wantErr     bool
	}{
		{"defaults to text", 0, "hello", store.KindText, "hello", false},
		{"explicit file", store.KindFile, "report.pdf", store.KindFile, "report.pdf", false},
		{"image id normalized", store.KindImage, " 0042 ", store.KindImage, "42", false},
		{"image must be numeric", store.KindImage, "cat.png", 0, "", true},
		{"empty content", store.KindText, "", 0, "", true},
		{"blank content", store.KindText, "   ", 0, "", true},
		{"unknown kind", store.MessageKind(9), "hello", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, content, err := validateContent(tt.kind, tt.content)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantContent, content)
		})
	}
}

func TestFrameBuilders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	decode := func(t *testing.T, data []byte) map[string]interface{} {
		t.Helper()
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	t.Run("private offline flag", func(t *testing.T) {
		msg := &store.Message{ID: 7, FromUserID: "alice", ToUserID: "bob", Content: "hi", MessageType: store.KindText}

		live := decode(t, newPrivateFrame(msg, false, now))
		assert.Equal(t, "private", live["type"])
		assert.Equal(t, "alice", live["fromUserId"])
		assert.Equal(t, "bob", live["toUserId"])
		assert.Equal(t, float64(now.UnixMilli()), live["timestamp"])
		assert.NotContains(t, live, "isOfflineMessage")

		queued := decode(t, newPrivateFrame(msg, true, now))
		assert.Equal(t, true, queued["isOfflineMessage"])
		body, ok := queued["message"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "hi", body["content"])
	})

	t.Run("online users never null", func(t *testing.T) {
		frame := decode(t, newOnlineUsersFrame(nil, now))
		assert.Equal(t, "online_users", frame["type"])
		assert.Equal(t, []interface{}{}, frame["userIds"])
	})

	t.Run("error", func(t *testing.T) {
		frame := decode(t, newErrorFrame("boom", now))
		assert.Equal(t, "error", frame["type"])
		assert.Equal(t, "boom", frame["message"])
	})

	t.Run("read receipt", func(t *testing.T) {
		frame := decode(t, newReadReceiptFrame(11, "bob", now))
		assert.Equal(t, "read_receipt", frame["type"])
		assert.Equal(t, float64(11), frame["messageId"])
		assert.Equal(t, "bob", frame["readBy"])
	})
}
