package worker

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Control message and push payload types.
const (
	MsgSkipWaiting         = "SKIP_WAITING"
	MsgClearCache          = "CLEAR_CACHE"
	MsgNotificationWaiting = "NOTIFICATION_WAITING"
	MsgTraceOn             = "TRACE_ON"
	MsgTraceOff            = "TRACE_OFF"
	MsgInitPort            = "INIT_PORT"
	MsgNotification        = "NOTIFICATION"
)

// Message is the decoded form of a message or push payload.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseMessage accepts a JSON {type, data} object, a JSON string or a bare
// token. Anything else yields a Message with an empty Type.
func ParseMessage(b []byte) Message {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Message{}
	}
	switch b[0] {
	case '{':
		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			return Message{}
		}
		return m
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return Message{}
		}
		return Message{Type: strings.TrimSpace(s)}
	}
	s := string(b)
	if strings.ContainsAny(s, " \t\r\n[]{}") {
		return Message{Data: json.RawMessage(mustJSON(s))}
	}
	return Message{Type: s}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

// notificationFrom decodes a push NOTIFICATION payload. A bare string is
// used as the title.
func notificationFrom(data json.RawMessage) (Notification, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Notification{}, false
	}
	var title string
	if err := json.Unmarshal(data, &title); err == nil {
		return Notification{Title: title}, title != ""
	}
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, false
	}
	return n, n.Title != ""
}
