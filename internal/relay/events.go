package relay

import (
	"encoding/json"
	"strings"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// Client -> server events.
const (
	EventUserOnline  = "user_online"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
)

// Server -> client events.
const (
	EventReceiveMessage = "receive_message"
	EventStatusUpdate   = "status_update"
	EventMessageSent    = "message_sent"
	EventMessageError   = "message_error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes carried by message_error.
const (
	CodeValidation = "validation"
	CodeInternal   = "internal"
)

// Frame is the envelope of every realtime message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// inboundFrame defers decoding of data until the event is known.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StatusUpdate announces a presence transition to every connection.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// SendMessage is the payload of send_message. TempID is echoed back in the ack.
type SendMessage struct {
	models.NewMessage
	TempID string `json:"tempId,omitempty"`
}

// MessageSent confirms a send_message to its sender.
type MessageSent struct {
	TempID  string          `json:"tempId,omitempty"`
	Message *models.Message `json:"message"`
}

// MessageError rejects a send_message to its sender.
type MessageError struct {
	TempID string `json:"tempId,omitempty"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// decodeID accepts either a bare JSON string or an object holding the value under key.
func decodeID(raw json.RawMessage, key string) string {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if v, ok := obj[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
