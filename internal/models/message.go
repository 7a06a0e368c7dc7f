package models

import "time"

// Message represents a chat message persisted in the message log.
type Message struct {
	ID        string    `json:"id"` // ULID
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Time      string    `json:"time"`      // Client display timestamp
	CreatedAt time.Time `json:"createdAt"` // Server-assigned, orders the room
	Read      bool      `json:"read"`
}

// NewMessage holds the client-supplied fields of a message before it is stored.
type NewMessage struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	Time     string `json:"time"`
}

// ConversationSummary is one entry of a user's inbox.
type ConversationSummary struct {
	RoomID      string `json:"roomId"`
	UnreadCount int64  `json:"unreadCount"`
}
