package models

import (
	"errors"
	"strings"
)

// RoomSeparator joins the two participant IDs of a room.
const RoomSeparator = "_"

var (
	ErrInvalidRoomID = errors.New("room id must be two distinct participant ids joined by " + RoomSeparator)
	ErrInvalidUserID = errors.New("user id must be non-empty and must not contain " + RoomSeparator)
)

// RoomID identifies a two-party conversation.
type RoomID string

// RoomIDOf returns the room shared by two users. Argument order does not matter.
func RoomIDOf(userA, userB string) RoomID {
	if userB < userA {
		userA, userB = userB, userA
	}
	return RoomID(userA + RoomSeparator + userB)
}

// ParseRoomID splits a room ID into its participants, in sorted order.
func ParseRoomID(id string) (RoomID, error) {
	a, b, ok := strings.Cut(id, RoomSeparator)
	if !ok || a == "" || b == "" || a == b || strings.Contains(b, RoomSeparator) {
		return "", ErrInvalidRoomID
	}
	room := RoomIDOf(a, b)
	if string(room) != id {
		return "", ErrInvalidRoomID
	}
	return room, nil
}

// ValidUserID reports whether id can take part in a room.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, RoomSeparator)
}

// Participants returns both participants of the room.
func (r RoomID) Participants() (string, string) {
	a, b, _ := strings.Cut(string(r), RoomSeparator)
	return a, b
}

// Has reports whether userID is a participant of the room.
func (r RoomID) Has(userID string) bool {
	a, b := r.Participants()
	return userID == a || userID == b
}

// Other returns the participant that is not userID.
func (r RoomID) Other(userID string) string {
	a, b := r.Participants()
	if userID == a {
		return b
	}
	return a
}

func (r RoomID) String() string {
	return string(r)
}
