package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// MaxTextLength is the largest accepted message body, in bytes.
const MaxTextLength = 4096

// MessageStore defines the interface for the durable message log.
// Both PostgresStore and SQLiteStore implement this interface.
type MessageStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message log
	Append(ctx context.Context, in models.NewMessage) (*models.Message, error)
	History(ctx context.Context, roomID string) ([]models.Message, error)
	MarkRead(ctx context.Context, roomID, readerID string) (int64, error)

	// Unread queries
	CountUnread(ctx context.Context, roomID, readerID string) (int64, error)
	CountUnreadForUser(ctx context.Context, userID string) (int64, error)
	UnreadByRoom(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	// Stats
	CountMessages(ctx context.Context) (int64, error)
	CountRooms(ctx context.Context) (int64, error)
	MostRecentActivity(ctx context.Context) (*time.Time, error)
}

// ValidationError reports a message field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// newRecord validates in and builds the record to persist.
func newRecord(in models.NewMessage) (*models.Message, models.RoomID, error) {
	if in.RoomID == "" {
		return nil, "", &ValidationError{Field: "roomId", Reason: "is required"}
	}
	if in.SenderID == "" {
		return nil, "", &ValidationError{Field: "senderId", Reason: "is required"}
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, "", &ValidationError{Field: "text", Reason: "is required"}
	}
	if len(in.Text) > MaxTextLength {
		return nil, "", &ValidationError{Field: "text", Reason: "is too long (max 4096 bytes)"}
	}

	room, err := models.ParseRoomID(in.RoomID)
	if err != nil {
		return nil, "", &ValidationError{Field: "roomId", Reason: "must be two distinct participant ids joined by _ in sorted order"}
	}
	if !room.Has(in.SenderID) {
		return nil, "", &ValidationError{Field: "senderId", Reason: "is not a participant of the room"}
	}

	return &models.Message{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		SenderID:  in.SenderID,
		Text:      in.Text,
		Time:      in.Time,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}, room, nil
}

// readDeltas counts messages flagged read per recipient. Counters are only
// ever decremented by these deltas, never recomputed.
type readDeltas map[string]int64

// add records one message of the room sent by sender.
func (d readDeltas) add(sender, participantA, participantB string) {
	if sender == participantA {
		d[participantB]++
	} else {
		d[participantA]++
	}
}

// users returns the recipients sorted; counter rows are locked in this order.
func (d readDeltas) users() []string {
	users := make([]string, 0, len(d))
	for u := range d {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (d readDeltas) total() int64 {
	var n int64
	for _, v := range d {
		n += v
	}
	return n
}
