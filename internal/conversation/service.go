// Package conversation derives a user's inbox and unread totals from the message store.
package conversation

import (
	"context"
	"sort"

	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// UnreadReader is the slice of store.MessageStore the service reads from.
type UnreadReader interface {
	UnreadByRoom(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	CountUnreadForUser(ctx context.Context, userID string) (int64, error)
}

// Service builds inbox views without keeping state of its own.
type Service struct {
	store UnreadReader
}

// NewService creates a Service over the given store.
func NewService(s UnreadReader) *Service {
	return &Service{store: s}
}

// ListConversations returns every room userID takes part in with the number of
// messages from the other participant still unread, sorted by room ID.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if userID == "" {
		return nil, &store.ValidationError{Field: "userId", Reason: "is required"}
	}

	summaries, err := s.store.UnreadByRoom(ctx, userID)
	if err != nil {
		return nil, err
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].RoomID < summaries[j].RoomID
	})
	return summaries, nil
}

// TotalUnread returns the user's unread count summed over all rooms.
func (s *Service) TotalUnread(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, &store.ValidationError{Field: "userId", Reason: "is required"}
	}
	return s.store.CountUnreadForUser(ctx, userID)
}
