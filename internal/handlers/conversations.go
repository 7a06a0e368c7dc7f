package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// UnreadTotalResponse is the body of GET /api/unread-total/{userId}.
type UnreadTotalResponse struct {
	TotalUnread int64 `json:"totalUnread"`
}

// ListConversations returns the user's inbox: every room they take part in
// with its unread count.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	summaries, err := h.conversations.ListConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, "failed to list conversations")
		return
	}

	h.JSON(w, http.StatusOK, summaries)
}

// UnreadTotal returns the user's unread count across all rooms.
func (h *Handler) UnreadTotal(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	total, err := h.conversations.TotalUnread(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, "failed to count unread messages")
		return
	}

	h.JSON(w, http.StatusOK, UnreadTotalResponse{TotalUnread: total})
}
