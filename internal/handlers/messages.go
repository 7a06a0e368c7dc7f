package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// SuccessResponse acknowledges a write with no payload.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// GetMessages returns the full history of a room, oldest first. Unknown rooms
// answer with an empty list.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	messages, err := h.messages.History(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, err, "failed to fetch messages")
		return
	}

	h.JSON(w, http.StatusOK, messages)
}

// PostMessage persists a message and delivers it to the room's realtime subscribers.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req models.NewMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.MessagesFailed.WithLabelValues("validation").Inc()
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.publisher.Publish(r.Context(), req)
	if err != nil {
		code := "internal"
		if store.IsValidation(err) {
			code = "validation"
		}
		metrics.MessagesFailed.WithLabelValues(code).Inc()
		h.fail(w, r, err, "failed to store message")
		return
	}

	metrics.MessagesPosted.WithLabelValues("rest").Inc()
	h.JSON(w, http.StatusCreated, msg)
}

// MarkRead flags every message in the room sent by the other participant as read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	userID := chi.URLParam(r, "userId")

	n, err := h.messages.MarkRead(r.Context(), roomID, userID)
	if err != nil {
		h.fail(w, r, err, "failed to mark messages read")
		return
	}
	metrics.MessagesMarkedRead.Add(float64(n))

	h.JSON(w, http.StatusOK, SuccessResponse{Success: true})
}
