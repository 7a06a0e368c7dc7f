package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatusResponse reports whether a user has a live realtime connection.
type StatusResponse struct {
	Status string `json:"status"` // "online" or "offline"
}

// Status handles presence lookup.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	online, err := h.presence.IsOnline(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err, "failed to read presence")
		return
	}

	status := "offline"
	if online {
		status = "online"
	}
	h.JSON(w, http.StatusOK, StatusResponse{Status: status})
}
