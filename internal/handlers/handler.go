package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/conversation"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

// Publisher persists a message and fans it out to realtime subscribers.
// relay.Hub implements it.
type Publisher interface {
	Publish(ctx context.Context, in models.NewMessage) (*models.Message, error)
	ConnectionCount() int
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	messages      store.MessageStore
	conversations *conversation.Service
	publisher     Publisher
	presence      presence.Tracker
	redis         *store.RedisStore // nil when Redis is not configured
	logger        zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(messages store.MessageStore, publisher Publisher, tracker presence.Tracker, redis *store.RedisStore, logger zerolog.Logger) *Handler {
	return &Handler{
		messages:      messages,
		conversations: conversation.NewService(messages),
		publisher:     publisher,
		presence:      tracker,
		redis:         redis,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// fail answers a failed store call: validation errors become 400 with their
// reason, anything else is logged and becomes a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, message string) {
	if store.IsValidation(err) {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	h.Error(w, http.StatusInternalServerError, message)
}
