package handlers

import (
	"net/http"
	"strconv"
	"time"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalMessages     int64      `json:"totalMessages"`
	TotalRooms        int64      `json:"totalRooms"`
	ActiveConnections int        `json:"activeConnections"`
	LastActivity      string     `json:"lastActivity"`
	LastActivityAt    *time.Time `json:"lastActivityAt,omitempty"`
}

// Stats returns message totals and realtime activity.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalMessages, err := h.messages.CountMessages(ctx)
	if err != nil {
		h.fail(w, r, err, "failed to count messages")
		return
	}

	totalRooms, err := h.messages.CountRooms(ctx)
	if err != nil {
		h.fail(w, r, err, "failed to count rooms")
		return
	}

	lastActivityTime, err := h.messages.MostRecentActivity(ctx)
	if err != nil {
		h.fail(w, r, err, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = formatTimeAgo(*lastActivityTime)
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalMessages:     totalMessages,
		TotalRooms:        totalRooms,
		ActiveConnections: h.publisher.ConnectionCount(),
		LastActivity:      lastActivity,
		LastActivityAt:    lastActivityTime,
	})
}

// formatTimeAgo formats a time as a human-readable "X ago" string.
func formatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	default:
		return plural(int(diff.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
