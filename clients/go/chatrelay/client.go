// Package chatrelay provides a client for the chatrelay REST and realtime API.
package chatrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:8080"

// Client is a chatrelay REST client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new chatrelay client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// RoomID returns the canonical room id for a pair of users.
func RoomID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// Message is a stored chat message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Time      string    `json:"time"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Conversation is one inbox entry.
type Conversation struct {
	RoomID      string `json:"roomId"`
	UnreadCount int64  `json:"unreadCount"`
}

// Stats is the response of the stats endpoint.
type Stats struct {
	TotalMessages     int64  `json:"totalMessages"`
	TotalRooms        int64  `json:"totalRooms"`
	ActiveConnections int    `json:"activeConnections"`
	LastActivity      string `json:"lastActivity"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatrelay error %d: %s", e.StatusCode, e.Message)
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// History returns every message of a room, oldest first.
func (c *Client) History(ctx context.Context, roomID string) ([]Message, error) {
	var messages []Message
	if err := c.doRequest(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(roomID), nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// Send posts a message over REST.
func (c *Client) Send(ctx context.Context, roomID, senderID, text string) (*Message, error) {
	req := map[string]string{
		"roomId":   roomID,
		"senderId": senderID,
		"text":     text,
		"time":     time.Now().Format("15:04"),
	}

	var msg Message
	if err := c.doRequest(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks the other participant's messages in a room as read by userID.
func (c *Client) MarkRead(ctx context.Context, roomID, userID string) error {
	path := fmt.Sprintf("/api/messages/read/%s/%s", url.PathEscape(roomID), url.PathEscape(userID))
	return c.doRequest(ctx, http.MethodPut, path, nil, nil)
}

// Conversations returns the user's inbox.
func (c *Client) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	var convs []Conversation
	if err := c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(userID), nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// UnreadTotal returns the user's unread count across all rooms.
func (c *Client) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	var resp struct {
		TotalUnread int64 `json:"totalUnread"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/unread-total/"+url.PathEscape(userID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.TotalUnread, nil
}

// Online reports whether the user has a live realtime connection.
func (c *Client) Online(ctx context.Context, userID string) (bool, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/status/"+url.PathEscape(userID), nil, &resp); err != nil {
		return false, err
	}
	return resp.Status == "online", nil
}

// Stats returns server statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doRequest(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health returns the raw health report.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var health map[string]any
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, err
	}
	return health, nil
}
