package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Event is a decoded server frame.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// StatusUpdate is the payload of a status_update event.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// SendError is returned when the server rejects a realtime send.
type SendError struct {
	Code   string
	Reason string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send rejected (%s): %s", e.Code, e.Reason)
}

// Conn is a realtime connection. Events not consumed by Send are queued, in
// arrival order and without limit, until Next reads them.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	done chan struct{}
	err  error

	mu      sync.Mutex
	pending map[string]chan Event // tempId -> ack
	queue   []Event
	ready   chan struct{} // signalled when queue grows
}

// Dial opens a realtime connection to the server's /ws endpoint.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn := &Conn{
		ws:      ws,
		done:    make(chan struct{}),
		pending: make(map[string]chan Event),
		ready:   make(chan struct{}, 1),
	}
	go conn.readLoop()
	return conn, nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			c.err = err
			return
		}

		if ev.Name == "message_sent" || ev.Name == "message_error" {
			var ack struct {
				TempID string `json:"tempId"`
			}
			json.Unmarshal(ev.Data, &ack)
			c.mu.Lock()
			ch, ok := c.pending[ack.TempID]
			delete(c.pending, ack.TempID)
			c.mu.Unlock()
			if ok {
				ch <- ev
				continue
			}
		}

		c.mu.Lock()
		c.queue = append(c.queue, ev)
		c.mu.Unlock()
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) emit(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(map[string]any{"event": event, "data": data})
}

// Announce binds the connection to userID and marks the user online.
func (c *Conn) Announce(userID string) error {
	return c.emit("user_online", userID)
}

// Join subscribes the connection to a room.
func (c *Conn) Join(roomID string) error {
	return c.emit("join_room", roomID)
}

// Leave unsubscribes the connection from a room.
func (c *Conn) Leave(roomID string) error {
	return c.emit("leave_room", roomID)
}

// Send publishes a message and waits for the server's acknowledgement.
func (c *Conn) Send(ctx context.Context, roomID, senderID, text string) (*Message, error) {
	tempID := uuid.NewString()
	ack := make(chan Event, 1)

	c.mu.Lock()
	c.pending[tempID] = ack
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, tempID)
		c.mu.Unlock()
	}()

	err := c.emit("send_message", map[string]string{
		"roomId":   roomID,
		"senderId": senderID,
		"text":     text,
		"time":     time.Now().Format("15:04"),
		"tempId":   tempID,
	})
	if err != nil {
		return nil, err
	}

	select {
	case ev := <-ack:
		if ev.Name == "message_error" {
			var rejected struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			json.Unmarshal(ev.Data, &rejected)
			return nil, &SendError{Code: rejected.Code, Reason: rejected.Error}
		}
		var sent struct {
			Message *Message `json:"message"`
		}
		if err := json.Unmarshal(ev.Data, &sent); err != nil {
			return nil, err
		}
		return sent.Message, nil
	case <-c.done:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next returns the next server event that is not a send acknowledgement.
// Queued events are still returned after the connection closes.
func (c *Conn) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = Event{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-c.done:
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if empty {
				return Event{}, c.closedErr()
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("connection closed: %w", c.err)
	}
	return errors.New("connection closed")
}
