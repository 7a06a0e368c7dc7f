package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 16 * 1024
	sendBuffer   = 256
	storeTimeout = 5 * time.Second
)

// Client is a single realtime connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger zerolog.Logger

	// userID is owned by the read loop.
	userID string
	// rooms is guarded by hub.mu.
	rooms map[string]struct{}
}

// readPump reads frames from the connection and handles them in order.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touchPresence()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		c.handle(in)
	}
}

// touchPresence keeps the announced user's presence entry from expiring
// while the connection answers pings.
func (c *Client) touchPresence() {
	if c.userID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.hub.presence.Touch(ctx, c.id); err != nil {
		c.logger.Warn().Err(err).Msg("failed to refresh presence")
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(in inboundFrame) {
	metrics.WSEventsReceived.WithLabelValues(eventLabel(in.Event)).Inc()

	switch in.Event {
	case EventUserOnline:
		userID := decodeID(in.Data, "userId")
		if !models.ValidUserID(userID) {
			c.logger.Debug().Str("user_id", userID).Msg("ignoring user_online with invalid user id")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.hub.announce(ctx, c, userID); err != nil {
			c.logger.Error().Err(err).Str("user_id", userID).Msg("failed to set presence")
		}

	case EventJoinRoom:
		if roomID := decodeID(in.Data, "roomId"); roomID != "" {
			c.hub.join(c, roomID)
		}

	case EventLeaveRoom:
		if roomID := decodeID(in.Data, "roomId"); roomID != "" {
			c.hub.leave(c, roomID)
		}

	case EventSendMessage:
		c.sendMessage(in.Data)

	default:
		c.logger.Debug().Str("event", in.Event).Msg("ignoring unknown event")
	}
}

// sendMessage publishes a message and acknowledges the outcome to this connection.
func (c *Client) sendMessage(raw json.RawMessage) {
	var req SendMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reject("", CodeValidation, "invalid send_message payload")
		return
	}
	if c.userID != "" && req.SenderID != "" && req.SenderID != c.userID {
		c.reject(req.TempID, CodeValidation, "senderId does not match the announced user")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	msg, err := c.hub.Publish(ctx, req.NewMessage)
	if err != nil {
		if store.IsValidation(err) {
			c.reject(req.TempID, CodeValidation, err.Error())
			return
		}
		c.logger.Error().Err(err).Str("room_id", req.RoomID).Msg("failed to persist message")
		c.reject(req.TempID, CodeInternal, "failed to store message")
		return
	}

	metrics.MessagesPosted.WithLabelValues("ws").Inc()
	c.hub.sendTo(c, Frame{Event: EventMessageSent, Data: MessageSent{TempID: req.TempID, Message: msg}})
}

func (c *Client) reject(tempID, code, reason string) {
	metrics.MessagesFailed.WithLabelValues(code).Inc()
	c.hub.sendTo(c, Frame{Event: EventMessageError, Data: MessageError{TempID: tempID, Error: reason, Code: code}})
}

// eventLabel bounds metric label cardinality to the known events.
func eventLabel(event string) string {
	switch event {
	case EventUserOnline, EventJoinRoom, EventLeaveRoom, EventSendMessage:
		return event
	}
	return "unknown"
}
