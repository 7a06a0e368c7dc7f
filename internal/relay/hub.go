// Package relay joins realtime connections to rooms and fans persisted messages out to them.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
)

// Appender persists a message and returns the stored record.
type Appender interface {
	Append(ctx context.Context, in models.NewMessage) (*models.Message, error)
}

// Hub manages all realtime connections and their room subscriptions.
type Hub struct {
	store    Appender
	presence presence.Tracker
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	// publishMu makes broadcast order equal append order.
	publishMu sync.Mutex
}

// NewHub creates a Hub. An empty allowedOrigins or one containing "*" accepts any origin.
func NewHub(store Appender, tracker presence.Tracker, logger zerolog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		store:    store,
		presence: tracker,
		logger:   logger.With().Str("component", "relay").Logger(),
		clients:  make(map[*Client]struct{}),
		rooms:    make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker allows requests without an Origin header (native mobile clients).
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Presence returns the tracker the hub announces users to.
func (h *Hub) Presence() presence.Tracker {
	return h.presence
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     id,
		rooms:  make(map[string]struct{}),
		logger: h.logger.With().Str("conn_id", id).Logger(),
	}

	h.register(c)
	go c.writePump()
	c.readPump()
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Publish persists a message and delivers it to every connection joined to its room.
func (h *Hub) Publish(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	msg, err := h.store.Append(ctx, in)
	if err != nil {
		return nil, err
	}

	n := h.broadcastRoom(msg.RoomID, Frame{Event: EventReceiveMessage, Data: msg})
	metrics.WSDeliveries.Add(float64(n))
	return msg, nil
}

// announce binds c to userID and tells every connection the user is online.
func (h *Hub) announce(ctx context.Context, c *Client, userID string) error {
	if c.userID != "" && c.userID != userID {
		h.clearPresence(ctx, c)
	}

	if err := h.presence.SetOnline(ctx, userID, c.id); err != nil {
		return err
	}
	c.userID = userID
	c.logger.Debug().Str("user_id", userID).Msg("user online")

	h.broadcastStatus(userID, StatusOnline)
	return nil
}

// clearPresence drops c's presence entry and reports the user offline if c owned it.
func (h *Hub) clearPresence(ctx context.Context, c *Client) {
	userID, cleared, err := h.presence.Clear(ctx, c.id)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to clear presence")
		return
	}
	if cleared {
		h.broadcastStatus(userID, StatusOffline)
	}
}

func (h *Hub) broadcastStatus(userID, status string) {
	metrics.PresenceUpdates.WithLabelValues(status).Inc()
	h.broadcastAll(Frame{Event: EventStatusUpdate, Data: StatusUpdate{UserID: userID, Status: status}})
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	c.logger.Debug().Str("remote_addr", c.conn.RemoteAddr().String()).Msg("connection opened")
}

// unregister removes c from every room, closes its send queue and clears its presence.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for roomID := range c.rooms {
		h.removeFromRoom(roomID, c)
	}
	close(c.send)
	h.mu.Unlock()

	metrics.WSConnections.Dec()
	h.clearPresence(context.Background(), c)
	c.logger.Debug().Msg("connection closed")
}

// join subscribes c to roomID. Joining twice has no further effect.
func (h *Hub) join(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[roomID] = members
	}
	members[c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

// leave unsubscribes c from roomID.
func (h *Hub) leave(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoom(roomID, c)
	delete(c.rooms, roomID)
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(roomID string, c *Client) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// subscribers returns the number of connections joined to roomID.
func (h *Hub) subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[roomID])
}

// broadcastRoom queues frame to every member of roomID and returns how many were reached.
func (h *Hub) broadcastRoom(roomID string, frame Frame) int {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("failed to encode frame")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.rooms[roomID] {
		if h.enqueue(c, data) {
			n++
		}
	}
	return n
}

// broadcastAll queues frame to every connection.
func (h *Hub) broadcastAll(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("failed to encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		h.enqueue(c, data)
	}
}

// sendTo queues frame to a single connection if it is still registered.
func (h *Hub) sendTo(c *Client, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("event", frame.Event).Msg("failed to encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.clients[c]; ok {
		h.enqueue(c, data)
	}
}

// enqueue must be called with h.mu held. A connection whose queue is full is
// closed; its read loop then unregisters it.
func (h *Hub) enqueue(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		metrics.WSSlowConsumers.Inc()
		c.logger.Warn().Msg("send queue full, closing connection")
		c.conn.Close()
		return false
	}
}
