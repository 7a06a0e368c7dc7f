package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/models"
	"github.com/eldtechnologies/chatrelay/internal/presence"
	"github.com/eldtechnologies/chatrelay/internal/store"
)

type testFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, appender Appender) (*Hub, *presence.MemoryTracker, string) {
	t.Helper()

	if appender == nil {
		s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
		if err != nil {
			t.Fatalf("open test store: %v", err)
		}
		t.Cleanup(s.Close)
		appender = s
	}

	tracker := presence.NewMemoryTracker()
	hub := NewHub(appender, tracker, zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return hub, tracker, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	if err := conn.WriteJSON(Frame{Event: event, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads frames until one with the given event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f.Data
		}
	}
}

// expectNone fails if a frame with the given event arrives within wait.
func expectNone(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(wait))
	for {
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			return // deadline reached
		}
		if f.Event == event {
			t.Fatalf("unexpected %s: %s", event, f.Data)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func joinRoom(t *testing.T, hub *Hub, conn *websocket.Conn, roomID string) {
	t.Helper()

	before := hub.subscribers(roomID)
	emit(t, conn, EventJoinRoom, roomID)
	waitFor(t, "join "+roomID, func() bool { return hub.subscribers(roomID) == before+1 })
}

func decodeMessage(t *testing.T, raw json.RawMessage) models.Message {
	t.Helper()

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func TestFanOutScope(t *testing.T) {
	hub, _, url := newTestHub(t, nil)

	sender := dial(t, url)
	member := dial(t, url)
	elsewhere := dial(t, url)
	unjoined := dial(t, url)

	joinRoom(t, hub, sender, "A_B")
	joinRoom(t, hub, member, "A_B")
	joinRoom(t, hub, elsewhere, "A_C")
	waitFor(t, "all connections", func() bool { return hub.ConnectionCount() == 4 })

	emit(t, sender, EventSendMessage, map[string]string{
		"roomId": "A_B", "senderId": "A", "text": "hi", "time": "10:00", "tempId": "tmp-1",
	})

	got := decodeMessage(t, expect(t, member, EventReceiveMessage))
	if got.RoomID != "A_B" || got.SenderID != "A" || got.Text != "hi" || got.Time != "10:00" {
		t.Fatalf("unexpected delivered message: %+v", got)
	}
	if got.ID == "" || got.CreatedAt.IsZero() || got.Read {
		t.Fatalf("delivered message missing server fields: %+v", got)
	}

	// The sender is joined too, so it gets the broadcast and the ack.
	echo := decodeMessage(t, expect(t, sender, EventReceiveMessage))
	if echo.ID != got.ID {
		t.Fatalf("sender saw %s, member saw %s", echo.ID, got.ID)
	}

	var ack MessageSent
	if err := json.Unmarshal(expect(t, sender, EventMessageSent), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.TempID != "tmp-1" || ack.Message == nil || ack.Message.ID != got.ID {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	expectNone(t, elsewhere, EventReceiveMessage, 200*time.Millisecond)
	expectNone(t, unjoined, EventReceiveMessage, 200*time.Millisecond)
}

func TestJoinIsIdempotent(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	conn := dial(t, url)

	joinRoom(t, hub, conn, "A_B")
	emit(t, conn, EventJoinRoom, map[string]string{"roomId": "A_B"})
	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "B", "text": "once"})

	expect(t, conn, EventReceiveMessage)
	expectNone(t, conn, EventReceiveMessage, 200*time.Millisecond)
	if n := hub.subscribers("A_B"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
}

func TestLeaveRoom(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	sender := dial(t, url)
	leaver := dial(t, url)

	joinRoom(t, hub, leaver, "A_B")
	emit(t, leaver, EventLeaveRoom, "A_B")
	waitFor(t, "leave", func() bool { return hub.subscribers("A_B") == 0 })

	emit(t, sender, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": "gone"})
	expect(t, sender, EventMessageSent)
	expectNone(t, leaver, EventReceiveMessage, 200*time.Millisecond)
}

func TestSendValidationError(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	conn := dial(t, url)
	joinRoom(t, hub, conn, "A_B")

	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": "", "tempId": "tmp-empty"})

	var rejected MessageError
	if err := json.Unmarshal(expect(t, conn, EventMessageError), &rejected); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if rejected.TempID != "tmp-empty" || rejected.Code != CodeValidation {
		t.Fatalf("unexpected error event: %+v", rejected)
	}
	expectNone(t, conn, EventReceiveMessage, 200*time.Millisecond)
}

func TestSenderMustMatchAnnouncedUser(t *testing.T) {
	_, _, url := newTestHub(t, nil)
	conn := dial(t, url)

	emit(t, conn, EventUserOnline, "A")
	expect(t, conn, EventStatusUpdate)

	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "B", "text": "spoof", "tempId": "t"})
	var rejected MessageError
	if err := json.Unmarshal(expect(t, conn, EventMessageError), &rejected); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if rejected.Code != CodeValidation {
		t.Fatalf("expected validation code, got %+v", rejected)
	}

	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": "genuine"})
	expect(t, conn, EventMessageSent)
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, models.NewMessage) (*models.Message, error) {
	return nil, errors.New("database unreachable")
}

func TestSendStoreFailureIsReported(t *testing.T) {
	hub, _, url := newTestHub(t, failingAppender{})
	conn := dial(t, url)
	joinRoom(t, hub, conn, "A_B")

	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": "lost", "tempId": "tmp-9"})

	var rejected MessageError
	if err := json.Unmarshal(expect(t, conn, EventMessageError), &rejected); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if rejected.TempID != "tmp-9" || rejected.Code != CodeInternal {
		t.Fatalf("unexpected error event: %+v", rejected)
	}
	if strings.Contains(rejected.Error, "unreachable") {
		t.Fatalf("internal error details leaked to client: %q", rejected.Error)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	_, tracker, url := newTestHub(t, nil)
	ctx := context.Background()

	observer := dial(t, url)
	user := dial(t, url)

	emit(t, user, EventUserOnline, map[string]string{"userId": "A"})

	var status StatusUpdate
	if err := json.Unmarshal(expect(t, observer, EventStatusUpdate), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status != (StatusUpdate{UserID: "A", Status: StatusOnline}) {
		t.Fatalf("unexpected status: %+v", status)
	}
	if online, _ := tracker.IsOnline(ctx, "A"); !online {
		t.Fatal("expected A online")
	}

	user.Close()

	if err := json.Unmarshal(expect(t, observer, EventStatusUpdate), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status != (StatusUpdate{UserID: "A", Status: StatusOffline}) {
		t.Fatalf("unexpected status: %+v", status)
	}
	if online, _ := tracker.IsOnline(ctx, "A"); online {
		t.Fatal("expected A offline after disconnect")
	}
}

func TestStaleConnectionDoesNotClearNewerPresence(t *testing.T) {
	_, tracker, url := newTestHub(t, nil)
	ctx := context.Background()

	observer := dial(t, url)
	first := dial(t, url)
	second := dial(t, url)

	emit(t, first, EventUserOnline, "A")
	expect(t, observer, EventStatusUpdate)
	emit(t, second, EventUserOnline, "A")
	expect(t, observer, EventStatusUpdate)

	first.Close()
	expectNone(t, observer, EventStatusUpdate, 300*time.Millisecond)

	if online, _ := tracker.IsOnline(ctx, "A"); !online {
		t.Fatal("closing the replaced connection took A offline")
	}
}

// touchCounter records which connections refreshed their presence.
type touchCounter struct {
	*presence.MemoryTracker

	mu      sync.Mutex
	touched []string
}

func (tc *touchCounter) Touch(ctx context.Context, connID string) error {
	tc.mu.Lock()
	tc.touched = append(tc.touched, connID)
	tc.mu.Unlock()
	return tc.MemoryTracker.Touch(ctx, connID)
}

func (tc *touchCounter) count() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.touched)
}

func TestPongRefreshesAnnouncedPresence(t *testing.T) {
	s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(s.Close)

	tracker := &touchCounter{MemoryTracker: presence.NewMemoryTracker()}
	hub := NewHub(s, tracker, zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	pong := func() {
		t.Helper()
		if err := conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second)); err != nil {
			t.Fatalf("write pong: %v", err)
		}
	}

	// Anonymous connections have nothing to refresh.
	pong()
	emit(t, conn, EventUserOnline, "A")
	expect(t, conn, EventStatusUpdate)
	if n := tracker.count(); n != 0 {
		t.Fatalf("expected no refresh before announce, got %d", n)
	}

	pong()
	pong()
	waitFor(t, "presence refresh", func() bool { return tracker.count() == 2 })

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.touched[0] == "" || tracker.touched[0] != tracker.touched[1] {
		t.Fatalf("unexpected refreshed connections: %v", tracker.touched)
	}
}

func TestBroadcastOrderMatchesAppendOrder(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	sender := dial(t, url)
	listener := dial(t, url)
	joinRoom(t, hub, listener, "A_B")

	const n = 20
	for i := 0; i < n; i++ {
		emit(t, sender, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": fmt.Sprintf("m%d", i)})
	}

	var last string
	for i := 0; i < n; i++ {
		msg := decodeMessage(t, expect(t, listener, EventReceiveMessage))
		if msg.Text != fmt.Sprintf("m%d", i) {
			t.Fatalf("message %d out of order: %q", i, msg.Text)
		}
		if msg.ID <= last {
			t.Fatalf("ids not increasing: %s after %s", msg.ID, last)
		}
		last = msg.ID
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	emit(t, conn, "typing", map[string]bool{"isTyping": true})
	emit(t, conn, EventUserOnline, "")

	joinRoom(t, hub, conn, "A_B")
	emit(t, conn, EventSendMessage, map[string]string{"roomId": "A_B", "senderId": "A", "text": "still here"})
	expect(t, conn, EventReceiveMessage)
}

func TestPublishFromOutsideConnections(t *testing.T) {
	hub, _, url := newTestHub(t, nil)
	conn := dial(t, url)
	joinRoom(t, hub, conn, "A_B")

	msg, err := hub.Publish(context.Background(), models.NewMessage{RoomID: "A_B", SenderID: "B", Text: "via rest"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := decodeMessage(t, expect(t, conn, EventReceiveMessage))
	if got.ID != msg.ID {
		t.Fatalf("expected %s, got %s", msg.ID, got.ID)
	}
}

func TestDecodeID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"A"`, "A"},
		{`" A "`, "A"},
		{`{"userId":"B"}`, "B"},
		{`{"roomId":"A_B"}`, ""},
		{`42`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		if got := decodeID(json.RawMessage(tt.raw), "userId"); got != tt.want {
			t.Errorf("decodeID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
