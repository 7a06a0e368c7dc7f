package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/eldtechnologies/chatrelay/internal/models"
)

// testMessageStore runs the behavioural checks every MessageStore must pass.
// newStore must return an empty store.
func testMessageStore(t *testing.T, newStore func(t *testing.T) MessageStore) {
	t.Run("AppendHistoryRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := models.NewMessage{RoomID: "A_B", SenderID: "A", Text: "hi", Time: "10:42"}
		stored, err := s.Append(ctx, in)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if stored.ID == "" || stored.CreatedAt.IsZero() {
			t.Fatalf("expected server-assigned id and createdAt, got %+v", stored)
		}

		history, err := s.History(ctx, "A_B")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 1 {
			t.Fatalf("expected 1 message, got %d", len(history))
		}
		got := history[0]
		if got.ID != stored.ID || got.RoomID != in.RoomID || got.SenderID != in.SenderID ||
			got.Text != in.Text || got.Time != in.Time || got.Read {
			t.Fatalf("history record does not match input: %+v", got)
		}
		if !got.CreatedAt.Equal(stored.CreatedAt) {
			t.Fatalf("createdAt changed on round trip: %v != %v", got.CreatedAt, stored.CreatedAt)
		}
	})

	t.Run("DuplicateSendsAreDistinct", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := models.NewMessage{RoomID: "A_B", SenderID: "A", Text: "again"}
		first, err := s.Append(ctx, in)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		second, err := s.Append(ctx, in)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if first.ID == second.ID {
			t.Fatal("expected distinct ids for duplicate sends")
		}
	})

	t.Run("HistoryOrdering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 25; i++ {
			sender := "A"
			if i%2 == 1 {
				sender = "B"
			}
			msg, err := s.Append(ctx, models.NewMessage{RoomID: "A_B", SenderID: sender, Text: fmt.Sprintf("msg %d", i)})
			if err != nil {
				t.Fatalf("Append %d failed: %v", i, err)
			}
			ids = append(ids, msg.ID)
		}

		history, err := s.History(ctx, "A_B")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != len(ids) {
			t.Fatalf("expected %d messages, got %d", len(ids), len(history))
		}
		for i, msg := range history {
			if msg.ID != ids[i] {
				t.Fatalf("message %d out of order: got %s want %s", i, msg.ID, ids[i])
			}
		}
	})

	t.Run("UnknownRoomIsEmpty", func(t *testing.T) {
		s := newStore(t)

		history, err := s.History(context.Background(), "nonexistent")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if history == nil || len(history) != 0 {
			t.Fatalf("expected empty non-nil slice, got %#v", history)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		bad := []models.NewMessage{
			{RoomID: "", SenderID: "A", Text: "x"},
			{RoomID: "A_B", SenderID: "", Text: "x"},
			{RoomID: "A_B", SenderID: "A", Text: ""},
			{RoomID: "A_B", SenderID: "A", Text: "   "},
			{RoomID: "A_B", SenderID: "C", Text: "x"},
			{RoomID: "B_A", SenderID: "A", Text: "x"},
			{RoomID: "lobby", SenderID: "A", Text: "x"},
		}
		for _, in := range bad {
			_, err := s.Append(ctx, in)
			if !IsValidation(err) {
				t.Errorf("Append(%+v): expected validation error, got %v", in, err)
			}
		}

		history, err := s.History(ctx, "A_B")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 0 {
			t.Fatalf("rejected messages were persisted: %d", len(history))
		}
	})

	t.Run("MarkReadIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustAppend(t, s, "A_B", "A", "one")
		mustAppend(t, s, "A_B", "A", "two")
		mustAppend(t, s, "A_B", "B", "three")

		changed, err := s.MarkRead(ctx, "A_B", "B")
		if err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		if changed != 2 {
			t.Fatalf("expected 2 messages flagged, got %d", changed)
		}
		first, _ := s.History(ctx, "A_B")

		changed, err = s.MarkRead(ctx, "A_B", "B")
		if err != nil {
			t.Fatalf("second MarkRead failed: %v", err)
		}
		if changed != 0 {
			t.Fatalf("expected second MarkRead to change nothing, got %d", changed)
		}
		second, _ := s.History(ctx, "A_B")

		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("store state changed on repeated MarkRead: %+v vs %+v", first[i], second[i])
			}
		}
		if unread := mustCountUnread(t, s, "A_B", "B"); unread != 0 {
			t.Fatalf("expected 0 unread for B, got %d", unread)
		}
		// B's own message stays unread for A
		if unread := mustCountUnread(t, s, "A_B", "A"); unread != 1 {
			t.Fatalf("expected 1 unread for A, got %d", unread)
		}
		if second[2].Read {
			t.Fatal("B's own message should not be flagged read by B")
		}
	})

	t.Run("UnreadIsolation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustAppend(t, s, "A_B", "A", "mine")
		mustAppend(t, s, "A_B", "A", "also mine")

		if unread := mustCountUnread(t, s, "A_B", "A"); unread != 0 {
			t.Fatalf("own messages counted as unread: %d", unread)
		}
		total, err := s.CountUnreadForUser(ctx, "A")
		if err != nil {
			t.Fatalf("CountUnreadForUser failed: %v", err)
		}
		if total != 0 {
			t.Fatalf("own messages counted in total: %d", total)
		}
	})

	t.Run("UnreadAcrossRooms", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustAppend(t, s, "A_B", "B", "from b")
		mustAppend(t, s, "A_B", "B", "from b again")
		mustAppend(t, s, "A_C", "C", "from c")
		mustAppend(t, s, "A_C", "A", "reply to c")
		mustAppend(t, s, "B_C", "B", "not for a")

		total, err := s.CountUnreadForUser(ctx, "A")
		if err != nil {
			t.Fatalf("CountUnreadForUser failed: %v", err)
		}
		if total != 3 {
			t.Fatalf("expected 3 unread for A, got %d", total)
		}

		rooms, err := s.UnreadByRoom(ctx, "A")
		if err != nil {
			t.Fatalf("UnreadByRoom failed: %v", err)
		}
		want := []models.ConversationSummary{
			{RoomID: "A_B", UnreadCount: 2},
			{RoomID: "A_C", UnreadCount: 1},
		}
		if len(rooms) != len(want) {
			t.Fatalf("expected %d rooms, got %+v", len(want), rooms)
		}
		for i := range want {
			if rooms[i] != want[i] {
				t.Fatalf("room %d: got %+v want %+v", i, rooms[i], want[i])
			}
		}

		if _, err := s.MarkRead(ctx, "A_B", "A"); err != nil {
			t.Fatalf("MarkRead failed: %v", err)
		}
		total, _ = s.CountUnreadForUser(ctx, "A")
		if total != 1 {
			t.Fatalf("expected 1 unread for A after reading A_B, got %d", total)
		}
		// C still has A's reply unread
		if unread := mustCountUnread(t, s, "A_C", "C"); unread != 1 {
			t.Fatalf("expected 1 unread for C, got %d", unread)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		latest, err := s.MostRecentActivity(ctx)
		if err != nil {
			t.Fatalf("MostRecentActivity failed: %v", err)
		}
		if latest != nil {
			t.Fatalf("expected no activity on empty store, got %v", latest)
		}

		mustAppend(t, s, "A_B", "A", "one")
		last := mustAppend(t, s, "A_C", "C", "two")

		messages, _ := s.CountMessages(ctx)
		rooms, _ := s.CountRooms(ctx)
		if messages != 2 || rooms != 2 {
			t.Fatalf("expected 2 messages in 2 rooms, got %d in %d", messages, rooms)
		}
		latest, err = s.MostRecentActivity(ctx)
		if err != nil || latest == nil {
			t.Fatalf("MostRecentActivity failed: %v", err)
		}
		if !latest.Equal(last.CreatedAt) {
			t.Fatalf("expected latest activity %v, got %v", last.CreatedAt, latest)
		}
	})

	t.Run("CountersSurviveConcurrentAppendAndMarkRead", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rooms := [][2]string{{"A", "B"}, {"A", "C"}}
		const rounds = 25

		var wg sync.WaitGroup
		errs := make(chan error, 8*rounds)
		for _, pair := range rooms {
			roomID := string(models.RoomIDOf(pair[0], pair[1]))
			for _, user := range pair {
				wg.Add(2)
				go func(user string) {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						in := models.NewMessage{RoomID: roomID, SenderID: user, Text: fmt.Sprintf("%s-%d", user, i)}
						if _, err := s.Append(ctx, in); err != nil {
							errs <- err
						}
					}
				}(user)
				go func(user string) {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						if _, err := s.MarkRead(ctx, roomID, user); err != nil {
							errs <- err
						}
					}
				}(user)
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent call failed: %v", err)
		}

		for _, user := range []string{"A", "B", "C"} {
			summaries, err := s.UnreadByRoom(ctx, user)
			if err != nil {
				t.Fatalf("UnreadByRoom(%s) failed: %v", user, err)
			}
			var sum int64
			for _, summary := range summaries {
				if want := mustCountUnread(t, s, summary.RoomID, user); summary.UnreadCount != want {
					t.Errorf("counter for %s in %s is %d, messages say %d", user, summary.RoomID, summary.UnreadCount, want)
				}
				sum += summary.UnreadCount
			}
			total, err := s.CountUnreadForUser(ctx, user)
			if err != nil {
				t.Fatalf("CountUnreadForUser(%s) failed: %v", user, err)
			}
			if total != sum {
				t.Errorf("total for %s is %d, rooms sum to %d", user, total, sum)
			}
		}
	})

	t.Run("MarkReadByOutsiderClearsBothCounters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustAppend(t, s, "A_B", "A", "to b")
		mustAppend(t, s, "A_B", "B", "to a")

		n, err := s.MarkRead(ctx, "A_B", "Z")
		if err != nil || n != 2 {
			t.Fatalf("MarkRead by outsider = %d, %v; want 2", n, err)
		}
		for _, user := range []string{"A", "B"} {
			total, _ := s.CountUnreadForUser(ctx, user)
			if total != 0 {
				t.Errorf("expected %s counter 0, got %d", user, total)
			}
		}
	})
}

func mustAppend(t *testing.T, s MessageStore, roomID, senderID, text string) *models.Message {
	t.Helper()

	msg, err := s.Append(context.Background(), models.NewMessage{RoomID: roomID, SenderID: senderID, Text: text})
	if err != nil {
		t.Fatalf("Append to %s failed: %v", roomID, err)
	}
	return msg
}

func mustCountUnread(t *testing.T, s MessageStore, roomID, readerID string) int64 {
	t.Helper()

	n, err := s.CountUnread(context.Background(), roomID, readerID)
	if err != nil {
		t.Fatalf("CountUnread failed: %v", err)
	}
	return n
}
