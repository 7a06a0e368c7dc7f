package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

const sqliteBackend = "sqlite"

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/chatrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/chatrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		participant_a TEXT NOT NULL,
		participant_b TEXT NOT NULL,
		text TEXT NOT NULL,
		client_time TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS unread_counters (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		unread INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (room_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_unread_counters_user ON unread_counters(user_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append validates and persists a message, bumping the recipient's unread counter.
func (s *SQLiteStore) Append(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	msg, room, err := newRecord(in)
	if err != nil {
		return nil, err
	}
	defer metrics.ObserveStore(sqliteBackend, "append", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	a, b := room.Participants()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, participant_a, participant_b, text, client_time, created_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, msg.ID, msg.RoomID, msg.SenderID, a, b, msg.Text, msg.Time, msg.CreatedAt.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("insert message %q: %w", msg.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unread_counters (room_id, user_id, unread) VALUES (?, ?, 0)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, msg.RoomID, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("ensure sender counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO unread_counters (room_id, user_id, unread) VALUES (?, ?, 1)
		ON CONFLICT (room_id, user_id) DO UPDATE SET unread = unread + 1
	`, msg.RoomID, room.Other(msg.SenderID))
	if err != nil {
		return nil, fmt.Errorf("bump recipient counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// History returns every message of a room, oldest first.
func (s *SQLiteStore) History(ctx context.Context, roomID string) ([]models.Message, error) {
	defer metrics.ObserveStore(sqliteBackend, "history", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, text, client_time, created_at, is_read
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at ASC, id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("history for room %q: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var createdAt int64
		var isRead int
		if err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.Text,
			&msg.Time,
			&createdAt,
			&isRead,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.UnixMicro(createdAt).UTC()
		msg.Read = isRead == 1
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history for room %q: %w", roomID, err)
	}

	return messages, nil
}

// MarkRead flags every message in the room not authored by readerID as read
// and subtracts them from their recipients' counters.
func (s *SQLiteStore) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	defer metrics.ObserveStore(sqliteBackend, "mark_read", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE room_id = ? AND sender_id <> ? AND is_read = 0
		RETURNING sender_id, participant_a, participant_b
	`, roomID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read in room %q: %w", roomID, err)
	}
	deltas := readDeltas{}
	for rows.Next() {
		var sender, a, b string
		if err := rows.Scan(&sender, &a, &b); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan marked row: %w", err)
		}
		deltas.add(sender, a, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("mark read in room %q: %w", roomID, err)
	}
	if len(deltas) == 0 {
		return 0, nil
	}

	for _, userID := range deltas.users() {
		_, err := tx.ExecContext(ctx, `
			UPDATE unread_counters SET unread = unread - ?
			WHERE room_id = ? AND user_id = ?
		`, deltas[userID], roomID, userID)
		if err != nil {
			return 0, fmt.Errorf("decrement counter for %q: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return deltas.total(), nil
}

// CountUnread counts unread messages in a room not authored by readerID.
func (s *SQLiteStore) CountUnread(ctx context.Context, roomID, readerID string) (int64, error) {
	defer metrics.ObserveStore(sqliteBackend, "count_unread", time.Now())

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = ? AND sender_id <> ? AND is_read = 0
	`, roomID, readerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread in room %q: %w", roomID, err)
	}
	return count, nil
}

// CountUnreadForUser sums the user's unread counters across all their rooms.
func (s *SQLiteStore) CountUnreadForUser(ctx context.Context, userID string) (int64, error) {
	defer metrics.ObserveStore(sqliteBackend, "count_unread_user", time.Now())

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread), 0) FROM unread_counters WHERE user_id = ?
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count unread for user %q: %w", userID, err)
	}
	return total, nil
}

// UnreadByRoom lists every room the user takes part in with its unread count.
func (s *SQLiteStore) UnreadByRoom(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	defer metrics.ObserveStore(sqliteBackend, "unread_by_room", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, unread FROM unread_counters
		WHERE user_id = ?
		ORDER BY room_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("unread by room for user %q: %w", userID, err)
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		if err := rows.Scan(&summary.RoomID, &summary.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan counter row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unread by room for user %q: %w", userID, err)
	}

	return summaries, nil
}

// CountMessages returns the total number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountRooms returns the number of rooms holding at least one message.
func (s *SQLiteStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT room_id) FROM messages`).Scan(&count)
	return count, err
}

// MostRecentActivity returns the creation time of the newest message.
func (s *SQLiteStore) MostRecentActivity(ctx context.Context) (*time.Time, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&latest)
	if err != nil {
		return nil, err
	}
	if !latest.Valid {
		return nil, nil
	}
	t := time.UnixMicro(latest.Int64).UTC()
	return &t, nil
}
