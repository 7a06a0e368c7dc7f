package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

const postgresBackend = "postgres"

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append validates and persists a message, bumping the recipient's unread counter.
func (s *PostgresStore) Append(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	msg, room, err := newRecord(in)
	if err != nil {
		return nil, err
	}
	defer metrics.ObserveStore(postgresBackend, "append", time.Now())

	a, b := room.Participants()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (id, room_id, sender_id, participant_a, participant_b, text, client_time, created_at, is_read)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		`, msg.ID, msg.RoomID, msg.SenderID, a, b, msg.Text, msg.Time, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message %q: %w", msg.ID, err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO unread_counters (room_id, user_id, unread) VALUES ($1, $2, 0)
			ON CONFLICT (room_id, user_id) DO NOTHING
		`, msg.RoomID, msg.SenderID)
		if err != nil {
			return fmt.Errorf("ensure sender counter: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO unread_counters (room_id, user_id, unread) VALUES ($1, $2, 1)
			ON CONFLICT (room_id, user_id) DO UPDATE SET unread = unread_counters.unread + 1
		`, msg.RoomID, room.Other(msg.SenderID))
		if err != nil {
			return fmt.Errorf("bump recipient counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return msg, nil
}

// History returns every message of a room, oldest first.
func (s *PostgresStore) History(ctx context.Context, roomID string) ([]models.Message, error) {
	defer metrics.ObserveStore(postgresBackend, "history", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, sender_id, text, client_time, created_at, is_read
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at ASC, id ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("history for room %q: %w", roomID, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID,
			&msg.RoomID,
			&msg.SenderID,
			&msg.Text,
			&msg.Time,
			&msg.CreatedAt,
			&msg.Read,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history for room %q: %w", roomID, err)
	}

	return messages, nil
}

// MarkRead flags every message in the room not authored by readerID as read
// and subtracts them from their recipients' counters.
func (s *PostgresStore) MarkRead(ctx context.Context, roomID, readerID string) (int64, error) {
	defer metrics.ObserveStore(postgresBackend, "mark_read", time.Now())

	deltas := readDeltas{}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE messages SET is_read = TRUE
			WHERE room_id = $1 AND sender_id <> $2 AND is_read = FALSE
			RETURNING sender_id, participant_a, participant_b
		`, roomID, readerID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var sender, a, b string
			if err := rows.Scan(&sender, &a, &b); err != nil {
				rows.Close()
				return err
			}
			deltas.add(sender, a, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, userID := range deltas.users() {
			_, err := tx.Exec(ctx, `
				UPDATE unread_counters SET unread = unread - $3
				WHERE room_id = $1 AND user_id = $2
			`, roomID, userID, deltas[userID])
			if err != nil {
				return fmt.Errorf("decrement counter for %q: %w", userID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark read in room %q: %w", roomID, err)
	}

	return deltas.total(), nil
}

// CountUnread counts unread messages in a room not authored by readerID.
func (s *PostgresStore) CountUnread(ctx context.Context, roomID, readerID string) (int64, error) {
	defer metrics.ObserveStore(postgresBackend, "count_unread", time.Now())

	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE room_id = $1 AND sender_id <> $2 AND is_read = FALSE
	`, roomID, readerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread in room %q: %w", roomID, err)
	}
	return count, nil
}

// CountUnreadForUser sums the user's unread counters across all their rooms.
func (s *PostgresStore) CountUnreadForUser(ctx context.Context, userID string) (int64, error) {
	defer metrics.ObserveStore(postgresBackend, "count_unread_user", time.Now())

	var total int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(unread), 0)::BIGINT FROM unread_counters WHERE user_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count unread for user %q: %w", userID, err)
	}
	return total, nil
}

// UnreadByRoom lists every room the user takes part in with its unread count.
func (s *PostgresStore) UnreadByRoom(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	defer metrics.ObserveStore(postgresBackend, "unread_by_room", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT room_id, unread FROM unread_counters
		WHERE user_id = $1
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
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CountRooms returns the number of rooms holding at least one message.
func (s *PostgresStore) CountRooms(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT room_id) FROM messages`).Scan(&count)
	return count, err
}

// MostRecentActivity returns the creation time of the newest message.
func (s *PostgresStore) MostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
