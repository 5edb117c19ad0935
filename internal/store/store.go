// Package store provides the PostgreSQL-backed persistence and room
// membership collaborators consumed by the delivery coordinator. Messages,
// reactions, and remember flags are durable here; the delivery core treats
// this package as the single source of truth and never publishes an event
// for state that did not commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/duet/chat-app/internal/delivery"
	"github.com/duet/chat-app/internal/protocol"
)

// DefaultHistoryLimit bounds FetchHistory when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

// Store implements delivery.Persistence and delivery.Membership on
// PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore opens a PostgreSQL connection pool and verifies it.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping failed: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the migration runner.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreMessage inserts a message and returns the canonical record with the
// database-assigned id and timestamp.
func (s *Store) StoreMessage(ctx context.Context, room int64, sender, content, msgType, replyToID string) (delivery.StoredMessage, error) {
	const query = `
		INSERT INTO messages (room_id, sender_id, content, message_type, reply_to_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid)
		RETURNING id, created_at`

	var (
		id        string
		createdAt time.Time
	)
	if err := s.db.QueryRowContext(ctx, query, room, sender, content, msgType, replyToID).
		Scan(&id, &createdAt); err != nil {
		return delivery.StoredMessage{}, fmt.Errorf("store: insert message: %w", err)
	}

	return delivery.StoredMessage{
		ID:        id,
		CreatedAt: createdAt,
		Record: protocol.MessageRecord{
			ID:          id,
			RoomID:      room,
			SenderID:    sender,
			Content:     content,
			MessageType: msgType,
			ReplyToID:   replyToID,
			Reactions:   map[string][]string{},
			CreatedAt:   createdAt.UTC().Format(time.RFC3339Nano),
		},
	}, nil
}

// SetReaction adds or removes a reaction and returns the full recomputed
// reaction map for the message. The primary key on (message_id, user_id,
// reaction_type) enforces one-reaction-per-type-per-user; a duplicate add
// is a no-op that still returns the current map.
func (s *Store) SetReaction(ctx context.Context, messageID, user, reactionType string, add bool) (map[string][]string, error) {
	if add {
		const query = `
			INSERT INTO message_reactions (message_id, user_id, reaction_type)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`
		if _, err := s.db.ExecContext(ctx, query, messageID, user, reactionType); err != nil {
			return nil, fmt.Errorf("store: add reaction: %w", err)
		}
	} else {
		const query = `
			DELETE FROM message_reactions
			WHERE message_id = $1 AND user_id = $2 AND reaction_type = $3`
		if _, err := s.db.ExecContext(ctx, query, messageID, user, reactionType); err != nil {
			return nil, fmt.Errorf("store: remove reaction: %w", err)
		}
	}

	reactions, err := s.reactionsFor(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	m, ok := reactions[messageID]
	if !ok {
		m = map[string][]string{}
	}
	return m, nil
}

// SetRemembered flags a message as remembered under a memory category.
func (s *Store) SetRemembered(ctx context.Context, messageID, category string) error {
	const query = `
		UPDATE messages
		SET is_remembered = TRUE, memory_category = $2, updated_at = now()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, messageID, category)
	if err != nil {
		return fmt.Errorf("store: set remembered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set remembered rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: message %s not found", messageID)
	}
	return nil
}

// FetchHistory returns up to limit messages created before the given time,
// newest first, with their reaction maps populated.
func (s *Store) FetchHistory(ctx context.Context, room int64, before time.Time, limit int) ([]protocol.MessageRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if before.IsZero() {
		before = time.Now()
	}

	const query = `
		SELECT id, room_id, sender_id, content, message_type,
		       COALESCE(media_url, ''), view_once, view_once_viewed,
		       COALESCE(reply_to_id::text, ''), is_remembered,
		       COALESCE(memory_category, ''), created_at
		FROM messages
		WHERE room_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, room, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch history: %w", err)
	}
	defer rows.Close()

	var (
		records []protocol.MessageRecord
		ids     []string
	)
	for rows.Next() {
		var (
			rec       protocol.MessageRecord
			createdAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.RoomID, &rec.SenderID, &rec.Content,
			&rec.MessageType, &rec.MediaURL, &rec.ViewOnce, &rec.ViewOnceViewed,
			&rec.ReplyToID, &rec.IsRemembered, &rec.MemoryCategory, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		rec.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
		rec.Reactions = map[string][]string{}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch history rows: %w", err)
	}

	if len(ids) > 0 {
		reactions, err := s.reactionsFor(ctx, ids)
		if err != nil {
			return nil, err
		}
		for i := range records {
			if m, ok := reactions[records[i].ID]; ok {
				records[i].Reactions = m
			}
		}
	}

	return records, nil
}

// DeleteRoomMessages removes every message in a room and returns the count.
func (s *Store) DeleteRoomMessages(ctx context.Context, room int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = $1`, room)
	if err != nil {
		return 0, fmt.Errorf("store: delete room messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete room messages rows: %w", err)
	}
	return n, nil
}

// IsMember reports whether the user is one of the room's two members.
func (s *Store) IsMember(ctx context.Context, room int64, user string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM rooms WHERE id = $1 AND (user_a = $2 OR user_b = $2)
		)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, room, user).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: membership lookup: %w", err)
	}
	return ok, nil
}

// MembersOf returns the room's member user IDs.
func (s *Store) MembersOf(ctx context.Context, room int64) ([]string, error) {
	const query = `SELECT user_a, user_b FROM rooms WHERE id = $1`

	var a, b string
	err := s.db.QueryRowContext(ctx, query, room).Scan(&a, &b)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: members lookup: %w", err)
	}
	return []string{a, b}, nil
}

// reactionsFor loads reaction maps for a set of message IDs in one query.
func (s *Store) reactionsFor(ctx context.Context, messageIDs []string) (map[string]map[string][]string, error) {
	const query = `
		SELECT message_id, reaction_type, user_id
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(messageIDs))
	if err != nil {
		return nil, fmt.Errorf("store: load reactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string][]string)
	for rows.Next() {
		var msgID, rtype, user string
		if err := rows.Scan(&msgID, &rtype, &user); err != nil {
			return nil, fmt.Errorf("store: scan reaction: %w", err)
		}
		m, ok := out[msgID]
		if !ok {
			m = make(map[string][]string)
			out[msgID] = m
		}
		m[rtype] = append(m[rtype], user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reaction rows: %w", err)
	}
	return out, nil
}
