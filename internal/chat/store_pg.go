package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrRoomNotFound = errors.New("conversation not found")

// PgStore persists messages and conversation summaries in postgres,
// mirroring the hot summary fields into redis when a cache is attached.
type PgStore struct {
	db    *sql.DB
	cache *SummaryCache // optional
	log   zerolog.Logger
}

func NewPgStore(db *sql.DB, cache *SummaryCache, log zerolog.Logger) *PgStore {
	return &PgStore{db: db, cache: cache, log: log}
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PgStore) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_avatar, content, nonce, ts)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, msg.SenderName, msg.SenderAvatar, msg.Text, msg.Nonce, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PgStore) ListMessages(ctx context.Context, roomID string) ([]Message, error) {
	// ULIDs sort in creation order, so ordering by id is persistence order.
	query := `
		SELECT id, conversation_id, sender_id, sender_name, COALESCE(sender_avatar, ''), content, COALESCE(nonce, ''), ts
		FROM messages
		WHERE conversation_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &m.Text, &m.Nonce, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PgStore) UpdateRoomSummary(ctx context.Context, roomID, lastMessage string, ts int64) error {
	query := `
		UPDATE conversations
		SET last_message = $2, last_message_ts = $3, unread = unread + 1
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query, roomID, lastMessage, ts)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}

	// Cache write is best-effort; the sidebar falls back to postgres.
	if s.cache != nil {
		if err := s.cache.Update(ctx, roomID, lastMessage, ts); err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Msg("summary cache update failed")
		}
	}
	return nil
}

func (s *PgStore) FindOrCreateConversation(ctx context.Context, clientID, title string) (*RoomSummary, error) {
	query := `
		INSERT INTO conversations (id, title, client_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET client_id = EXCLUDED.client_id
		RETURNING id, title, client_id, last_message, last_message_ts, unread
	`
	id := uuid.Must(uuid.NewV7()).String()

	sum := &RoomSummary{}
	err := s.db.QueryRowContext(ctx, query, id, title, clientID).
		Scan(&sum.RoomID, &sum.Title, &sum.ClientID, &sum.LastMessage, &sum.LastTS, &sum.Unread)
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return sum, nil
}

func (s *PgStore) ListConversations(ctx context.Context) ([]RoomSummary, error) {
	query := `
		SELECT id, title, client_id, last_message, last_message_ts, unread
		FROM conversations
		ORDER BY last_message_ts DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sums []RoomSummary
	for rows.Next() {
		var sum RoomSummary
		if err := rows.Scan(&sum.RoomID, &sum.Title, &sum.ClientID, &sum.LastMessage, &sum.LastTS, &sum.Unread); err != nil {
			return nil, err
		}
		// Redis carries the counter bumped by coordinators on other paths.
		if s.cache != nil {
			if unread, lastMsg, lastTS, err := s.cache.Get(ctx, sum.RoomID); err == nil && lastTS >= sum.LastTS {
				sum.Unread = unread
				sum.LastMessage = lastMsg
				sum.LastTS = lastTS
			}
		}
		sums = append(sums, sum)
	}
	return sums, rows.Err()
}

func (s *PgStore) ResetUnread(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE conversations SET unread = 0 WHERE id = $1", roomID); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.ResetUnread(ctx, roomID); err != nil {
			s.log.Warn().Err(err).Str("room", roomID).Msg("unread cache reset failed")
		}
	}
	return nil
}
