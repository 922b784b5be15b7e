package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists chat messages in PostgreSQL. Persistence happens before
// any publish attempt, so a receiver that is offline when the event
// fires re-derives the conversation from a History fetch on reconnect.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert validates and persists the message, assigning its ID and
// CreatedAt. The message is mutated in place so the caller can publish
// exactly what was stored.
func (s *Store) Insert(ctx context.Context, msg *Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}

	msg.ID = uuid.New().String()
	msg.CreatedAt = time.Now().UTC()

	const query = `
		INSERT INTO chat_messages (id, task_id, sender_id, receiver_id, content, type, media_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.TaskID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		msg.Type,
		nullString(msg.MediaURL),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// History returns up to limit messages for a task ordered by creation
// time ascending. This is the REST snapshot source a reconnecting client
// uses to catch up on anything it missed while offline.
func (s *Store) History(ctx context.Context, taskID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT id, task_id, sender_id, receiver_id, content, type, COALESCE(media_url, ''), created_at
		FROM chat_messages
		WHERE task_id = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: query history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.Type, &m.MediaURL, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate history: %w", err)
	}
	return msgs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
