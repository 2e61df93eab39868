package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is one stored message. For group chats each recipient gets
// its own row encrypted to their key; UserID names that recipient and
// is zero for private chats.
type Message struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	UserID     int64     `json:"user_id,omitempty"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageWithSender is a message joined with the sender's display
// fields, as returned by the history endpoint.
type MessageWithSender struct {
	Message
	SenderName    string `json:"sender_name"`
	SenderSurname string `json:"sender_surname"`
	SenderAvatar  string `json:"sender_avatar"`
}

// InsertMessage stores one message row.
func (s *Store) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, sender_id, user_id, ciphertext, nonce)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ChatID, m.SenderID, m.UserID, m.Ciphertext, m.Nonce)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return s.MessageByID(ctx, id)
}

// MessageByID looks up one message.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, sender_id, user_id, ciphertext, nonce, created_at
		 FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.UserID, &m.Ciphertext, &m.Nonce, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message lookup: %w", err)
	}
	return &m, nil
}

// UpdateMessage replaces a message's payload and returns the new row.
func (s *Store) UpdateMessage(ctx context.Context, id int64, ciphertext, nonce string) (*Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET ciphertext = ?, nonce = ? WHERE id = ?`,
		ciphertext, nonce, id)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.MessageByID(ctx, id)
}

// DeleteMessage removes one message. Returns ErrNotFound when absent.
func (s *Store) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return requireRow(res)
}

// MessagesForChat returns the chat history oldest first, with sender
// display fields joined in.
func (s *Store) MessagesForChat(ctx context.Context, chatID int64) ([]MessageWithSender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.user_id, m.ciphertext, m.nonce, m.created_at,
		        u.username, u.usersurname, u.avatar_url
		 FROM messages m
		 JOIN users u ON m.sender_id = u.id
		 WHERE m.chat_id = ?
		 ORDER BY m.created_at ASC, m.id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	defer rows.Close()

	var out []MessageWithSender
	for rows.Next() {
		var m MessageWithSender
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.UserID, &m.Ciphertext,
			&m.Nonce, &m.CreatedAt, &m.SenderName, &m.SenderSurname, &m.SenderAvatar); err != nil {
			return nil, fmt.Errorf("messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
