package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat kinds.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// Chat is one chat row.
type Chat struct {
	ID        int64     `json:"chat_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is a chat as listed for one user. For private chats
// OtherUser carries the peer's profile.
type ChatSummary struct {
	Chat
	OtherUser *Participant `json:"otherUser,omitempty"`
}

// Participant is the profile subset exposed to other chat members.
type Participant struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Surname   string `json:"usersurname"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PublicKey string `json:"public_key"`
}

// ChatByID looks up one chat.
func (s *Store) ChatByID(ctx context.Context, chatID int64) (*Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, created_at FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat lookup: %w", err)
	}
	return &c, nil
}

// PrivateChatBetween finds the private chat both users participate
// in, if one exists.
func (s *Store) PrivateChatBetween(ctx context.Context, a, b int64) (int64, error) {
	var chatID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT c.id FROM chats c
		 JOIN chat_participants p1 ON c.id = p1.chat_id AND p1.user_id = ?
		 JOIN chat_participants p2 ON c.id = p2.chat_id AND p2.user_id = ?
		 WHERE c.type = ?`, a, b, ChatPrivate).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("private chat lookup: %w", err)
	}
	return chatID, nil
}

// CreateChat inserts a chat with its participants in one transaction.
func (s *Store) CreateChat(ctx context.Context, chatType, name string, participantIDs []int64) (*Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats (type, name) VALUES (?, ?)`, chatType, name)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	for _, uid := range participantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)`, chatID, uid); err != nil {
			return nil, fmt.Errorf("add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return s.ChatByID(ctx, chatID)
}

// IsParticipant reports whether userID belongs to chatID.
func (s *Store) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?`,
		chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("participant check: %w", err)
	}
	return true, nil
}

// AddParticipant adds a user to a chat. Returns ErrDuplicate when the
// user is already a member.
func (s *Store) AddParticipant(ctx context.Context, chatID, userID int64) error {
	member, err := s.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if member {
		return ErrDuplicate
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)`, chatID, userID); err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// RemoveParticipant deletes the membership row and returns how many
// participants remain in the chat.
func (s *Store) RemoveParticipant(ctx context.Context, chatID, userID int64) (remaining int, err error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_participants WHERE chat_id = ? AND user_id = ?`, chatID, userID); err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_participants WHERE chat_id = ?`, chatID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}
	return remaining, nil
}

// DeleteChat removes the chat and all dependent rows, returning the
// file records so the caller can remove the stored objects.
func (s *Store) DeleteChat(ctx context.Context, chatID int64) ([]ChatFile, error) {
	files, err := s.FilesForChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete chat: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM chat_files WHERE chat_id = ?`,
		`DELETE FROM unread WHERE chat_id = ?`,
		`DELETE FROM messages WHERE chat_id = ?`,
		`DELETE FROM chat_participants WHERE chat_id = ?`,
		`DELETE FROM chats WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, chatID); err != nil {
			return nil, fmt.Errorf("delete chat: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete chat: %w", err)
	}
	return files, nil
}

// ParticipantIDs returns the user ids of a chat's members.
func (s *Store) ParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_participants WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("participants: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Participants returns the member profiles of a chat.
func (s *Store) Participants(ctx context.Context, chatID int64) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.usersurname, u.public_key
		 FROM chat_participants cp
		 JOIN users u ON cp.user_id = u.id
		 WHERE cp.chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.Username, &p.Surname, &p.PublicKey); err != nil {
			return nil, fmt.Errorf("participants: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ChatsForUser lists the user's chats, newest first, with the peer
// profile attached for private chats.
func (s *Store) ChatsForUser(ctx context.Context, userID int64) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.type, c.name, c.created_at
		 FROM chats c
		 JOIN chat_participants cp ON c.id = cp.chat_id
		 WHERE cp.user_id = ?
		 ORDER BY c.created_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("chats for user: %w", err)
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		if err := rows.Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chats for user: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		if chats[i].Type != ChatPrivate {
			continue
		}
		other, err := s.otherParticipant(ctx, chats[i].ID, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		chats[i].OtherUser = other
	}
	return chats, nil
}

func (s *Store) otherParticipant(ctx context.Context, chatID, userID int64) (*Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.usersurname, u.email, u.avatar_url, u.phone, u.public_key
		 FROM chat_participants cp
		 JOIN users u ON cp.user_id = u.id
		 WHERE cp.chat_id = ? AND cp.user_id != ?`, chatID, userID).
		Scan(&p.ID, &p.Username, &p.Surname, &p.Email, &p.AvatarURL, &p.Phone, &p.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("other participant: %w", err)
	}
	return &p, nil
}
