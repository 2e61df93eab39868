package store

import (
	"context"
	"fmt"
)

// MarkUnread flags chatID as unread for each listed user. Existing
// markers are left in place.
func (s *Store) MarkUnread(ctx context.Context, chatID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO unread (user_id, chat_id) VALUES (?, ?)
			 ON CONFLICT DO NOTHING`, uid, chatID); err != nil {
			return fmt.Errorf("mark unread: %w", err)
		}
	}
	return nil
}

// UnreadChats returns the ids of chats with unread activity for the
// user. Always non-nil.
func (s *Store) UnreadChats(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM unread WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("unread: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unread: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearUnread removes the unread marker for one chat.
func (s *Store) ClearUnread(ctx context.Context, userID, chatID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM unread WHERE user_id = ? AND chat_id = ?`, userID, chatID); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

// ClearAllUnread removes every unread marker for the user.
func (s *Store) ClearAllUnread(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM unread WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}
