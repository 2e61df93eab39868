package store

import (
	"context"
	"fmt"
)

// ChatFile records an uploaded object attached to a chat, so the
// objects can be removed when the chat is deleted.
type ChatFile struct {
	ID       int64  `json:"id"`
	ChatID   int64  `json:"chat_id"`
	FileName string `json:"file_name"`
	Bucket   string `json:"bucket"`
}

// AddChatFile records one uploaded file for a chat.
func (s *Store) AddChatFile(ctx context.Context, chatID int64, fileName, bucket string) (*ChatFile, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_files (chat_id, file_name, bucket) VALUES (?, ?, ?)`,
		chatID, fileName, bucket)
	if err != nil {
		return nil, fmt.Errorf("add chat file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("add chat file: %w", err)
	}
	return &ChatFile{ID: id, ChatID: chatID, FileName: fileName, Bucket: bucket}, nil
}

// FilesForChat lists the file records of a chat.
func (s *Store) FilesForChat(ctx context.Context, chatID int64) ([]ChatFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, file_name, bucket FROM chat_files WHERE chat_id = ?`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat files: %w", err)
	}
	defer rows.Close()

	var out []ChatFile
	for rows.Next() {
		var f ChatFile
		if err := rows.Scan(&f.ID, &f.ChatID, &f.FileName, &f.Bucket); err != nil {
			return nil, fmt.Errorf("chat files: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
