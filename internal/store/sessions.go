package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session token kinds.
const (
	SessionAccess  = "access"
	SessionRefresh = "refresh"
)

// CreateSession stores an opaque bearer token for a user.
func (s *Store) CreateSession(ctx context.Context, token string, userID int64, kind string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, kind, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, kind, expiresAt.Unix())
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// SessionUser resolves a live token of the given kind to its user id.
// Expired or unknown tokens return ErrNotFound.
func (s *Store) SessionUser(ctx context.Context, token, kind string, now time.Time) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE token = ? AND kind = ? AND expires_at > ?`,
		token, kind, now.Unix()).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("session lookup: %w", err)
	}
	return userID, nil
}

// DeleteSession revokes one token. Unknown tokens are a no-op.
func (s *Store) DeleteSession(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions drops tokens past their expiry and returns how
// many were removed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}
