package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// User is one account row. PasswordHash never leaves this package's
// callers except for credential checks.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Surname      string    `json:"usersurname"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	PublicKey    string    `json:"public_key"`
	AvatarURL    string    `json:"avatar_url"`
	Phone        string    `json:"phone"`
	Bio          string    `json:"bio"`
	PushToken    string    `json:"-"`
	Verified     bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUser holds the fields needed to create an account.
type NewUser struct {
	Username     string
	Surname      string
	Email        string
	PasswordHash string
	PublicKey    string
	ConfirmToken string
}

const userColumns = `id, username, usersurname, email, password_hash, public_key,
	avatar_url, phone, bio, expo_push_token, is_verified, created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var verified int
	err := row.Scan(&u.ID, &u.Username, &u.Surname, &u.Email, &u.PasswordHash,
		&u.PublicKey, &u.AvatarURL, &u.Phone, &u.Bio, &u.PushToken, &verified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Verified = verified != 0
	return &u, nil
}

// CreateUser inserts an unverified account. Returns ErrDuplicate when
// the email is already registered.
func (s *Store) CreateUser(ctx context.Context, n NewUser) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, usersurname, email, password_hash, public_key, email_confirm_token)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.Username, n.Surname, n.Email, n.PasswordHash, n.PublicKey, n.ConfirmToken)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return s.UserByID(ctx, id)
}

// UserByID looks up one user.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// UserByEmail looks up one user by normalized email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

// ConfirmEmail marks the account holding token as verified and burns
// the token. Returns ErrNotFound for an unknown token.
func (s *Store) ConfirmEmail(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_verified = 1, email_confirm_token = ''
		 WHERE email_confirm_token = ?`, token)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	return requireRow(res)
}

// SetPasswordReset stages a password change behind a reset token. The
// new hash is stored alongside and applied only when the token is
// visited before expires.
func (s *Store) SetPasswordReset(ctx context.Context, userID int64, token, newHash string, expires time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET reset_token = ?, reset_password_hash = ?, reset_expires = ? WHERE id = ?`,
		token, newHash, expires.Unix(), userID)
	if err != nil {
		return fmt.Errorf("set password reset: %w", err)
	}
	return requireRow(res)
}

// ResetPassword applies the staged password for a live reset token
// and clears the reset fields. Returns ErrNotFound when the token is
// unknown or expired.
func (s *Store) ResetPassword(ctx context.Context, token string, now time.Time) error {
	if token == "" {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users
		 SET password_hash = reset_password_hash,
		     reset_token = '', reset_password_hash = '', reset_expires = 0
		 WHERE reset_token = ? AND reset_expires > ?`,
		token, now.Unix())
	if err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	return requireRow(res)
}

// UpdatePublicKey replaces the user's published key (rotated on login).
func (s *Store) UpdatePublicKey(ctx context.Context, userID int64, publicKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET public_key = ? WHERE id = ?`, publicKey, userID)
	if err != nil {
		return fmt.Errorf("update public key: %w", err)
	}
	return requireRow(res)
}

// UpdateProfile replaces the editable profile fields.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, username, surname, bio, phone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET username = ?, usersurname = ?, bio = ?, phone = ? WHERE id = ?`,
		username, surname, bio, phone, userID)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return requireRow(res)
}

// UpdateAvatar swaps the avatar URL and returns the previous one so
// the caller can remove the old object.
func (s *Store) UpdateAvatar(ctx context.Context, userID int64, avatarURL string) (old string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT avatar_url FROM users WHERE id = ?`, userID).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("update avatar: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET avatar_url = ? WHERE id = ?`, avatarURL, userID); err != nil {
		return "", fmt.Errorf("update avatar: %w", err)
	}
	return old, nil
}

// SetPushToken stores the user's push delivery token.
func (s *Store) SetPushToken(ctx context.Context, userID int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET expo_push_token = ? WHERE id = ?`, token, userID)
	if err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	return requireRow(res)
}

// DisplayName returns "surname username", the form shown in push
// notification titles.
func (s *Store) DisplayName(ctx context.Context, userID int64) (string, error) {
	var username, surname string
	err := s.db.QueryRowContext(ctx,
		`SELECT username, usersurname FROM users WHERE id = ?`, userID).
		Scan(&username, &surname)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("display name: %w", err)
	}
	return strings.TrimSpace(surname + " " + username), nil
}

// PushToken returns the user's push token, empty when none is set.
func (s *Store) PushToken(ctx context.Context, userID int64) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT expo_push_token FROM users WHERE id = ?`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("push token: %w", err)
	}
	return token, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
