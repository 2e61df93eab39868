// Package mail sends account emails: registration confirmation and
// password reset links.
package mail

import (
	"context"
	"fmt"
	"log/slog"
)

// Mailer delivers account emails. Failures are non-fatal to the
// request that triggered them.
type Mailer interface {
	SendConfirmation(ctx context.Context, to, confirmLink string) error
	SendPasswordReset(ctx context.Context, to, username, resetLink string) error
}

// LogMailer writes the mail contents to the log instead of sending.
// Used when no mail provider is configured; the links still appear in
// the log so an operator can complete flows manually.
type LogMailer struct {
	From string
}

// NewLogMailer creates a LogMailer with the given From line.
func NewLogMailer(from string) *LogMailer {
	return &LogMailer{From: from}
}

func (m *LogMailer) SendConfirmation(ctx context.Context, to, confirmLink string) error {
	slog.Info("mail: confirmation link",
		"from", m.From, "to", to, "link", confirmLink)
	return nil
}

func (m *LogMailer) SendPasswordReset(ctx context.Context, to, username, resetLink string) error {
	slog.Info("mail: password reset link",
		"from", m.From, "to", to, "user", username, "link", resetLink)
	return nil
}

// ConfirmLink builds the confirmation URL clients receive.
func ConfirmLink(baseURL, token string) string {
	return fmt.Sprintf("%s/auth/confirm-email?token=%s", baseURL, token)
}

// ResetLink builds the password reset URL clients receive.
func ResetLink(baseURL, token string) string {
	return fmt.Sprintf("%s/auth/reset-password?token=%s", baseURL, token)
}
