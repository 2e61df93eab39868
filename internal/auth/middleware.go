package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/avolkov/chatrelay/internal/security"
	"github.com/avolkov/chatrelay/internal/store"
)

type contextKey struct{}

var userIDKey contextKey

// UserID returns the authenticated user id placed by RequireAuth, or
// zero outside an authenticated request.
func UserID(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

// WithUserID binds a user id to the context the way RequireAuth does.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// RequireAuth resolves the bearer token to a user and rejects
// requests from unverified or unknown accounts.
func (h *Handlers) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := h.Store.SessionUser(r.Context(), token, store.SessionAccess, time.Now())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}
		if err != nil {
			slog.Error("auth middleware: session lookup", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		user, err := h.Store.UserByID(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}
		if !user.Verified {
			writeError(w, http.StatusForbidden, "email not confirmed")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}
