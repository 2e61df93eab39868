// Package auth implements account endpoints: registration with email
// confirmation, login with opaque bearer tokens, password reset, and
// profile management.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/avolkov/chatrelay/internal/blob"
	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/mail"
	"github.com/avolkov/chatrelay/internal/store"
)

var (
	emailRe     = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	forbiddenRe = regexp.MustCompile(`[<>]`)
	tagRe       = regexp.MustCompile(`<[^>]*>?`)
)

// Handlers serves the /auth endpoints.
type Handlers struct {
	Store  *store.Store
	Mailer mail.Mailer
	Blobs  blob.Store
	Config config.AuthConfig
}

// NewHandlers wires the auth endpoints.
func NewHandlers(s *store.Store, m mail.Mailer, b blob.Store, cfg config.AuthConfig) *Handlers {
	return &Handlers{Store: s, Mailer: m, Blobs: b, Config: cfg}
}

// Routes registers the auth endpoints on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("GET /auth/confirm-email", h.handleConfirmEmail)
	mux.HandleFunc("POST /auth/forgot-password", h.handleForgotPassword)
	mux.HandleFunc("GET /auth/reset-password", h.handleResetPassword)
	mux.HandleFunc("GET /auth/me", h.RequireAuth(h.handleMe))
	mux.HandleFunc("PUT /auth/update-profile", h.RequireAuth(h.handleUpdateProfile))
	mux.HandleFunc("PUT /auth/update-avatar", h.RequireAuth(h.handleUpdateAvatar))
	mux.HandleFunc("PUT /auth/expotoken", h.RequireAuth(h.handleExpoToken))
}

type registerRequest struct {
	Username  string `json:"username"`
	Surname   string `json:"usersurname"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.Config.RegistrationOn {
		writeError(w, http.StatusForbidden, "registration is disabled")
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Username == "" || req.Surname == "" || req.Password == "" || req.Email == "" || req.PublicKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "not enough data")
		return
	}
	if forbiddenRe.MatchString(req.Username) || forbiddenRe.MatchString(req.Surname) {
		writeError(w, http.StatusUnprocessableEntity, "name contains forbidden characters")
		return
	}
	if !emailRe.MatchString(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "invalid email")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), h.Config.BcryptCost)
	if err != nil {
		slog.Error("register: hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	confirmToken := uuid.NewString()

	user, err := h.Store.CreateUser(r.Context(), store.NewUser{
		Username:     req.Username,
		Surname:      req.Surname,
		Email:        req.Email,
		PasswordHash: string(hash),
		PublicKey:    req.PublicKey,
		ConfirmToken: confirmToken,
	})
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		slog.Error("register: create user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Mail failure is not fatal: the operator can resend from the log.
	link := mail.ConfirmLink(h.Config.PublicBaseURL, confirmToken)
	if err := h.Mailer.SendConfirmation(r.Context(), user.Email, link); err != nil {
		slog.Error("register: send confirmation", "email", user.Email, "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "confirmation email sent",
	})
}

type loginRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key"`
}

type tokenPair struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	User         *store.User `json:"user,omitempty"`
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" || req.PublicKey == "" {
		writeError(w, http.StatusUnprocessableEntity, "not enough data")
		return
	}
	if !emailRe.MatchString(req.Email) {
		writeError(w, http.StatusUnprocessableEntity, "invalid email")
		return
	}

	user, err := h.Store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		slog.Error("login: lookup user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !user.Verified {
		writeError(w, http.StatusForbidden, "email not confirmed")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Each login publishes a fresh client key for end-to-end payloads.
	if err := h.Store.UpdatePublicKey(r.Context(), user.ID, req.PublicKey); err != nil {
		slog.Error("login: update public key", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	user.PublicKey = req.PublicKey

	pair, err := h.issueTokens(r.Context(), user.ID)
	if err != nil {
		slog.Error("login: issue tokens", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	pair.User = user

	slog.Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handlers) issueTokens(ctx context.Context, userID int64) (*tokenPair, error) {
	now := time.Now()
	access := uuid.NewString()
	refresh := uuid.NewString()
	if err := h.Store.CreateSession(ctx, access, userID, store.SessionAccess, now.Add(h.Config.SessionTTL)); err != nil {
		return nil, err
	}
	if err := h.Store.CreateSession(ctx, refresh, userID, store.SessionRefresh, now.Add(h.Config.RefreshTTL)); err != nil {
		return nil, err
	}
	return &tokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

type refreshRequest struct {
	Token string `json:"token"`
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "no refresh token")
		return
	}

	userID, err := h.Store.SessionUser(r.Context(), req.Token, store.SessionRefresh, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusForbidden, "invalid refresh token")
		return
	}
	if err != nil {
		slog.Error("refresh: session lookup", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	access := uuid.NewString()
	if err := h.Store.CreateSession(r.Context(), access, userID, store.SessionAccess, time.Now().Add(h.Config.SessionTTL)); err != nil {
		slog.Error("refresh: create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, tokenPair{AccessToken: access})
}

func (h *Handlers) handleConfirmEmail(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "no token provided")
		return
	}
	err := h.Store.ConfirmEmail(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "invalid token")
		return
	}
	if err != nil {
		slog.Error("confirm email", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeHTMLNotice(w, "Email successfully confirmed")
}

type forgotPasswordRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

func (h *Handlers) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "email and newPassword are required")
		return
	}

	user, err := h.Store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		// Do not leak which emails exist.
		writeJSON(w, http.StatusOK, map[string]string{"message": "if the email exists, a reset link was sent"})
		return
	}
	if err != nil {
		slog.Error("forgot password: lookup user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), h.Config.BcryptCost)
	if err != nil {
		slog.Error("forgot password: hash", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	token := uuid.NewString()
	expires := time.Now().Add(h.Config.ResetTokenTTL)
	if err := h.Store.SetPasswordReset(r.Context(), user.ID, token, string(hash), expires); err != nil {
		slog.Error("forgot password: stage reset", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	link := mail.ResetLink(h.Config.PublicBaseURL, token)
	if err := h.Mailer.SendPasswordReset(r.Context(), user.Email, user.Username, link); err != nil {
		slog.Error("forgot password: send mail", "email", user.Email, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password reset email sent"})
}

func (h *Handlers) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	err := h.Store.ResetPassword(r.Context(), token, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "invalid or expired token")
		return
	}
	if err != nil {
		slog.Error("reset password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeHTMLNotice(w, "Your password was changed successfully")
}

func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.UserByID(r.Context(), UserID(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		slog.Error("me: lookup user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Surname  string `json:"surname"`
	Bio      string `json:"bio"`
	Phone    string `json:"phone"`
}

func (h *Handlers) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	username := sanitize(req.Username)
	surname := sanitize(req.Surname)
	bio := sanitize(req.Bio)
	phone := sanitize(req.Phone)

	switch {
	case len(username) > 32:
		writeError(w, http.StatusBadRequest, "username too long")
		return
	case len(surname) > 32:
		writeError(w, http.StatusBadRequest, "surname too long")
		return
	case len(bio) > 500:
		writeError(w, http.StatusBadRequest, "bio too long")
		return
	}

	userID := UserID(r.Context())
	if err := h.Store.UpdateProfile(r.Context(), userID, username, surname, bio, phone); err != nil {
		slog.Error("update profile", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "profile updated",
		"username": username,
		"surname":  surname,
		"bio":      bio,
		"phone":    phone,
	})
}

type updateAvatarRequest struct {
	AvatarURL string `json:"avatar_url"`
}

func (h *Handlers) handleUpdateAvatar(w http.ResponseWriter, r *http.Request) {
	var req updateAvatarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AvatarURL == "" {
		writeError(w, http.StatusBadRequest, "avatar_url is required")
		return
	}

	userID := UserID(r.Context())
	old, err := h.Store.UpdateAvatar(r.Context(), userID, req.AvatarURL)
	if err != nil {
		slog.Error("update avatar", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Old object may already be gone; that is fine.
	if bucket, name, ok := parseObjectURL(old); ok && h.Blobs != nil {
		if err := h.Blobs.Remove(r.Context(), bucket, name); err != nil {
			slog.Warn("update avatar: remove old object", "url", old, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "avatar updated",
		"avatar_url": req.AvatarURL,
	})
}

type expoTokenRequest struct {
	Token string `json:"expo_push_token"`
}

func (h *Handlers) handleExpoToken(w http.ResponseWriter, r *http.Request) {
	var req expoTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "expo_push_token is required")
		return
	}
	userID := UserID(r.Context())
	if err := h.Store.SetPushToken(r.Context(), userID, req.Token); err != nil {
		slog.Error("set push token", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "push token saved"})
}

// sanitize strips markup from a profile field.
func sanitize(s string) string {
	return strings.TrimSpace(tagRe.ReplaceAllString(s, ""))
}

// parseObjectURL splits ".../bucket/name" URLs produced by the upload
// endpoint back into their parts.
func parseObjectURL(u string) (bucket, name string, ok bool) {
	if u == "" {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(u, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	bucket, name = parts[len(parts)-2], parts[len(parts)-1]
	if !blob.BucketAllowed(bucket) || name == "" {
		return "", "", false
	}
	return bucket, name, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func writeHTMLNotice(w http.ResponseWriter, title string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body style=\"font-family:sans-serif;padding:20px;\"><h1>" +
		title + "</h1><p>You may close this window.</p></body></html>"))
}
