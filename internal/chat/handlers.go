// Package chat implements the chat mutation endpoints. Every mutation
// follows the same pipeline: commit to storage, fan the event out to
// participants' live connections, then fire push notifications. Fan-out
// and push are best-effort and never fail the request.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avolkov/chatrelay/internal/auth"
	"github.com/avolkov/chatrelay/internal/blob"
	"github.com/avolkov/chatrelay/internal/store"
)

// Notifier delivers one event to every live connection of the listed
// users. Implemented by relay.Fanout.
type Notifier interface {
	Deliver(ctx context.Context, userIDs []int64, event any)
}

// Pusher delivers one push notification.
type Pusher interface {
	Send(ctx context.Context, token, title, body string, data map[string]any) error
}

// Handlers serves the /chats endpoints.
type Handlers struct {
	Store  *store.Store
	Notify Notifier
	Pusher Pusher // optional
	Blobs  blob.Store

	PushTimeout time.Duration
}

// NewHandlers wires the chat endpoints.
func NewHandlers(s *store.Store, n Notifier, p Pusher, b blob.Store) *Handlers {
	return &Handlers{Store: s, Notify: n, Pusher: p, Blobs: b, PushTimeout: 10 * time.Second}
}

// Routes registers the chat endpoints on mux behind the auth
// middleware.
func (h *Handlers) Routes(mux *http.ServeMux, requireAuth func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /chats/createprivate", requireAuth(h.handleCreatePrivate))
	mux.HandleFunc("POST /chats/creategroup", requireAuth(h.handleCreateGroup))
	mux.HandleFunc("POST /chats/send", requireAuth(h.handleSendMessage))
	mux.HandleFunc("POST /chats/addparticipant", requireAuth(h.handleAddParticipant))
	mux.HandleFunc("GET /chats/getchats", requireAuth(h.handleGetChats))
	mux.HandleFunc("GET /chats/unread", requireAuth(h.handleGetUnread))
	mux.HandleFunc("DELETE /chats/unread", requireAuth(h.handleClearAllUnread))
	mux.HandleFunc("DELETE /chats/unread/{chatID}", requireAuth(h.handleClearUnread))
	mux.HandleFunc("GET /chats/{chatID}/participants", requireAuth(h.handleParticipants))
	mux.HandleFunc("GET /chats/{chatID}", requireAuth(h.handleMessages))
	mux.HandleFunc("DELETE /chats/leave/{chatID}", requireAuth(h.handleLeave))
	mux.HandleFunc("PUT /chats/message/{messageID}", requireAuth(h.handleUpdateMessage))
	mux.HandleFunc("DELETE /chats/message/{messageID}", requireAuth(h.handleDeleteMessage))
}

type createPrivateRequest struct {
	Email string `json:"email"`
}

func (h *Handlers) handleCreatePrivate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req createPrivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	other, err := h.Store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.serverError(w, "create private: lookup user", err)
		return
	}

	if existing, err := h.Store.PrivateChatBetween(r.Context(), userID, other.ID); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"chatId": existing, "message": "chat already exists"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.serverError(w, "create private: existing chat lookup", err)
		return
	}

	chat, err := h.Store.CreateChat(r.Context(), store.ChatPrivate, "", []int64{userID, other.ID})
	if err != nil {
		h.serverError(w, "create private chat", err)
		return
	}

	h.Notify.Deliver(r.Context(), []int64{userID, other.ID}, chatCreatedEvent{
		Type:         EventChatCreated,
		ChatID:       chat.ID,
		Participants: []int64{userID, other.ID},
		CreatedAt:    chat.CreatedAt,
	})

	writeJSON(w, http.StatusCreated, map[string]any{"chatId": chat.ID, "message": "private chat created"})
}

type createGroupRequest struct {
	Name         string   `json:"name"`
	Participants []string `json:"participants"` // emails
}

func (h *Handlers) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.UserID(r.Context())

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || len(req.Participants) == 0 {
		writeError(w, http.StatusBadRequest, "group name and participants are required")
		return
	}

	seen := map[int64]bool{ownerID: true}
	members := []int64{ownerID}
	for _, email := range req.Participants {
		u, err := h.Store.UserByEmail(r.Context(), email)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.serverError(w, "create group: lookup user", err)
			return
		}
		if !seen[u.ID] {
			seen[u.ID] = true
			members = append(members, u.ID)
		}
	}
	if len(members) == 1 {
		writeError(w, http.StatusNotFound, "no listed users found")
		return
	}

	chat, err := h.Store.CreateChat(r.Context(), store.ChatGroup, req.Name, members)
	if err != nil {
		h.serverError(w, "create group chat", err)
		return
	}

	h.Notify.Deliver(r.Context(), members, groupCreatedEvent{
		Type:         EventGroupCreated,
		ChatID:       chat.ID,
		Name:         req.Name,
		Participants: members,
		CreatedAt:    chat.CreatedAt,
	})

	writeJSON(w, http.StatusCreated, map[string]any{"chat_id": chat.ID, "message": "group chat created"})
}

type groupMessagePayload struct {
	UserID     int64  `json:"user_id"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

type sendMessageRequest struct {
	ChatID     int64                 `json:"chat_id"`
	Ciphertext string                `json:"ciphertext"`
	Nonce      string                `json:"nonce"`
	Messages   []groupMessagePayload `json:"messages"`
	ChatName   string                `json:"chatName"`
}

func (h *Handlers) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	senderID := auth.UserID(r.Context())

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == 0 {
		writeError(w, http.StatusUnprocessableEntity, "chat_id is required")
		return
	}

	chat, err := h.Store.ChatByID(r.Context(), req.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		h.serverError(w, "send: chat lookup", err)
		return
	}

	sender, err := h.Store.UserByID(r.Context(), senderID)
	if err != nil {
		h.serverError(w, "send: sender lookup", err)
		return
	}
	participants, err := h.Store.ParticipantIDs(r.Context(), chat.ID)
	if err != nil {
		h.serverError(w, "send: participants", err)
		return
	}

	recipients := make([]int64, 0, len(participants))
	for _, id := range participants {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}

	if chat.Type == store.ChatPrivate {
		h.sendPrivate(w, r, chat, sender, participants, recipients, req)
	} else {
		h.sendGroup(w, r, chat, sender, participants, recipients, req)
	}
}

func (h *Handlers) sendPrivate(w http.ResponseWriter, r *http.Request, chat *store.Chat, sender *store.User, participants, recipients []int64, req sendMessageRequest) {
	if req.Ciphertext == "" || req.Nonce == "" {
		writeError(w, http.StatusUnprocessableEntity, "ciphertext and nonce are required")
		return
	}

	msg, err := h.Store.InsertMessage(r.Context(), store.Message{
		ChatID: chat.ID, SenderID: sender.ID, Ciphertext: req.Ciphertext, Nonce: req.Nonce,
	})
	if err != nil {
		h.serverError(w, "send: insert message", err)
		return
	}
	if err := h.Store.MarkUnread(r.Context(), chat.ID, recipients); err != nil {
		slog.Error("send: mark unread", "chat_id", chat.ID, "error", err)
	}

	h.Notify.Deliver(r.Context(), participants, messageNewEvent{
		Type:          EventMessageNew,
		ChatID:        chat.ID,
		ID:            msg.ID,
		SenderID:      sender.ID,
		SenderName:    sender.Username,
		SenderSurname: sender.Surname,
		SenderAvatar:  sender.AvatarURL,
		Ciphertext:    req.Ciphertext,
		Nonce:         req.Nonce,
		CreatedAt:     msg.CreatedAt,
	})
	h.pushNewMessage(chat, sender, recipients, req.ChatName)

	writeJSON(w, http.StatusOK, msg)
}

func (h *Handlers) sendGroup(w http.ResponseWriter, r *http.Request, chat *store.Chat, sender *store.User, participants, recipients []int64, req sendMessageRequest) {
	if len(req.Messages) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "messages is required for group chats")
		return
	}

	inserted := make([]store.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		row, err := h.Store.InsertMessage(r.Context(), store.Message{
			ChatID: chat.ID, SenderID: sender.ID, UserID: m.UserID,
			Ciphertext: m.Ciphertext, Nonce: m.Nonce,
		})
		if err != nil {
			h.serverError(w, "send: insert group message", err)
			return
		}
		inserted = append(inserted, *row)
	}
	if err := h.Store.MarkUnread(r.Context(), chat.ID, recipients); err != nil {
		slog.Error("send: mark unread", "chat_id", chat.ID, "error", err)
	}

	h.Notify.Deliver(r.Context(), participants, messageNewEvent{
		Type:          EventMessageNew,
		ChatID:        chat.ID,
		SenderID:      sender.ID,
		SenderName:    sender.Username,
		SenderSurname: sender.Surname,
		SenderAvatar:  sender.AvatarURL,
		CreatedAt:     time.Now().UTC(),
		Messages:      inserted,
	})
	h.pushNewMessage(chat, sender, recipients, req.ChatName)

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "inserted": inserted})
}

// pushNewMessage notifies offline-capable devices in a detached
// goroutine. Group pushes are titled with the chat name, private ones
// with the sender.
func (h *Handlers) pushNewMessage(chat *store.Chat, sender *store.User, recipients []int64, chatName string) {
	if h.Pusher == nil {
		return
	}
	title := sender.Surname + " " + sender.Username
	if chat.Type == store.ChatGroup && chatName != "" {
		title = chatName
	}
	chatID := chat.ID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.PushTimeout)
		defer cancel()
		for _, uid := range recipients {
			token, err := h.Store.PushToken(ctx, uid)
			if err != nil || token == "" {
				continue
			}
			if err := h.Pusher.Send(ctx, token, title, "New message", map[string]any{
				"chat_id": chatID,
				"type":    EventMessageNew,
			}); err != nil {
				slog.Warn("push: new message", "user_id", uid, "error", err)
			}
		}
	}()
}

type addParticipantRequest struct {
	Email     string    `json:"email"`
	ChatID    int64     `json:"chat_id"`
	GroupName string    `json:"groupName"`
	ChatType  string    `json:"chat_type"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handlers) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.ChatID == 0 {
		writeError(w, http.StatusBadRequest, "email and chat_id are required")
		return
	}

	user, err := h.Store.UserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.serverError(w, "add participant: lookup user", err)
		return
	}

	err = h.Store.AddParticipant(r.Context(), req.ChatID, user.ID)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusConflict, "user already in chat")
		return
	}
	if err != nil {
		h.serverError(w, "add participant", err)
		return
	}

	// Only the new member is notified; existing members learn about
	// them from the next message.
	h.Notify.Deliver(r.Context(), []int64{user.ID}, addParticipantEvent{
		Type:      EventAddParticipant,
		ChatID:    req.ChatID,
		Name:      req.GroupName,
		ChatType:  req.ChatType,
		CreatedAt: req.CreatedAt,
	})

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": user.ID, "chat_id": req.ChatID})
}

func (h *Handlers) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}

	member, err := h.Store.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		h.serverError(w, "leave: participant check", err)
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a participant of this chat")
		return
	}

	remaining, err := h.Store.RemoveParticipant(r.Context(), chatID, userID)
	if err != nil {
		h.serverError(w, "leave chat", err)
		return
	}

	// Only the leaver's own connections hear about it.
	h.Notify.Deliver(r.Context(), []int64{userID}, chatRemovedEvent{
		Type:   EventChatRemoved,
		ChatID: chatID,
	})

	if remaining > 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"message":                "left chat",
			"remaining_participants": remaining,
		})
		return
	}

	// Last one out deletes the chat and its stored files.
	files, err := h.Store.DeleteChat(r.Context(), chatID)
	if err != nil {
		h.serverError(w, "leave: delete empty chat", err)
		return
	}
	for _, f := range files {
		if h.Blobs == nil {
			break
		}
		if err := h.Blobs.Remove(r.Context(), f.Bucket, f.FileName); err != nil {
			slog.Warn("leave: remove chat file", "bucket", f.Bucket, "file", f.FileName, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "left chat; chat deleted, no participants remained"})
}

func (h *Handlers) handleGetChats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	chats, err := h.Store.ChatsForUser(r.Context(), userID)
	if err != nil {
		h.serverError(w, "get chats", err)
		return
	}
	if chats == nil {
		chats = []store.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *Handlers) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	msgs, err := h.Store.MessagesForChat(r.Context(), chatID)
	if err != nil {
		h.serverError(w, "get messages", err)
		return
	}
	if msgs == nil {
		msgs = []store.MessageWithSender{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) handleParticipants(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	parts, err := h.Store.Participants(r.Context(), chatID)
	if err != nil {
		h.serverError(w, "get participants", err)
		return
	}
	if parts == nil {
		parts = []store.Participant{}
	}
	writeJSON(w, http.StatusOK, parts)
}

func (h *Handlers) handleGetUnread(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.UnreadChats(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.serverError(w, "get unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": ids})
}

func (h *Handlers) handleClearUnread(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathID(w, r, "chatID")
	if !ok {
		return
	}
	if err := h.Store.ClearUnread(r.Context(), auth.UserID(r.Context()), chatID); err != nil {
		h.serverError(w, "clear unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleClearAllUnread(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.ClearAllUnread(r.Context(), auth.UserID(r.Context())); err != nil {
		h.serverError(w, "clear all unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type updateMessageRequest struct {
	Ciphertext string               `json:"ciphertext"`
	Nonce      string               `json:"nonce"`
	Messages   []updateGroupMessage `json:"messages"`
}

type updateGroupMessage struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"user_id"`
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

func (h *Handlers) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	var req updateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Ciphertext == "" && len(req.Messages) == 0) {
		writeError(w, http.StatusUnprocessableEntity, "ciphertext or messages is required")
		return
	}

	msg, err := h.Store.MessageByID(r.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.serverError(w, "update message: lookup", err)
		return
	}
	if msg.SenderID != userID {
		writeError(w, http.StatusForbidden, "not the message sender")
		return
	}

	chat, err := h.Store.ChatByID(r.Context(), msg.ChatID)
	if err != nil {
		h.serverError(w, "update message: chat lookup", err)
		return
	}
	sender, err := h.Store.UserByID(r.Context(), userID)
	if err != nil {
		h.serverError(w, "update message: sender lookup", err)
		return
	}
	participants, err := h.Store.ParticipantIDs(r.Context(), msg.ChatID)
	if err != nil {
		h.serverError(w, "update message: participants", err)
		return
	}

	withSender := func(m store.Message) store.MessageWithSender {
		return store.MessageWithSender{
			Message:       m,
			SenderName:    sender.Username,
			SenderSurname: sender.Surname,
			SenderAvatar:  sender.AvatarURL,
		}
	}

	if chat.Type == store.ChatPrivate {
		updated, err := h.Store.UpdateMessage(r.Context(), messageID, req.Ciphertext, req.Nonce)
		if err != nil {
			h.serverError(w, "update message", err)
			return
		}
		m := withSender(*updated)
		h.Notify.Deliver(r.Context(), participants, messageUpdatedEvent{
			Type:    EventMessageUpdated,
			ChatID:  msg.ChatID,
			Message: &m,
		})
		writeJSON(w, http.StatusOK, updated)
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "cannot update a group message without per-recipient copies")
		return
	}
	updated := make([]store.MessageWithSender, 0, len(req.Messages))
	for _, m := range req.Messages {
		row, err := h.Store.UpdateMessage(r.Context(), m.ID, m.Ciphertext, m.Nonce)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.serverError(w, "update group message", err)
			return
		}
		updated = append(updated, withSender(*row))
	}
	h.Notify.Deliver(r.Context(), participants, messageUpdatedEvent{
		Type:     EventMessageUpdated,
		ChatID:   msg.ChatID,
		Messages: updated,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "updated": updated})
}

func (h *Handlers) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}

	msg, err := h.Store.MessageByID(r.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		h.serverError(w, "delete message: lookup", err)
		return
	}
	if msg.SenderID != userID {
		writeError(w, http.StatusForbidden, "not the message sender")
		return
	}

	if err := h.Store.DeleteMessage(r.Context(), messageID); err != nil {
		h.serverError(w, "delete message", err)
		return
	}
	participants, err := h.Store.ParticipantIDs(r.Context(), msg.ChatID)
	if err != nil {
		h.serverError(w, "delete message: participants", err)
		return
	}
	h.Notify.Deliver(r.Context(), participants, messageDeletedEvent{
		Type:      EventMessageDeleted,
		ChatID:    msg.ChatID,
		MessageID: messageID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "message deleted"})
}

func (h *Handlers) serverError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
