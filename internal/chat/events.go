package chat

import (
	"time"

	"github.com/avolkov/chatrelay/internal/store"
)

// Event types fanned out to live connections after a committed chat
// mutation.
const (
	EventChatCreated    = "chat_created"
	EventGroupCreated   = "group_created"
	EventChatRemoved    = "chat_removed"
	EventAddParticipant = "add_participant"
	EventMessageNew     = "message_new"
	EventMessageUpdated = "message_updated"
	EventMessageDeleted = "message_deleted"
)

type chatCreatedEvent struct {
	Type         string    `json:"type"`
	ChatID       int64     `json:"chat_id"`
	Participants []int64   `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

type groupCreatedEvent struct {
	Type         string    `json:"type"`
	ChatID       int64     `json:"chat_id"`
	Name         string    `json:"name"`
	Participants []int64   `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type chatRemovedEvent struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
}

type addParticipantEvent struct {
	Type      string    `json:"type"`
	ChatID    int64     `json:"chat_id"`
	Name      string    `json:"name,omitempty"`
	ChatType  string    `json:"chat_type"`
	CreatedAt time.Time `json:"created_at"`
}

type messageNewEvent struct {
	Type          string          `json:"type"`
	ChatID        int64           `json:"chat_id"`
	ID            int64           `json:"id,omitempty"`
	SenderID      int64           `json:"sender_id"`
	SenderName    string          `json:"sender_name"`
	SenderSurname string          `json:"sender_surname"`
	SenderAvatar  string          `json:"sender_avatar"`
	Ciphertext    string          `json:"ciphertext,omitempty"`
	Nonce         string          `json:"nonce,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Messages      []store.Message `json:"messages,omitempty"` // group: per-recipient copies
}

type messageUpdatedEvent struct {
	Type     string                    `json:"type"`
	ChatID   int64                     `json:"chat_id"`
	Message  *store.MessageWithSender  `json:"message,omitempty"`  // private
	Messages []store.MessageWithSender `json:"messages,omitempty"` // group
}

type messageDeletedEvent struct {
	Type      string `json:"type"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
}
