package models

import "time"

// Role identifies which side of the platform an identity belongs to. User and
// trainer IDs live in separate namespaces, so an identity is always (id, role).
type Role string

const (
	RoleUser    Role = "user"
	RoleTrainer Role = "trainer"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleTrainer
}

// Counterpart returns the opposite role. A chat pair is always one user and
// one trainer, so a counterparty's role is never ambiguous.
func (r Role) Counterpart() Role {
	if r == RoleUser {
		return RoleTrainer
	}
	return RoleUser
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeImage || t == MessageTypeAudio
}

// RequiresMedia reports whether messages of this type carry an external media
// reference instead of a text body.
func (t MessageType) RequiresMedia() bool {
	return t == MessageTypeImage || t == MessageTypeAudio
}

// Identity is an authenticated actor as handed to the core by the auth layer.
type Identity struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

// Message is the only persisted chat entity. ID and CreatedAt are assigned by
// the database; IsRead starts false and only ever transitions to true.
type Message struct {
	ID          int64       `json:"id"`
	SenderID    int64       `json:"sender_id"`
	ReceiverID  int64       `json:"receiver_id"`
	SenderRole  Role        `json:"sender_role"`
	MessageType MessageType `json:"message_type"`
	Body        string      `json:"body"`
	MediaRef    string      `json:"media_ref,omitempty"`
	IsRead      bool        `json:"is_read"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Sender returns the identity that created the message.
func (m *Message) Sender() Identity {
	return Identity{ID: m.SenderID, Role: m.SenderRole}
}

// Receiver returns the identity the message is addressed to.
func (m *Message) Receiver() Identity {
	return Identity{ID: m.ReceiverID, Role: m.SenderRole.Counterpart()}
}

// ConversationSummary is a derived view of a thread from one identity's
// perspective. It is never persisted; it is recomputed from messages.
type ConversationSummary struct {
	PartnerID   int64    `json:"partner_id"`
	PartnerRole Role     `json:"partner_role"`
	LastMessage *Message `json:"last_message"`
	UnreadCount int      `json:"unread_count"`
}

// UnreadSummary powers badge rendering: the global unread total for an
// identity plus the per-counterparty breakdown.
type UnreadSummary struct {
	Total           int           `json:"total"`
	PerCounterparty map[int64]int `json:"per_counterparty"`
}
