package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRecord is a single confirmed chat message. It is a plain value:
// once the server has assigned ID and CreatedAt, nothing mutates it.
//
// ID is an opaque string rather than a typed identifier because the two
// delivery paths assign it differently — the websocket gateway hands back
// a UUID, the conversation feed carries whatever the storage layer minted.
// The log only ever compares IDs for equality and lexical order, so a
// string is the honest type.
type MessageRecord struct {
	ID                string    `json:"id"`
	ChannelID         uuid.UUID `json:"channel_id"`
	AuthorDisplayName string    `json:"author_display_name"`
	AuthorBadge       string    `json:"author_badge"`
	Body              string    `json:"body"`
	CreatedAt         time.Time `json:"created_at"`
	AttachmentRefs    []string  `json:"attachment_refs,omitempty"`
}

// Before reports whether m sorts ahead of other in a channel log:
// CreatedAt ascending, ties broken by lexical ID order.
func (m MessageRecord) Before(other MessageRecord) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ChannelKind distinguishes the single floating global channel from
// per-conversation channels.
type ChannelKind string

const (
	KindGlobal ChannelKind = "global"
	KindDirect ChannelKind = "direct"
	KindGroup  ChannelKind = "group"
)

// Channel describes one logical message stream. DisplayName may be empty
// for direct conversations (the UI derives a name from the other member).
// MemberIDs always includes the author and is never empty.
type Channel struct {
	ID          uuid.UUID   `json:"id"`
	Kind        ChannelKind `json:"kind"`
	DisplayName string      `json:"display_name,omitempty"`
	MemberIDs   []uuid.UUID `json:"member_ids"`
}

// ConnectionState is the lifecycle of one channel's connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateClosed       ConnectionState = "closed"
)

// Identity is what the identity provider hands the core once per connect.
// Token is read at connect time only; if it goes stale the transport fails
// and the connection retries with whatever the session layer supplies next.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
	Badge       string
	Token       string
}

// Draft is the caller-supplied part of an outbound message. The server
// assigns ID and CreatedAt; AttachmentRefs are opaque ids produced by the
// attachment service before send.
type Draft struct {
	Body           string   `json:"body"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
}

// SendAttempt is the ephemeral record of one in-flight send. It is
// discarded on ack or final failure and never enters a log — only the
// server-confirmed MessageRecord does.
type SendAttempt struct {
	ProvisionalID uuid.UUID
	Body          string
	RequestedAt   time.Time
}

// Operator is a dispatch user as the gateway's credential store sees it.
// The messaging core itself never touches this — it only sees the
// Identity carried in the token.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Callsign     string    `json:"callsign"`
	DisplayName  string    `json:"display_name"`
	Badge        string    `json:"badge"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Notification is one user-visible badge entry produced by the
// NotificationDispatcher and persisted through the notification sink.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}
