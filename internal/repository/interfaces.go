// Package repository defines the storage contracts the messaging core
// depends on. Implementations live in repository/postgres; tests swap in
// in-memory fakes.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/lalith-99/commlink/internal/models"
)

// MessageHistory is the query-and-insert interface behind conversation
// channels: inserts produce the confirmed record that the subscription
// feed then fans out, and ListByChannel serves history fetches.
type MessageHistory interface {
	// Insert persists a draft and returns the confirmed record with
	// server-assigned ID and CreatedAt.
	Insert(ctx context.Context, channelID uuid.UUID, author models.Identity, draft models.Draft) (models.MessageRecord, error)

	// ListByChannel returns up to limit records, newest first. The
	// caller reverses before merging chronologically.
	ListByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]models.MessageRecord, error)
}

// NotificationStore is the external notification sink. The dispatcher
// owns no schema beyond these four fields plus ownership by user.
type NotificationStore interface {
	Insert(ctx context.Context, n models.Notification) (models.Notification, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// UserDirectory resolves login credentials to identities. Only the
// gateway's auth surface uses it; the core reads identities from tokens.
type UserDirectory interface {
	Create(ctx context.Context, callsign, displayName, badge, passwordHash string) (*models.Operator, error)
	GetByCallsign(ctx context.Context, callsign string) (*models.Operator, error)
}
