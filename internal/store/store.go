package store

import (
	"context"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// Store is the narrow durable-store contract the messaging core consumes.
// Implementations are the source of truth for cross-device and offline
// backfill; they are assumed eventually consistent with the transport.
type Store interface {
	// CreateMessage persists a message under its client-assigned id and
	// returns the authoritative row.
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)

	// ListConversation returns every message exchanged between the two
	// users, ordered ascending by creation time.
	ListConversation(ctx context.Context, userA, userB uuid.UUID) ([]*models.Message, error)

	// MarkDelivered records the delivery acknowledgment. Idempotent: the
	// first timestamp wins and read messages are left untouched.
	MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error

	// MarkRead records the read acknowledgment. Idempotent: the first
	// timestamp wins.
	MarkRead(ctx context.Context, messageID uuid.UUID, at time.Time) error

	// ListUserConversations returns the most recent message per
	// counterpart plus the unread count, newest conversation first.
	ListUserConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationPreview, error)

	Close(ctx context.Context) error
}
