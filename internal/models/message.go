package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageStatus tracks how far a message has progressed toward the receiver.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"

	// StatusFailed marks an optimistic message whose transport send failed.
	// It is local-only and never appears on the wire.
	StatusFailed MessageStatus = "failed"
)

// statusRank orders the wire statuses so reconciliation can refuse to
// regress a message. StatusFailed is deliberately absent: a failed message
// is replaced outright when a retry succeeds.
var statusRank = map[MessageStatus]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the monotonic ordering of a status, 0 for unknown or failed.
func (s MessageStatus) Rank() int {
	return statusRank[s]
}

// Valid reports whether s is one of the wire statuses.
func (s MessageStatus) Valid() bool {
	return statusRank[s] != 0
}

type Message struct {
	ID             uuid.UUID     `json:"id" db:"id" bson:"_id"`
	ConversationID string        `json:"conversationId" db:"conversation_id" bson:"conversationId"`
	SenderID       uuid.UUID     `json:"senderId" db:"sender_id" bson:"senderId"`
	ReceiverID     uuid.UUID     `json:"receiverId" db:"receiver_id" bson:"receiverId"`
	Content        string        `json:"content" db:"content" bson:"content"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at" bson:"createdAt"`
	Status         MessageStatus `json:"status" db:"status" bson:"status"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty" db:"delivered_at" bson:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty" db:"read_at" bson:"readAt,omitempty"`
}

// ConversationKey derives the shared conversation id for two participants.
// Ids are sorted lexicographically so both sides compute the same key no
// matter who opens the conversation first.
func ConversationKey(a, b uuid.UUID) string {
	ids := []string{a.String(), b.String()}
	if strings.Compare(ids[0], ids[1]) > 0 {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return ids[0] + ":" + ids[1]
}

// Counterpart returns the other participant from the perspective of userID.
func (m *Message) Counterpart(userID uuid.UUID) uuid.UUID {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ConversationPreview is one row of a user's conversation list: the most
// recent message exchanged with a counterpart plus the unread count.
type ConversationPreview struct {
	CounterpartID uuid.UUID `json:"counterpartId"`
	Last          Message   `json:"last"`
	Unread        int       `json:"unread"`
}
