// Package engine is the single authority for advancing and merging message
// status. Sends travel two paths (transport for immediacy, durable store for
// persistence and backfill), so the same logical message can be observed
// twice with different shapes; these functions decide which fields win.
package engine

import (
	"time"

	"chatsync/internal/models"
	"chatsync/internal/utils"

	"github.com/google/uuid"
)

// NewOptimisticMessage builds the locally visible message inserted on user
// submit, before any network acknowledgment.
func NewOptimisticMessage(senderID, receiverID uuid.UUID, content string, now time.Time) models.Message {
	return models.Message{
		ID:             uuid.New(),
		ConversationID: models.ConversationKey(senderID, receiverID),
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		CreatedAt:      now,
		Status:         models.StatusSent,
	}
}

// ApplyOptimisticSend inserts an optimistic message into the conversation
// state, returning the new state.
func ApplyOptimisticSend(messages []models.Message, msg models.Message) []models.Message {
	return models.MergeMessage(messages, msg)
}

// mergeAuthoritative folds an authoritative observation of a message into
// the local copy. Authoritative fields replace local ones except that
// status only ever advances and the first delivery/read timestamps win.
func mergeAuthoritative(local, incoming models.Message) models.Message {
	merged := incoming

	if incoming.Status.Rank() < local.Status.Rank() {
		// Regressive or failed status from a stale path: keep the local
		// progression and its timestamps.
		merged.Status = local.Status
		merged.DeliveredAt = local.DeliveredAt
		merged.ReadAt = local.ReadAt
		return merged
	}

	if local.DeliveredAt != nil {
		merged.DeliveredAt = local.DeliveredAt
	}
	if local.ReadAt != nil {
		merged.ReadAt = local.ReadAt
	}
	return merged
}

// ReconcileAuthoritative merges an authoritative message observation
// (transport event or durable-store row) into the conversation state.
// Matching is by id; an unknown id is inserted as a new message. Returns
// the new state, the resulting message, and whether anything changed.
func ReconcileAuthoritative(messages []models.Message, incoming models.Message) ([]models.Message, models.Message, bool, error) {
	if incoming.ID == uuid.Nil {
		return messages, models.Message{}, false,
			utils.NewReconciliationConflictError("message event without an id")
	}
	if incoming.Status == "" {
		incoming.Status = models.StatusSent
	}
	if !incoming.Status.Valid() {
		return messages, models.Message{}, false,
			utils.NewReconciliationConflictError("unknown status " + string(incoming.Status))
	}

	idx := models.FindMessage(messages, incoming.ID)
	if idx < 0 {
		out := models.MergeMessage(messages, incoming)
		return out, incoming, true, nil
	}

	local := messages[idx]
	merged := mergeAuthoritative(local, incoming)
	if messagesEqual(merged, local) {
		return messages, local, false, nil
	}
	out := models.MergeMessage(messages, merged)
	return out, merged, true, nil
}

// messagesEqual compares by value, including the nullable timestamps.
func messagesEqual(a, b models.Message) bool {
	if a.ID != b.ID || a.ConversationID != b.ConversationID ||
		a.SenderID != b.SenderID || a.ReceiverID != b.ReceiverID ||
		a.Content != b.Content || !a.CreatedAt.Equal(b.CreatedAt) ||
		a.Status != b.Status {
		return false
	}
	return timesEqual(a.DeliveredAt, b.DeliveredAt) && timesEqual(a.ReadAt, b.ReadAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ApplyStatus advances a single message's status. Transitions are monotonic:
// an event reporting an earlier state than the current one is discarded, and
// re-applying the current state is a no-op (the first timestamp sticks).
func ApplyStatus(messages []models.Message, messageID uuid.UUID, status models.MessageStatus, at time.Time) ([]models.Message, models.Message, bool, error) {
	if !status.Valid() {
		return messages, models.Message{}, false,
			utils.NewReconciliationConflictError("unknown status " + string(status))
	}

	idx := models.FindMessage(messages, messageID)
	if idx < 0 {
		return messages, models.Message{}, false,
			utils.NewReconciliationConflictError("status event for unknown message " + messageID.String())
	}

	local := messages[idx]
	if status.Rank() <= local.Status.Rank() {
		return messages, local, false, nil
	}

	updated := local
	updated.Status = status
	switch status {
	case models.StatusDelivered:
		if updated.DeliveredAt == nil {
			stamped := at
			updated.DeliveredAt = &stamped
		}
	case models.StatusRead:
		if updated.ReadAt == nil {
			stamped := at
			updated.ReadAt = &stamped
		}
	}

	out := models.MergeMessage(messages, updated)
	return out, updated, true, nil
}

// MarkFailed flags an optimistic message whose transport send failed. The
// message stays visible with a retry affordance rather than disappearing.
func MarkFailed(messages []models.Message, messageID uuid.UUID) ([]models.Message, bool) {
	idx := models.FindMessage(messages, messageID)
	if idx < 0 {
		return messages, false
	}
	if messages[idx].Status != models.StatusSent {
		// Already acknowledged through another path; nothing to roll back.
		return messages, false
	}
	updated := messages[idx]
	updated.Status = models.StatusFailed
	return models.MergeMessage(messages, updated), true
}
