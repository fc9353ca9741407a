package models

import (
	"sort"

	"github.com/google/uuid"
)

// MergeMessage returns a new list with msg merged in: replaced by id if
// present (last write wins on mutable fields), inserted otherwise, and
// re-sorted by creation time so late arrivals land at their chronological
// position. Within a conversation, messages are a set keyed by id.
func MergeMessage(messages []Message, msg Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	replaced := false
	for _, m := range messages {
		if m.ID == msg.ID {
			out = append(out, msg)
			replaced = true
			continue
		}
		out = append(out, m)
	}
	if !replaced {
		out = append(out, msg)
	}
	SortByCreatedAt(out)
	return out
}

// FindMessage returns the index of the message with the given id, or -1.
func FindMessage(messages []Message, id uuid.UUID) int {
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SortByCreatedAt sorts ascending by creation time, with id as tie-breaker
// so equal timestamps still yield a stable order.
func SortByCreatedAt(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID.String() < messages[j].ID.String()
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}
