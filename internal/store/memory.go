// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by the simulator and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*models.Message
	byConvo  map[string][]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*models.Message),
		byConvo:  make(map[string][]uuid.UUID),
	}
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.messages[msg.ID]; ok {
		clone := *existing
		return &clone, nil
	}

	stored := *msg
	stored.Status = models.StatusSent
	s.messages[stored.ID] = &stored
	s.byConvo[stored.ConversationID] = append(s.byConvo[stored.ConversationID], stored.ID)

	clone := stored
	return &clone, nil
}

func (s *MemoryStore) ListConversation(ctx context.Context, userA, userB uuid.UUID) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConvo[models.ConversationKey(userA, userB)]
	messages := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		clone := *s.messages[id]
		messages = append(messages, &clone)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[messageID]; ok && msg.Status == models.StatusSent {
		msg.Status = models.StatusDelivered
		stamped := at
		msg.DeliveredAt = &stamped
	}
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg, ok := s.messages[messageID]; ok && msg.Status != models.StatusRead {
		msg.Status = models.StatusRead
		stamped := at
		msg.ReadAt = &stamped
	}
	return nil
}

func (s *MemoryStore) ListUserConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationPreview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[uuid.UUID]*models.Message)
	unread := make(map[uuid.UUID]int)
	for _, msg := range s.messages {
		if msg.SenderID != userID && msg.ReceiverID != userID {
			continue
		}
		other := msg.Counterpart(userID)
		if cur, ok := latest[other]; !ok || msg.CreatedAt.After(cur.CreatedAt) {
			latest[other] = msg
		}
		if msg.ReceiverID == userID && msg.Status != models.StatusRead {
			unread[other]++
		}
	}

	previews := make([]*models.ConversationPreview, 0, len(latest))
	for other, msg := range latest {
		previews = append(previews, &models.ConversationPreview{
			CounterpartID: other,
			Last:          *msg,
			Unread:        unread[other],
		})
	}
	sortPreviews(previews)
	return previews, nil
}

// sortPreviews orders conversation previews newest-first.
func sortPreviews(previews []*models.ConversationPreview) {
	sort.Slice(previews, func(i, j int) bool {
		return previews[i].Last.CreatedAt.After(previews[j].Last.CreatedAt)
	})
}
