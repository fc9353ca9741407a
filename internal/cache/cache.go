// Package cache keeps the recent message window of each conversation in
// memory so reads don't hit the durable store. Entries expire after a TTL
// and are evicted lazily on the next read.
package cache

import (
	"sync"
	"time"

	"chatsync/internal/models"
)

type entry struct {
	messages    []models.Message
	lastUpdated time.Time
}

type ConversationCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*entry
	now     func() time.Time
}

func NewConversationCache(ttl time.Duration) *ConversationCache {
	return &ConversationCache{
		ttl:     ttl,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewConversationCacheWithClock injects a clock for TTL tests.
func NewConversationCacheWithClock(ttl time.Duration, now func() time.Time) *ConversationCache {
	c := NewConversationCache(ttl)
	c.now = now
	return c
}

// Get returns the cached conversation if it is still fresh. A stale entry is
// evicted and reported as absent.
func (c *ConversationCache) Get(conversationID string) ([]models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.lastUpdated) > c.ttl {
		delete(c.entries, conversationID)
		return nil, false
	}

	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Put replaces the conversation's entry and stamps it fresh.
func (c *ConversationCache) Put(conversationID string, messages []models.Message) {
	sorted := make([]models.Message, len(messages))
	copy(sorted, messages)
	models.SortByCreatedAt(sorted)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = &entry{
		messages:    sorted,
		lastUpdated: c.now(),
	}
}

// UpsertOne merges a single message into an existing entry and refreshes
// its timestamp. No-op when the conversation has never been loaded: the
// cache is write-through from facade reads, not write-behind for unseen
// conversations. Idempotent: applying the same message twice leaves the
// entry unchanged.
func (c *ConversationCache) UpsertOne(conversationID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[conversationID]
	if !ok {
		return
	}
	e.messages = models.MergeMessage(e.messages, msg)
	e.lastUpdated = c.now()
}
