// Package notify fans newly reconciled incoming messages out to whatever
// surfaces unread counters or notifications. The hub decides who hears
// about a message, not how it is displayed.
package notify

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notice announces a new message for a conversation to one user.
type Notice struct {
	UserID         uuid.UUID
	ConversationID string
	MessageID      uuid.UUID
	SenderID       uuid.UUID
}

// subscriber is one registered listener for a user's notices.
type subscriber struct {
	userID uuid.UUID
	ch     chan Notice
}

// Hub maintains the set of active subscribers and routes notices to them.
type Hub struct {
	// Registered subscribers. Maps user ID to a set of active listeners.
	subscribers map[uuid.UUID]map[*subscriber]bool

	register   chan *subscriber
	unregister chan *subscriber
	publish    chan Notice
	done       chan struct{}

	// Mutex to protect concurrent access to the subscriber map.
	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]map[*subscriber]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		publish:     make(chan Notice, 64),
		done:        make(chan struct{}),
	}
}

// Run starts the hub's processing loop. Call in its own goroutine; Stop
// terminates it.
func (h *Hub) Run() {
	log.Println("Notification hub started.")
	for {
		select {
		case <-h.done:
			return

		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.subscribers[sub.userID]; !ok {
				h.subscribers[sub.userID] = make(map[*subscriber]bool)
			}
			h.subscribers[sub.userID][sub] = true
			h.mu.Unlock()

		case sub := <-h.unregister:
			h.mu.Lock()
			if userSubs, ok := h.subscribers[sub.userID]; ok {
				if _, subOk := userSubs[sub]; subOk {
					delete(userSubs, sub)
					close(sub.ch)
					if len(userSubs) == 0 {
						delete(h.subscribers, sub.userID)
					}
				}
			}
			h.mu.Unlock()

		case notice := <-h.publish:
			h.mu.RLock()
			for sub := range h.subscribers[notice.UserID] {
				select {
				case sub.ch <- notice:
				default:
					log.Printf("Notice buffer full for user %s; dropping notice for conversation %s",
						notice.UserID, notice.ConversationID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop terminates the run loop.
func (h *Hub) Stop() {
	close(h.done)
}

// Subscribe registers a listener for one user's notices. The returned
// cancel function unregisters and closes the channel. On a stopped hub the
// channel comes back already closed.
func (h *Hub) Subscribe(userID uuid.UUID) (<-chan Notice, func()) {
	sub := &subscriber{
		userID: userID,
		ch:     make(chan Notice, 16),
	}
	select {
	case h.register <- sub:
	case <-h.done:
		close(sub.ch)
		return sub.ch, func() {}
	}
	return sub.ch, func() {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
	}
}

// Publish queues a notice for fan-out. Non-blocking with a short grace
// period so a stalled hub never wedges the conversation event loop.
func (h *Hub) Publish(notice Notice) {
	select {
	case h.publish <- notice:
	case <-time.After(time.Second):
		log.Printf("Timeout queuing notice for user %s; hub might be busy or blocked.", notice.UserID)
	}
}
