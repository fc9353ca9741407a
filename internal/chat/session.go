// Package chat is the entry point the UI layer uses: open a conversation,
// send into it, observe what comes back. Everything else in the module sits
// behind this facade.
package chat

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/engine/actors"
	"chatsync/internal/models"
	"chatsync/internal/notify"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

const requestTimeout = 10 * time.Second

// Manager owns the infrastructure shared across conversations: the actor
// system, the conversation cache, the transport registry, and the
// notification hub. One Manager per signed-in user process.
type Manager struct {
	cfg      *config.Config
	system   *actor.ActorSystem
	store    store.Store
	cache    *cache.ConversationCache
	registry *transport.Registry
	notifier *notify.Hub
	metrics  *utils.MetricsCollector

	mu       sync.Mutex
	handles  map[string]*Session
	shutdown bool
}

// NewManager wires the shared infrastructure. A nil dialer selects the
// production websocket dialer; tests inject their own.
func NewManager(cfg *config.Config, st store.Store, dialer transport.Dialer) *Manager {
	m := &Manager{
		cfg:      cfg,
		system:   actor.NewActorSystem(),
		store:    st,
		cache:    cache.NewConversationCache(cfg.Cache.TTL),
		registry: transport.NewRegistry(cfg.Transport, dialer),
		notifier: notify.NewHub(),
		metrics:  utils.NewMetricsCollector(),
		handles:  make(map[string]*Session),
	}
	go m.notifier.Run()
	return m
}

// Metrics exposes the shared collector.
func (m *Manager) Metrics() *utils.MetricsCollector {
	return m.metrics
}

// Notifications subscribes to new-message notices for a user (unread
// counters, OS notifications). The cancel function detaches.
func (m *Manager) Notifications(userID uuid.UUID) (<-chan notify.Notice, func()) {
	return m.notifier.Subscribe(userID)
}

// Conversations returns the user's conversation list: most recent message
// per counterpart with unread counts, newest first.
func (m *Manager) Conversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationPreview, error) {
	return m.store.ListUserConversations(ctx, userID)
}

// Open returns a live handle for the conversation between userID and
// counterpartID, loading history (cache first, durable store on miss) and
// connecting the transport. Reopening an open conversation returns the
// same handle.
func (m *Manager) Open(userID, counterpartID uuid.UUID) (*Session, error) {
	conversationID := models.ConversationKey(userID, counterpartID)
	key := userID.String() + "/" + conversationID

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, utils.NewSessionClosedError(conversationID)
	}
	if existing, ok := m.handles[key]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	observers := actors.NewObservers()
	sess := m.registry.Acquire(userID, conversationID)

	props := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewConversationActor(
			userID, counterpartID,
			m.store, m.cache, sess, m.notifier, m.metrics, observers,
		)
	})
	pid := m.system.Root.Spawn(props)
	root := m.system.Root

	// Bridge transport callbacks onto the actor's mailbox so all state
	// mutation stays on one logical event loop.
	sess.OnMessage(func(e *transport.NewMessageEvent) {
		root.Send(pid, &actors.TransportMessageMsg{Event: e})
	})
	sess.OnStatusUpdate(func(e *transport.StatusUpdateEvent) {
		root.Send(pid, &actors.TransportStatusMsg{Event: e})
	})
	sess.OnTyping(func(e *transport.TypingUpdateEvent) {
		root.Send(pid, &actors.TransportTypingMsg{Event: e})
	})
	sess.OnStateChange(func(s transport.State) {
		root.Send(pid, &actors.TransportStateMsg{State: s})
	})

	// History before handshake: an offline open still serves cached or
	// backfilled reads.
	future := root.RequestFuture(pid, &actors.OpenConversationMsg{}, requestTimeout)
	result, err := future.Result()
	if err != nil {
		root.Stop(pid)
		return nil, utils.NewTimeoutError("open conversation")
	}
	snapshot, ok := result.(*actors.ConversationSnapshot)
	if !ok {
		root.Stop(pid)
		return nil, utils.NewAppError(utils.ErrInvalidInput, "unexpected open response", nil)
	}

	handle := &Session{
		UserID:         userID,
		CounterpartID:  counterpartID,
		ConversationID: conversationID,
		manager:        m,
		root:           root,
		pid:            pid,
		session:        sess,
		observers:      observers,
		typing:         newTypingBroadcaster(sess, m.cfg.Presence.TypingTimeout),
		history:        snapshot.Messages,
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		root.Stop(pid)
		return nil, utils.NewSessionClosedError(conversationID)
	}
	m.handles[key] = handle
	m.mu.Unlock()

	sess.Connect()
	return handle, nil
}

func (m *Manager) release(handle *Session) {
	key := handle.UserID.String() + "/" + handle.ConversationID
	m.mu.Lock()
	delete(m.handles, key)
	m.mu.Unlock()
	m.registry.Release(handle.UserID, handle.ConversationID)
}

// Shutdown closes every open handle and stops the notification hub.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	open := make([]*Session, 0, len(m.handles))
	for _, h := range m.handles {
		open = append(open, h)
	}
	m.mu.Unlock()

	for _, h := range open {
		h.Close()
	}
	m.notifier.Stop()
}

// Session is one open conversation: the ConversationHandle the UI holds.
type Session struct {
	UserID         uuid.UUID
	CounterpartID  uuid.UUID
	ConversationID string

	manager   *Manager
	root      *actor.RootContext
	pid       *actor.PID
	session   *transport.Session
	observers *actors.Observers
	typing    *typingBroadcaster

	history []models.Message

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// History returns the messages loaded when the conversation was opened,
// ascending by creation time. Later updates arrive on Messages().
func (s *Session) History() []models.Message {
	out := make([]models.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Messages streams new and updated messages, post-reconciliation.
func (s *Session) Messages() <-chan models.Message {
	return s.observers.Messages
}

// Typing streams the counterpart's typing flag changes.
func (s *Session) Typing() <-chan actors.TypingEvent {
	return s.observers.Typing
}

// ConnState streams transport connection-state changes.
func (s *Session) ConnState() <-chan transport.State {
	return s.observers.ConnState
}

// Send applies an optimistic send and returns the message immediately.
// A transport failure comes back as the message in failed status plus a
// TRANSPORT_UNAVAILABLE error; the message stays visible for retry.
func (s *Session) Send(content string) (*models.Message, error) {
	if s.isClosed() {
		return nil, utils.NewSessionClosedError(s.ConversationID)
	}

	future := s.root.RequestFuture(s.pid, &actors.SendMessageMsg{Content: content}, requestTimeout)
	result, err := future.Result()
	if err != nil {
		return nil, utils.NewTimeoutError("send message")
	}

	msg, ok := result.(*models.Message)
	if !ok {
		return nil, utils.NewAppError(utils.ErrInvalidInput, "unexpected send response", nil)
	}
	if msg.Status == models.StatusFailed {
		return msg, utils.NewTransportUnavailableError(s.ConversationID)
	}
	return msg, nil
}

// Retry re-attempts a message whose earlier send or persistence failed.
func (s *Session) Retry(messageID uuid.UUID) (*models.Message, error) {
	if s.isClosed() {
		return nil, utils.NewSessionClosedError(s.ConversationID)
	}

	future := s.root.RequestFuture(s.pid, &actors.RetrySendMsg{MessageID: messageID}, requestTimeout)
	result, err := future.Result()
	if err != nil {
		return nil, utils.NewTimeoutError("retry message")
	}

	switch r := result.(type) {
	case *models.Message:
		return r, nil
	case *utils.AppError:
		return nil, r
	default:
		return nil, utils.NewAppError(utils.ErrInvalidInput, "unexpected retry response", nil)
	}
}

// MarkRead acknowledges every unread incoming message; returns how many
// transitioned. Call when the user is actually looking at the conversation.
func (s *Session) MarkRead() (int, error) {
	if s.isClosed() {
		return 0, utils.NewSessionClosedError(s.ConversationID)
	}

	future := s.root.RequestFuture(s.pid, &actors.MarkConversationReadMsg{}, requestTimeout)
	result, err := future.Result()
	if err != nil {
		return 0, utils.NewTimeoutError("mark read")
	}
	count, ok := result.(int)
	if !ok {
		return 0, utils.NewAppError(utils.ErrInvalidInput, "unexpected mark-read response", nil)
	}
	return count, nil
}

// Snapshot fetches the current reconciled message list from the actor.
func (s *Session) Snapshot() ([]models.Message, error) {
	if s.isClosed() {
		return nil, utils.NewSessionClosedError(s.ConversationID)
	}

	future := s.root.RequestFuture(s.pid, &actors.GetSnapshotMsg{}, requestTimeout)
	result, err := future.Result()
	if err != nil {
		return nil, utils.NewTimeoutError("snapshot")
	}
	snapshot, ok := result.(*actors.ConversationSnapshot)
	if !ok {
		return nil, utils.NewAppError(utils.ErrInvalidInput, "unexpected snapshot response", nil)
	}
	return snapshot.Messages, nil
}

// NotifyTyping records a keystroke-equivalent event for the debouncer.
func (s *Session) NotifyTyping() {
	if s.isClosed() {
		return
	}
	s.typing.NotifyTyping()
}

// Reconnect asks the transport to connect again after the retry budget was
// spent (app foreground, manual retry button).
func (s *Session) Reconnect() {
	if s.isClosed() {
		return
	}
	s.session.Connect()
}

// Close disconnects the transport, cancels any pending retry and typing
// timers, stops the event loop, and detaches the observer streams. The
// cache entry stays (subject to its TTL) so a quick re-open is cheap.
// Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.typing.stop()
		s.manager.release(s)

		// Wait for the loop to stop before closing the streams so no
		// in-flight emit races the close. Store results arriving later
		// dead-letter, which discards them as intended.
		s.root.StopFuture(s.pid).Wait()
		close(s.observers.Messages)
		close(s.observers.Typing)
		close(s.observers.ConnState)
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
