package actors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/cache"
	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/notify"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeConn records outbound envelopes; inbound frames are not needed here
// because transport events enter the actor as forwarded messages.
type fakeConn struct {
	mu     sync.Mutex
	writes []*transport.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	env, ok := v.(*transport.Envelope)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.mu.Lock()
	c.writes = append(c.writes, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) commandCount(cmdType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.writes {
		if env.Type == cmdType {
			n++
		}
	}
	return n
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadLimit(limit int64)            {}
func (c *fakeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(h func(string) error) {}

// testRig bundles the actor with its collaborators.
type testRig struct {
	system  *actor.ActorSystem
	pid     *actor.PID
	store   *store.MemoryStore
	cache   *cache.ConversationCache
	session *transport.Session
	conn    *fakeConn
	hub     *notify.Hub
	obs     *Observers
	userID  uuid.UUID
	otherID uuid.UUID
	convID  string
}

func newTestRig(t *testing.T, connect bool) *testRig {
	t.Helper()

	rig := &testRig{
		system:  actor.NewActorSystem(),
		store:   store.NewMemoryStore(),
		cache:   cache.NewConversationCache(5 * time.Minute),
		conn:    newFakeConn(),
		hub:     notify.NewHub(),
		obs:     NewObservers(),
		userID:  uuid.New(),
		otherID: uuid.New(),
	}
	rig.convID = models.ConversationKey(rig.userID, rig.otherID)
	go rig.hub.Run()
	t.Cleanup(rig.hub.Stop)

	cfg := config.DefaultTransportConfig()
	dialer := func(rawURL string) (transport.Conn, error) { return rig.conn, nil }
	rig.session = transport.NewSession(cfg, dialer, rig.userID, rig.convID)
	if connect {
		rig.session.Connect()
		assert.Eventually(t, func() bool {
			return rig.session.State() == transport.StateConnected
		}, 2*time.Second, 5*time.Millisecond)
	}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewConversationActor(
			rig.userID, rig.otherID,
			rig.store, rig.cache, rig.session, rig.hub,
			utils.NewMetricsCollector(), rig.obs,
		)
	})
	rig.pid = rig.system.Root.Spawn(props)
	return rig
}

func (rig *testRig) open(t *testing.T) *ConversationSnapshot {
	t.Helper()
	future := rig.system.Root.RequestFuture(rig.pid, &OpenConversationMsg{}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	snapshot, ok := result.(*ConversationSnapshot)
	if !ok {
		t.Fatal("Failed to get conversation snapshot")
	}
	return snapshot
}

func (rig *testRig) snapshot(t *testing.T) []models.Message {
	t.Helper()
	future := rig.system.Root.RequestFuture(rig.pid, &GetSnapshotMsg{}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return result.(*ConversationSnapshot).Messages
}

func (rig *testRig) incoming(content string, at time.Time) models.Message {
	return models.Message{
		ID:             uuid.New(),
		ConversationID: rig.convID,
		SenderID:       rig.otherID,
		ReceiverID:     rig.userID,
		Content:        content,
		CreatedAt:      at,
		Status:         models.StatusSent,
	}
}

func TestOpenBackfillsFromDurableStore(t *testing.T) {
	rig := newTestRig(t, false)

	// Seed the store with existing history.
	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second"} {
		msg := rig.incoming(content, base.Add(time.Duration(i)*time.Minute))
		if _, err := rig.store.CreateMessage(context.Background(), &msg); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	snapshot := rig.open(t)
	assert.Equal(t, rig.convID, snapshot.ConversationID)
	if assert.Len(t, snapshot.Messages, 2) {
		assert.Equal(t, "first", snapshot.Messages[0].Content)
		assert.Equal(t, "second", snapshot.Messages[1].Content)
	}

	// The backfill primed the cache.
	cached, ok := rig.cache.Get(rig.convID)
	assert.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestBackfilledIncomingMessagesAreAcked(t *testing.T) {
	rig := newTestRig(t, true)

	notices, cancel := rig.hub.Subscribe(rig.userID)
	defer cancel()

	// The counterpart sent while this side was offline; only the durable
	// store has the message.
	offline := rig.incoming("sent while you were away", time.Now().Add(-time.Minute))
	if _, err := rig.store.CreateMessage(context.Background(), &offline); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	snapshot := rig.open(t)
	if assert.Len(t, snapshot.Messages, 1) {
		assert.Equal(t, models.StatusDelivered, snapshot.Messages[0].Status)
		assert.NotNil(t, snapshot.Messages[0].DeliveredAt)
	}

	// The sender's side was told over the transport.
	assert.Equal(t, 1, rig.conn.commandCount(transport.CmdStatusDelivered))

	// And the durable row converges so the sender's next backfill agrees.
	assert.Eventually(t, func() bool {
		rows, err := rig.store.ListConversation(context.Background(), rig.userID, rig.otherID)
		return err == nil && len(rows) == 1 && rows[0].Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// The backfilled message is announced like a live push would be.
	select {
	case notice := <-notices:
		assert.Equal(t, offline.ID, notice.MessageID)
		assert.Equal(t, rig.otherID, notice.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("notice never arrived for the backfilled message")
	}

	// A late transport observation of the same message does not ack again.
	rig.system.Root.Send(rig.pid, &TransportMessageMsg{
		Event: &transport.NewMessageEvent{Message: offline},
	})
	state := rig.snapshot(t)
	if assert.Len(t, state, 1) {
		assert.Equal(t, models.StatusDelivered, state[0].Status)
	}
	assert.Equal(t, 1, rig.conn.commandCount(transport.CmdStatusDelivered))
}

func TestOptimisticSendPersistsAndPushes(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	future := rig.system.Root.RequestFuture(rig.pid, &SendMessageMsg{Content: "hello"}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg, ok := result.(*models.Message)
	if !ok {
		t.Fatal("Failed to get sent message")
	}
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, rig.userID, msg.SenderID)

	// Pushed over the transport.
	assert.Equal(t, 1, rig.conn.commandCount(transport.CmdSendMessage))

	// And durably written, asynchronously.
	assert.Eventually(t, func() bool {
		rows, err := rig.store.ListConversation(context.Background(), rig.userID, rig.otherID)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedSendStaysVisibleAndRetries(t *testing.T) {
	rig := newTestRig(t, false) // transport never connected
	rig.open(t)

	future := rig.system.Root.RequestFuture(rig.pid, &SendMessageMsg{Content: "hello"}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg := result.(*models.Message)
	assert.Equal(t, models.StatusFailed, msg.Status)

	// Still visible in the conversation, flagged for retry.
	state := rig.snapshot(t)
	if assert.Len(t, state, 1) {
		assert.Equal(t, models.StatusFailed, state[0].Status)
	}

	// Nothing was persisted for the failed attempt.
	rows, err := rig.store.ListConversation(context.Background(), rig.userID, rig.otherID)
	assert.NoError(t, err)
	assert.Empty(t, rows)

	// Bring the transport up and retry.
	rig.session.Connect()
	assert.Eventually(t, func() bool {
		return rig.session.State() == transport.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	retryFuture := rig.system.Root.RequestFuture(rig.pid, &RetrySendMsg{MessageID: msg.ID}, 5*time.Second)
	retryResult, err := retryFuture.Result()
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	retried, ok := retryResult.(*models.Message)
	if !ok {
		t.Fatalf("Retry returned %T", retryResult)
	}
	assert.Equal(t, models.StatusSent, retried.Status)
	assert.Equal(t, 1, rig.conn.commandCount(transport.CmdSendMessage))

	assert.Eventually(t, func() bool {
		rows, err := rig.store.ListConversation(context.Background(), rig.userID, rig.otherID)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIncomingMessageIsAckedOnce(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	incoming := rig.incoming("hi there", time.Now())
	evt := &transport.NewMessageEvent{Message: incoming}

	// The same event observed twice, as happens when transport and backfill
	// overlap.
	rig.system.Root.Send(rig.pid, &TransportMessageMsg{Event: evt})
	rig.system.Root.Send(rig.pid, &TransportMessageMsg{Event: evt})

	assert.Eventually(t, func() bool {
		return rig.conn.commandCount(transport.CmdStatusDelivered) > 0
	}, 2*time.Second, 10*time.Millisecond)

	state := rig.snapshot(t)
	if assert.Len(t, state, 1) {
		assert.Equal(t, models.StatusDelivered, state[0].Status)
		assert.NotNil(t, state[0].DeliveredAt)
	}
	assert.Equal(t, 1, rig.conn.commandCount(transport.CmdStatusDelivered))
}

func TestMarkReadTransitionsUnreadIncoming(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	rig.system.Root.Send(rig.pid, &TransportMessageMsg{
		Event: &transport.NewMessageEvent{Message: rig.incoming("one", time.Now())},
	})
	rig.system.Root.Send(rig.pid, &TransportMessageMsg{
		Event: &transport.NewMessageEvent{Message: rig.incoming("two", time.Now().Add(time.Second))},
	})

	future := rig.system.Root.RequestFuture(rig.pid, &MarkConversationReadMsg{}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	assert.Equal(t, 2, result.(int))
	assert.Equal(t, 2, rig.conn.commandCount(transport.CmdStatusRead))

	for _, msg := range rig.snapshot(t) {
		assert.Equal(t, models.StatusRead, msg.Status)
		assert.NotNil(t, msg.ReadAt)
	}

	// A second pass finds nothing unread.
	again := rig.system.Root.RequestFuture(rig.pid, &MarkConversationReadMsg{}, 5*time.Second)
	againResult, err := again.Result()
	if err != nil {
		t.Fatalf("Second MarkRead failed: %v", err)
	}
	assert.Equal(t, 0, againResult.(int))
}

func TestStatusEventAdvancesOwnSentMessage(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	future := rig.system.Root.RequestFuture(rig.pid, &SendMessageMsg{Content: "hello"}, 5*time.Second)
	result, err := future.Result()
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg := result.(*models.Message)

	readAt := time.Now().Add(time.Second)
	rig.system.Root.Send(rig.pid, &TransportStatusMsg{Event: &transport.StatusUpdateEvent{
		MessageID: msg.ID,
		Status:    models.StatusRead,
		At:        readAt,
	}})

	// A stale delivered event arriving later must not regress it.
	rig.system.Root.Send(rig.pid, &TransportStatusMsg{Event: &transport.StatusUpdateEvent{
		MessageID: msg.ID,
		Status:    models.StatusDelivered,
		At:        readAt.Add(time.Second),
	}})

	assert.Eventually(t, func() bool {
		state := rig.snapshot(t)
		return len(state) == 1 && state[0].Status == models.StatusRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransportEventsReachObservers(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	rig.system.Root.Send(rig.pid, &TransportTypingMsg{Event: &transport.TypingUpdateEvent{
		ConversationID: rig.convID,
		UserID:         rig.otherID,
		Typing:         true,
	}})

	select {
	case evt := <-rig.obs.Typing:
		assert.Equal(t, rig.otherID, evt.UserID)
		assert.True(t, evt.Typing)
	case <-time.After(2 * time.Second):
		t.Fatal("typing event never reached the observer")
	}

	rig.system.Root.Send(rig.pid, &TransportStateMsg{State: transport.StateDisconnected})
	select {
	case state := <-rig.obs.ConnState:
		assert.Equal(t, transport.StateDisconnected, state)
	case <-time.After(2 * time.Second):
		t.Fatal("state change never reached the observer")
	}
}

func TestSendCommandCarriesTheMessagePayload(t *testing.T) {
	rig := newTestRig(t, true)
	rig.open(t)

	future := rig.system.Root.RequestFuture(rig.pid, &SendMessageMsg{Content: "payload check"}, 5*time.Second)
	if _, err := future.Result(); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rig.conn.mu.Lock()
	defer rig.conn.mu.Unlock()
	if assert.Len(t, rig.conn.writes, 1) {
		var evt transport.NewMessageEvent
		assert.NoError(t, json.Unmarshal(rig.conn.writes[0].Payload, &evt))
		assert.Equal(t, "payload check", evt.Message.Content)
		assert.Equal(t, rig.convID, evt.Message.ConversationID)
	}
}
