package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/store"
	"chatsync/internal/transport"
	"chatsync/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// fakeConn feeds frames into the session's read pump and records every
// envelope written through it.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []*transport.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
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

func (c *fakeConn) push(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(&transport.Envelope{Type: eventType, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) typingCommands() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bool
	for _, env := range c.writes {
		if env.Type != transport.CmdSetTyping {
			continue
		}
		var evt transport.TypingUpdateEvent
		if err := json.Unmarshal(env.Payload, &evt); err == nil {
			out = append(out, evt.Typing)
		}
	}
	return out
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

// fakeDialer hands out one conn per dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(rawURL string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Presence.TypingTimeout = 100 * time.Millisecond
	cfg.Transport.RetryDelay = 20 * time.Millisecond
	return cfg
}

func waitConnected(t *testing.T, sess *Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case state := <-sess.ConnState():
			if state == transport.StateConnected {
				return
			}
		case <-deadline:
			t.Fatal("session never connected")
		}
	}
}

func TestOpenLoadsHistoryAndReopenReturnsSameHandle(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	// Pre-existing history in the durable store.
	seeded := models.Message{
		ID:             uuid.New(),
		ConversationID: models.ConversationKey(alice, bob),
		SenderID:       bob,
		ReceiverID:     alice,
		Content:        "earlier message",
		CreatedAt:      time.Now().Add(-time.Hour),
		Status:         models.StatusRead,
	}
	if _, err := st.CreateMessage(context.Background(), &seeded); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()

	history := sess.History()
	if assert.Len(t, history, 1) {
		assert.Equal(t, "earlier message", history[0].Content)
	}

	again, err := mgr.Open(alice, bob)
	assert.NoError(t, err)
	assert.Same(t, sess, again)
}

func TestSendReceiveAndReadReceipts(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()
	waitConnected(t, sess)
	conn := dialer.latest()

	// Outbound: optimistic send over a live transport.
	sent, err := sess.Send("hello bob")
	assert.NoError(t, err)
	assert.Equal(t, models.StatusSent, sent.Status)
	assert.Equal(t, 1, conn.commandCount(transport.CmdSendMessage))

	// The send also lands in the durable store.
	assert.Eventually(t, func() bool {
		rows, err := st.ListConversation(context.Background(), alice, bob)
		return err == nil && len(rows) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Inbound: bob's reply arrives over the transport.
	reply := models.Message{
		ID:             uuid.New(),
		ConversationID: sess.ConversationID,
		SenderID:       bob,
		ReceiverID:     alice,
		Content:        "hello alice",
		CreatedAt:      time.Now(),
		Status:         models.StatusSent,
	}
	conn.push(t, transport.EventNewMessage, &transport.NewMessageEvent{Message: reply})

	gotReply := false
	deadline := time.After(2 * time.Second)
	for !gotReply {
		select {
		case msg := <-sess.Messages():
			if msg.ID == reply.ID {
				gotReply = true
			}
		case <-deadline:
			t.Fatal("reply never surfaced on the message stream")
		}
	}

	// Receipt of the reply was acknowledged automatically.
	assert.Eventually(t, func() bool {
		return conn.commandCount(transport.CmdStatusDelivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Reading the conversation acks the reply as read.
	count, err := sess.MarkRead()
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, conn.commandCount(transport.CmdStatusRead))

	snapshot, err := sess.Snapshot()
	assert.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestOfflineBackfillConvergesToDelivered(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	// Bob sent while alice was offline; the message only exists in the
	// durable store.
	offline := models.Message{
		ID:             uuid.New(),
		ConversationID: models.ConversationKey(alice, bob),
		SenderID:       bob,
		ReceiverID:     alice,
		Content:        "sent while you were away",
		CreatedAt:      time.Now().Add(-time.Minute),
		Status:         models.StatusSent,
	}
	if _, err := st.CreateMessage(context.Background(), &offline); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	notices, cancel := mgr.Notifications(alice)
	defer cancel()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()

	// The backfilled message is already acknowledged in the opening history.
	history := sess.History()
	if assert.Len(t, history, 1) {
		assert.Equal(t, models.StatusDelivered, history[0].Status)
		assert.NotNil(t, history[0].DeliveredAt)
	}

	// The durable row converges, so bob's next backfill sees delivered.
	assert.Eventually(t, func() bool {
		rows, err := st.ListConversation(context.Background(), alice, bob)
		return err == nil && len(rows) == 1 && rows[0].Status == models.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	// And the message is announced to alice's notification surface.
	select {
	case notice := <-notices:
		assert.Equal(t, offline.ID, notice.MessageID)
		assert.Equal(t, bob, notice.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("notice never arrived for the backfilled message")
	}
}

func TestReadReceiptAdvancesSenderCopy(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()
	waitConnected(t, sess)
	conn := dialer.latest()

	sent, err := sess.Send("did you see this?")
	assert.NoError(t, err)

	conn.push(t, transport.EventStatusUpdate, &transport.StatusUpdateEvent{
		MessageID: sent.ID,
		Status:    models.StatusRead,
		At:        time.Now(),
	})

	assert.Eventually(t, func() bool {
		snapshot, err := sess.Snapshot()
		if err != nil || len(snapshot) != 1 {
			return false
		}
		return snapshot[0].Status == models.StatusRead && snapshot[0].ReadAt != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCounterpartTypingSurfaces(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()
	waitConnected(t, sess)
	conn := dialer.latest()

	conn.push(t, transport.EventTypingUpdate, &transport.TypingUpdateEvent{
		ConversationID: sess.ConversationID,
		UserID:         bob,
		Typing:         true,
	})

	select {
	case evt := <-sess.Typing():
		assert.Equal(t, bob, evt.UserID)
		assert.True(t, evt.Typing)
	case <-time.After(2 * time.Second):
		t.Fatal("typing indicator never surfaced")
	}
}

func TestNotificationsOnIncomingMessages(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	notices, cancel := mgr.Notifications(alice)
	defer cancel()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sess.Close()
	waitConnected(t, sess)
	conn := dialer.latest()

	incoming := models.Message{
		ID:             uuid.New(),
		ConversationID: sess.ConversationID,
		SenderID:       bob,
		ReceiverID:     alice,
		Content:        "ping",
		CreatedAt:      time.Now(),
		Status:         models.StatusSent,
	}
	conn.push(t, transport.EventNewMessage, &transport.NewMessageEvent{Message: incoming})

	select {
	case notice := <-notices:
		assert.Equal(t, incoming.ID, notice.MessageID)
		assert.Equal(t, bob, notice.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("notice never arrived")
	}
}

func TestClosedSessionRefusesOperations(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	sess, err := mgr.Open(alice, bob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	waitConnected(t, sess)

	sess.Close()
	sess.Close() // idempotent

	_, err = sess.Send("too late")
	assert.True(t, utils.IsErrorCode(err, utils.ErrSessionClosed))
	_, err = sess.MarkRead()
	assert.True(t, utils.IsErrorCode(err, utils.ErrSessionClosed))

	// The message stream was detached.
	_, open := <-sess.Messages()
	assert.False(t, open)

	// A fresh open hands out a new, working handle.
	again, err := mgr.Open(alice, bob)
	assert.NoError(t, err)
	assert.NotSame(t, sess, again)
	again.Close()
}

func TestConversationListAggregation(t *testing.T) {
	st := store.NewMemoryStore()
	alice := uuid.New()
	bob := uuid.New()
	carol := uuid.New()

	dialer := &fakeDialer{}
	mgr := NewManager(testConfig(), st, dialer.dial)
	defer mgr.Shutdown()

	now := time.Now()
	for i, m := range []models.Message{
		{SenderID: bob, ReceiverID: alice, Content: "from bob"},
		{SenderID: carol, ReceiverID: alice, Content: "from carol"},
		{SenderID: carol, ReceiverID: alice, Content: "carol again"},
	} {
		m.ID = uuid.New()
		m.ConversationID = models.ConversationKey(m.SenderID, m.ReceiverID)
		m.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		m.Status = models.StatusSent
		if _, err := st.CreateMessage(context.Background(), &m); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	previews, err := mgr.Conversations(context.Background(), alice)
	assert.NoError(t, err)
	if assert.Len(t, previews, 2) {
		// Newest conversation first.
		assert.Equal(t, carol, previews[0].CounterpartID)
		assert.Equal(t, "carol again", previews[0].Last.Content)
		assert.Equal(t, 2, previews[0].Unread)
		assert.Equal(t, bob, previews[1].CounterpartID)
		assert.Equal(t, 1, previews[1].Unread)
	}
}
