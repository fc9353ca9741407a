package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/transport"

	"github.com/google/uuid"
)

// relay is an in-process stand-in for the real-time backend: it accepts
// session dials, validates their tokens, and routes commands between the
// two participants of each conversation, re-tagging them as server events.
type relay struct {
	secret string

	mu    sync.Mutex
	conns map[string][]*pipeConn // conversation id -> attached conns
}

func newRelay(secret string) *relay {
	return &relay{
		secret: secret,
		conns:  make(map[string][]*pipeConn),
	}
}

// Dialer returns a transport.Dialer that attaches to this relay.
func (r *relay) Dialer() transport.Dialer {
	return func(rawURL string) (transport.Conn, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		conversationID := u.Query().Get("conversation")
		token := u.Query().Get("token")

		claims, err := transport.ValidateToken(r.secret, token)
		if err != nil {
			return nil, errors.New("relay rejected token: " + err.Error())
		}
		if claims.ConversationID != conversationID {
			return nil, errors.New("token not valid for this conversation")
		}

		conn := &pipeConn{
			relay:          r,
			userID:         claims.UserID,
			conversationID: conversationID,
			in:             make(chan []byte, 64),
			closed:         make(chan struct{}),
		}

		r.mu.Lock()
		r.conns[conversationID] = append(r.conns[conversationID], conn)
		r.mu.Unlock()
		slog.Debug("relay attached", "user", conn.userID, "conversation", conversationID)
		return conn, nil
	}
}

func (r *relay) detach(conn *pipeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	attached := r.conns[conn.conversationID]
	for i, c := range attached {
		if c == conn {
			r.conns[conn.conversationID] = append(attached[:i], attached[i+1:]...)
			break
		}
	}
}

// route re-tags a client command as the corresponding server event and
// fans it out to every other conn in the conversation.
func (r *relay) route(from *pipeConn, env *transport.Envelope) {
	var eventType string
	switch env.Type {
	case transport.CmdSendMessage:
		eventType = transport.EventNewMessage
	case transport.CmdSetTyping:
		eventType = transport.EventTypingUpdate
	case transport.CmdStatusDelivered, transport.CmdStatusRead:
		eventType = transport.EventStatusUpdate
	default:
		return
	}

	out, err := json.Marshal(&transport.Envelope{Type: eventType, Payload: env.Payload})
	if err != nil {
		return
	}

	r.mu.Lock()
	targets := append([]*pipeConn{}, r.conns[from.conversationID]...)
	r.mu.Unlock()

	for _, c := range targets {
		if c == from {
			continue
		}
		select {
		case c.in <- out:
		case <-c.closed:
		}
	}
}

// pipeConn implements transport.Conn over in-memory channels.
type pipeConn struct {
	relay          *relay
	userID         uuid.UUID
	conversationID string

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *pipeConn) WriteJSON(v interface{}) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	env, ok := v.(*transport.Envelope)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.relay.route(c, env)
	return nil
}

func (c *pipeConn) WriteMessage(messageType int, data []byte) error {
	// Control frames (pings, close) need no routing in-process.
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.relay.detach(c)
	})
	return nil
}

func (c *pipeConn) SetReadLimit(limit int64) {}

func (c *pipeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *pipeConn) SetPongHandler(h func(string) error) {}
