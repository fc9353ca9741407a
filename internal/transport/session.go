// internal/transport/session.go
package transport

import (
	"log"
	"net/url"
	"sync"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the externally observable connection state of a Session.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Conn is the subset of a websocket connection the session drives.
// *websocket.Conn satisfies it; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Dialer opens a transport connection to the given URL.
type Dialer func(rawURL string) (Conn, error)

// GorillaDialer returns the production dialer.
func GorillaDialer(handshakeWait time.Duration) Dialer {
	return func(rawURL string) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeWait}
		conn, _, err := d.Dial(rawURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Session maintains one real-time channel for a (user, conversation) pair.
//
// State machine: connecting -> connected on handshake, connected ->
// disconnected on transport error, disconnected -> connecting when the retry
// timer fires. Retries are bounded with a fixed delay; after the budget is
// spent the session stays disconnected until Connect is called again.
type Session struct {
	UserID         uuid.UUID
	ConversationID string

	cfg    *config.TransportConfig
	dialer Dialer

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          int // bumped on Connect/Disconnect to invalidate stale pumps and timers
	attemptsLeft int
	retryTimer   *time.Timer
	closed       bool

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	onMessage  []func(*NewMessageEvent)
	onStatus   []func(*StatusUpdateEvent)
	onTyping   []func(*TypingUpdateEvent)
	onState    []func(State)
}

func NewSession(cfg *config.TransportConfig, dialer Dialer, userID uuid.UUID, conversationID string) *Session {
	if dialer == nil {
		dialer = GorillaDialer(cfg.HandshakeWait)
	}
	return &Session{
		UserID:         userID,
		ConversationID: conversationID,
		cfg:            cfg,
		dialer:         dialer,
		state:          StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnMessage subscribes to incoming message events.
func (s *Session) OnMessage(h func(*NewMessageEvent)) {
	s.handlersMu.Lock()
	s.onMessage = append(s.onMessage, h)
	s.handlersMu.Unlock()
}

// OnStatusUpdate subscribes to message status events.
func (s *Session) OnStatusUpdate(h func(*StatusUpdateEvent)) {
	s.handlersMu.Lock()
	s.onStatus = append(s.onStatus, h)
	s.handlersMu.Unlock()
}

// OnTyping subscribes to typing indicator events.
func (s *Session) OnTyping(h func(*TypingUpdateEvent)) {
	s.handlersMu.Lock()
	s.onTyping = append(s.onTyping, h)
	s.handlersMu.Unlock()
}

// OnStateChange subscribes to connection state transitions. Transport
// errors surface here as a disconnected state, never as a panic or a
// returned error on the receive path.
func (s *Session) OnStateChange(h func(State)) {
	s.handlersMu.Lock()
	s.onState = append(s.onState, h)
	s.handlersMu.Unlock()
}

// Connect starts connecting. Idempotent: a session that is already
// connecting or connected is left alone. A fresh call after the retry
// budget was exhausted restores the full budget (the "external trigger"
// path: app foreground, manual retry).
func (s *Session) Connect() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.closed = false
	s.attemptsLeft = s.cfg.RetryAttempts
	s.cancelRetryLocked()
	s.state = StateConnecting
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.emitState(StateConnecting)
	go s.attempt(gen)
}

// Disconnect releases the session. Idempotent. Cancels any pending retry.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.gen++
	s.cancelRetryLocked()
	conn := s.conn
	s.conn = nil
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if changed {
		s.emitState(StateDisconnected)
	}
}

// Send writes an envelope to the transport. Fails fast with
// TRANSPORT_UNAVAILABLE when not connected; never blocks past the write
// deadline.
func (s *Session) Send(env *Envelope) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return utils.NewTransportUnavailableError(s.ConversationID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteJSON(env); err != nil {
		return utils.NewAppError(utils.ErrTransportClosed, "transport write failed", err)
	}
	return nil
}

// SendMessage pushes a chat message to the counterpart.
func (s *Session) SendMessage(msg *models.Message) error {
	env, err := EncodeCommand(CmdSendMessage, &NewMessageEvent{Message: *msg})
	if err != nil {
		return utils.NewAppError(utils.ErrInvalidInput, "encode message", err)
	}
	return s.Send(env)
}

// SetTyping broadcasts the local typing flag.
func (s *Session) SetTyping(typing bool) error {
	env, err := EncodeCommand(CmdSetTyping, &TypingUpdateEvent{
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		Typing:         typing,
	})
	if err != nil {
		return utils.NewAppError(utils.ErrInvalidInput, "encode typing", err)
	}
	return s.Send(env)
}

// AckDelivered acknowledges receipt of a message.
func (s *Session) AckDelivered(messageID uuid.UUID, at time.Time) error {
	env, err := EncodeCommand(CmdStatusDelivered, &StatusUpdateEvent{
		MessageID: messageID,
		Status:    models.StatusDelivered,
		At:        at,
	})
	if err != nil {
		return utils.NewAppError(utils.ErrInvalidInput, "encode delivered ack", err)
	}
	return s.Send(env)
}

// AckRead acknowledges that a message was read.
func (s *Session) AckRead(messageID uuid.UUID, at time.Time) error {
	env, err := EncodeCommand(CmdStatusRead, &StatusUpdateEvent{
		MessageID: messageID,
		Status:    models.StatusRead,
		At:        at,
	})
	if err != nil {
		return utils.NewAppError(utils.ErrInvalidInput, "encode read ack", err)
	}
	return s.Send(env)
}

func (s *Session) dialURL() string {
	raw := s.cfg.URL + "?conversation=" + url.QueryEscape(s.ConversationID)
	if s.cfg.JWTSecret != "" {
		token, err := GenerateToken(s.cfg.JWTSecret, s.UserID, s.ConversationID)
		if err != nil {
			log.Printf("Failed to mint transport token for user %s: %v", s.UserID, err)
		} else {
			raw += "&token=" + url.QueryEscape(token)
		}
	}
	return raw
}

func (s *Session) attempt(gen int) {
	conn, err := s.dialer(s.dialURL())

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		log.Printf("Transport dial failed for conversation %s: %v", s.ConversationID, err)
		scheduled := s.scheduleRetryLocked(gen)
		s.mu.Unlock()
		s.emitState(StateDisconnected)
		if !scheduled {
			log.Printf("Retry budget exhausted for conversation %s; staying disconnected", s.ConversationID)
		}
		return
	}

	s.conn = conn
	s.state = StateConnected
	s.attemptsLeft = s.cfg.RetryAttempts
	s.mu.Unlock()

	s.emitState(StateConnected)
	go s.readPump(conn, gen)
	go s.pingLoop(conn, gen)
}

// scheduleRetryLocked moves the session to disconnected and arms the single
// retry timer if budget remains. Caller holds s.mu and emits the
// disconnected state after unlocking.
func (s *Session) scheduleRetryLocked(gen int) bool {
	s.state = StateDisconnected
	s.conn = nil
	if s.attemptsLeft <= 0 {
		return false
	}
	s.attemptsLeft--
	s.cancelRetryLocked()
	s.retryTimer = time.AfterFunc(s.cfg.RetryDelay, func() {
		s.retryFire(gen)
	})
	return true
}

func (s *Session) retryFire(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.closed || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.emitState(StateConnecting)
	go s.attempt(gen)
}

func (s *Session) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) readPump(conn Conn, gen int) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.gen != gen || s.closed {
				s.mu.Unlock()
				return
			}
			log.Printf("Transport read error for conversation %s: %v", s.ConversationID, err)
			s.scheduleRetryLocked(gen)
			s.mu.Unlock()
			s.emitState(StateDisconnected)
			conn.Close()
			return
		}

		evt, derr := DecodeEvent(data)
		if derr != nil {
			// Malformed events are logged and dropped; the stream survives.
			log.Printf("Dropping transport event for conversation %s: %v", s.ConversationID, derr)
			continue
		}
		s.dispatch(evt)
	}
}

func (s *Session) pingLoop(conn Conn, gen int) {
	period := s.cfg.PongWait / 10 * 9
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		live := s.gen == gen && s.conn == conn && s.state == StateConnected
		s.mu.Unlock()
		if !live {
			return
		}

		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Session) dispatch(evt interface{}) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	switch e := evt.(type) {
	case *NewMessageEvent:
		for _, h := range s.onMessage {
			h(e)
		}
	case *StatusUpdateEvent:
		for _, h := range s.onStatus {
			h(e)
		}
	case *TypingUpdateEvent:
		// The local user's own typing echo is filtered out here so the
		// presence layer only ever sees the counterpart.
		if e.UserID == s.UserID {
			return
		}
		for _, h := range s.onTyping {
			h(e)
		}
	}
}

func (s *Session) emitState(state State) {
	s.handlersMu.RLock()
	handlers := append([]func(State){}, s.onState...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

// Registry hands out at most one session per (user, conversation) pair.
type Registry struct {
	mu       sync.Mutex
	cfg      *config.TransportConfig
	dialer   Dialer
	sessions map[string]*Session
}

func NewRegistry(cfg *config.TransportConfig, dialer Dialer) *Registry {
	return &Registry{
		cfg:      cfg,
		dialer:   dialer,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session for the pair without connecting it, creating
// it on first use. Lets callers attach subscribers before the handshake.
func (r *Registry) Acquire(userID uuid.UUID, conversationID string) *Session {
	key := userID.String() + "/" + conversationID

	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	if !ok {
		sess = NewSession(r.cfg, r.dialer, userID, conversationID)
		r.sessions[key] = sess
	}
	return sess
}

// Connect returns the session for the pair, creating and connecting it on
// first use. Repeat calls while connecting/connected return the same handle.
func (r *Registry) Connect(userID uuid.UUID, conversationID string) *Session {
	sess := r.Acquire(userID, conversationID)
	sess.Connect()
	return sess
}

// Release disconnects and forgets the session for the pair.
func (r *Registry) Release(userID uuid.UUID, conversationID string) {
	key := userID.String() + "/" + conversationID

	r.mu.Lock()
	sess, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if ok {
		sess.Disconnect()
	}
}
