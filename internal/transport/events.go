package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
)

// Server-to-client event types.
const (
	EventNewMessage   = "message:new"
	EventStatusUpdate = "message:status"
	EventTypingUpdate = "typing:update"
)

// Client-to-server command types.
const (
	CmdSendMessage     = "message:send"
	CmdSetTyping       = "typing:set"
	CmdStatusDelivered = "status:delivered"
	CmdStatusRead      = "status:read"
)

// Envelope is the wire format for everything crossing the transport.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessageEvent carries a full message pushed by the server.
type NewMessageEvent struct {
	Message models.Message `json:"message"`
}

// StatusUpdateEvent advances a message's delivery status.
type StatusUpdateEvent struct {
	MessageID uuid.UUID            `json:"messageId"`
	Status    models.MessageStatus `json:"status"`
	At        time.Time            `json:"at"`
}

// TypingUpdateEvent signals a change in a participant's typing state.
type TypingUpdateEvent struct {
	ConversationID string    `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	Typing         bool      `json:"typing"`
}

// DecodeEvent parses an envelope into one of the three typed variants.
// Unknown event types and malformed payloads are returned as errors so the
// caller can log and drop them without touching session state.
func DecodeEvent(data []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %v", err)
	}

	switch env.Type {
	case EventNewMessage:
		var p NewMessageEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %v", env.Type, err)
		}
		return &p, nil
	case EventStatusUpdate:
		var p StatusUpdateEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %v", env.Type, err)
		}
		if !p.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q in %s event", p.Status, env.Type)
		}
		return &p, nil
	case EventTypingUpdate:
		var p TypingUpdateEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %v", env.Type, err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EncodeCommand wraps a command payload in the wire envelope.
func EncodeCommand(cmdType string, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: cmdType, Payload: raw}, nil
}
