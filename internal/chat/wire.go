package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names exchanged over the websocket.
const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventSendMessage     = "send-message"
	EventRoomJoined      = "room-joined"
	EventNewMessage      = "new-message"
	EventMessageRejected = "message-rejected"
)

// Envelope frames every event on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomRef is the payload of join-room, leave-room and room-joined.
type RoomRef struct {
	RoomID string `json:"roomId"`
}

// SendRequest is the payload of send-message.
type SendRequest struct {
	RoomID        string `json:"roomId"`
	Content       string `json:"content"`
	MessageType   string `json:"messageType"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Rejection is the payload of message-rejected.
type Rejection struct {
	RoomID        string `json:"roomId"`
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// WireMessage is the JSON shape of new-message and of history entries.
type WireMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	SenderID      string    `json:"senderId"`
	Content       string    `json:"content"`
	MessageType   string    `json:"messageType"`
	SentAt        time.Time `json:"sentAt"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Encode wraps payload in an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses one frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// ToWire converts a store entry to its wire representation.
func ToWire(m Message) WireMessage {
	return WireMessage{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		Content:       m.Content,
		MessageType:   m.Type.Wire(),
		SentAt:        m.SentAt.UTC(),
		CorrelationID: m.CorrelationID,
	}
}

// Message converts a wire entry into a confirmed Message, rejecting
// anything that would enter a store partially formed.
func (w WireMessage) Message() (Message, error) {
	typ, err := ParseMessageType(w.MessageType)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:            w.ID,
		RoomID:        w.RoomID,
		SenderID:      w.SenderID,
		Content:       w.Content,
		Type:          typ,
		SentAt:        w.SentAt,
		State:         StateSent,
		CorrelationID: w.CorrelationID,
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeMessage parses a new-message payload.
func DecodeMessage(data json.RawMessage) (Message, error) {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	m, err := w.Message()
	if err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
