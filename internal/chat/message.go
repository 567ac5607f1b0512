package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MessageType tags what a message's content holds.
type MessageType string

const (
	TypeText  MessageType = "TEXT"
	TypeImage MessageType = "IMAGE"
	TypeFile  MessageType = "FILE"
)

// ParseMessageType accepts the wire spelling (lowercase) or the canonical one.
// An empty string means TEXT.
func ParseMessageType(raw string) (MessageType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(TypeText):
		return TypeText, nil
	case string(TypeImage):
		return TypeImage, nil
	case string(TypeFile):
		return TypeFile, nil
	}
	return "", fmt.Errorf("unknown message type %q", raw)
}

// Wire returns the lowercase form used in event payloads.
func (t MessageType) Wire() string {
	return strings.ToLower(string(t))
}

// DeliveryState tracks a message through the optimistic send lifecycle.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateSent
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSent:
		return "SENT"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

// Message is one entry of a room's feed.
type Message struct {
	ID       string
	RoomID   string
	SenderID string
	Content  string
	Type     MessageType
	SentAt   time.Time

	// Sequence is assigned by the owning MessageStore on insertion and
	// breaks ties between equal SentAt values.
	Sequence uint64
	State    DeliveryState

	// CorrelationID is the client temp id a server copy answers to.
	CorrelationID string
}

var (
	errMissingID     = errors.New("message id is required")
	errMissingRoom   = errors.New("message room is required")
	errMissingSentAt = errors.New("message sentAt is required")
)

// Validate reports whether m is complete enough to enter a store.
func (m Message) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	if m.RoomID == "" {
		return errMissingRoom
	}
	if m.SentAt.IsZero() {
		return errMissingSentAt
	}
	if _, err := ParseMessageType(string(m.Type)); err != nil {
		return err
	}
	return nil
}

// Before is the canonical feed order: SentAt ascending, then Sequence.
func Before(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.Sequence < b.Sequence
}

// Ascending turns a newest-first history page into chronological order.
// Entries sharing a timestamp keep their relative arrival order.
func Ascending(newestFirst []Message) []Message {
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
	return out
}
