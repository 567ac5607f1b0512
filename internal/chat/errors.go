package chat

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by the sync core.
type ErrorCode string

const (
	// CodeHistoryFetch: the baseline fetch for a room failed. Retryable.
	CodeHistoryFetch ErrorCode = "HISTORY_FETCH"

	// CodeTransportDisconnect: the channel dropped. Handled by reconnect,
	// never returned from a public call.
	CodeTransportDisconnect ErrorCode = "TRANSPORT_DISCONNECT"

	// CodeSendTimeout: no confirmation arrived before the ack deadline.
	CodeSendTimeout ErrorCode = "SEND_TIMEOUT"

	// CodeDuplicateDelivery: a redelivered event with a known id.
	CodeDuplicateDelivery ErrorCode = "DUPLICATE_DELIVERY"

	// CodeBackpressure: the outbound buffer for a room is full.
	CodeBackpressure ErrorCode = "BACKPRESSURE"

	// CodeSendRejected: the server refused a send.
	CodeSendRejected ErrorCode = "SEND_REJECTED"
)

// Error is the typed failure used across chat, transport and session.
type Error struct {
	Code      ErrorCode
	RoomID    string
	MessageID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.RoomID != "" && e.MessageID != "":
		return fmt.Sprintf("%s: %s (room=%s, message=%s)", e.Code, msg, e.RoomID, e.MessageID)
	case e.RoomID != "":
		return fmt.Sprintf("%s: %s (room=%s)", e.Code, msg, e.RoomID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the failed call may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeHistoryFetch, CodeSendTimeout, CodeBackpressure, CodeTransportDisconnect:
		return true
	}
	return false
}

// CodeOf extracts the code of a wrapped *Error, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

func NewHistoryFetchError(roomID string, err error) *Error {
	return &Error{Code: CodeHistoryFetch, RoomID: roomID, Message: "history fetch failed", Err: err}
}

func NewSendTimeoutError(roomID, tempID string) *Error {
	return &Error{Code: CodeSendTimeout, RoomID: roomID, MessageID: tempID, Message: "no confirmation before ack deadline"}
}

func NewBackpressureError(roomID string, limit int) *Error {
	return &Error{Code: CodeBackpressure, RoomID: roomID, Message: fmt.Sprintf("outbox full (%d queued)", limit)}
}

func NewDisconnectError(err error) *Error {
	return &Error{Code: CodeTransportDisconnect, Message: "transport disconnected", Err: err}
}

func NewSendRejectedError(roomID, tempID, reason string) *Error {
	return &Error{Code: CodeSendRejected, RoomID: roomID, MessageID: tempID, Message: reason}
}
