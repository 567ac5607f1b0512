package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/chat"
)

// Log is the relay's append-only message history.
type Log interface {
	// Append stores m and returns the stored copy. When m repeats an earlier
	// send (same room, sender and correlation id, or same id) the earlier copy
	// is returned with created=false and nothing is written.
	Append(ctx context.Context, m chat.Message) (stored chat.Message, created bool, err error)

	// List returns up to limit messages of roomID, newest first. A non-empty
	// before restricts the page to messages older than that message id.
	List(ctx context.Context, roomID, before string, limit int) ([]chat.Message, error)

	// Exists reports whether roomID has any stored message.
	Exists(ctx context.Context, roomID string) (bool, error)

	Close() error
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

var (
	// ErrNotFound is returned by List when the before cursor is unknown.
	ErrNotFound = errors.New("message not found")

	errInvalidRoom = errors.New("room id must be non-empty and free of NUL bytes")
)

// Open picks a Log implementation by kind ("sqlite" or "pebble").
func Open(kind, path string) (Log, error) {
	switch strings.ToLower(kind) {
	case "", "sqlite":
		store, err := NewSQLiteLog(path)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(context.Background()); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	case "pebble":
		return OpenPebbleLog(path)
	}
	return nil, fmt.Errorf("unknown store kind %q", kind)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func validRoom(roomID string) error {
	if roomID == "" || strings.ContainsRune(roomID, 0) {
		return errInvalidRoom
	}
	return nil
}
