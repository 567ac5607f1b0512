package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"chatsync/internal/chat"
)

// Key layout. Room, sender and correlation ids are NUL-separated, message
// keys end in an 8-byte big-endian sequence so a room's messages iterate in
// append order.
//
//	m\x00{room}\x00{seq}                -> message JSON
//	i\x00{id}                           -> message key
//	c\x00{room}\x00{sender}\x00{corr}   -> message key
//	s\x00seq                            -> last sequence
var (
	prefixMessage     = []byte("m\x00")
	prefixID          = []byte("i\x00")
	prefixCorrelation = []byte("c\x00")
	keySequence       = []byte("s\x00seq")
)

// PebbleLog keeps the relay history in a Pebble key-value store.
type PebbleLog struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

// OpenPebbleLog opens (creating if needed) the store in dir.
func OpenPebbleLog(dir string) (*PebbleLog, error) {
	if dir == "" {
		dir = "chatsync-pebble"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleLog{db: db, next: 1}
	val, closer, err := db.Get(keySequence)
	switch {
	case err == nil:
		if len(val) == 8 {
			s.next = binary.BigEndian.Uint64(val) + 1
		}
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PebbleLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleLog) Append(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	if err := validRoom(m.RoomID); err != nil {
		return chat.Message{}, false, err
	}
	if err := m.Validate(); err != nil {
		return chat.Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var corrKey []byte
	if m.CorrelationID != "" {
		corrKey = correlationKey(m.RoomID, m.SenderID, m.CorrelationID)
		if existing, ok, err := s.resolve(corrKey); err != nil || ok {
			return existing, false, err
		}
	}
	if existing, ok, err := s.resolve(idKey(m.ID)); err != nil || ok {
		return existing, false, err
	}

	m.State = chat.StateSent
	val, err := json.Marshal(chat.ToWire(m))
	if err != nil {
		return chat.Message{}, false, err
	}
	seq := s.next
	key := messageKey(m.RoomID, seq)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, val, nil); err != nil {
		return chat.Message{}, false, err
	}
	if err := b.Set(idKey(m.ID), key, nil); err != nil {
		return chat.Message{}, false, err
	}
	if corrKey != nil {
		if err := b.Set(corrKey, key, nil); err != nil {
			return chat.Message{}, false, err
		}
	}
	if err := b.Set(keySequence, seqBuf[:], nil); err != nil {
		return chat.Message{}, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return chat.Message{}, false, err
	}
	s.next++
	return m, true, nil
}

func (s *PebbleLog) List(ctx context.Context, roomID, before string, limit int) ([]chat.Message, error) {
	if err := validRoom(roomID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	lower := roomPrefix(roomID)
	upper := append(bytes.Clone(lower[:len(lower)-1]), 0x01)

	if before != "" {
		key, ok, err := s.get(idKey(before))
		if err != nil {
			return nil, err
		}
		if !ok || !bytes.HasPrefix(key, lower) {
			return nil, ErrNotFound
		}
		upper = key
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]chat.Message, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := decodeStored(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *PebbleLog) Exists(_ context.Context, roomID string) (bool, error) {
	if validRoom(roomID) != nil {
		return false, nil
	}
	lower := roomPrefix(roomID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: append(bytes.Clone(lower[:len(lower)-1]), 0x01),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()
	return iter.First(), iter.Error()
}

// resolve follows an index key to the message it points at.
func (s *PebbleLog) resolve(index []byte) (chat.Message, bool, error) {
	key, ok, err := s.get(index)
	if err != nil || !ok {
		return chat.Message{}, false, err
	}
	val, ok, err := s.get(key)
	if err != nil {
		return chat.Message{}, false, err
	}
	if !ok {
		return chat.Message{}, false, fmt.Errorf("dangling index %q", index)
	}
	m, err := decodeStored(val)
	return m, err == nil, err
}

func (s *PebbleLog) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return bytes.Clone(val), true, nil
}

func decodeStored(val []byte) (chat.Message, error) {
	var w chat.WireMessage
	if err := json.Unmarshal(val, &w); err != nil {
		return chat.Message{}, err
	}
	return w.Message()
}

func roomPrefix(roomID string) []byte {
	k := make([]byte, 0, len(prefixMessage)+len(roomID)+1)
	k = append(k, prefixMessage...)
	k = append(k, roomID...)
	return append(k, 0)
}

func messageKey(roomID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(roomPrefix(roomID), seq)
}

func idKey(id string) []byte {
	return append(bytes.Clone(prefixID), id...)
}

func correlationKey(roomID, senderID, correlationID string) []byte {
	k := bytes.Clone(prefixCorrelation)
	k = append(k, roomID...)
	k = append(k, 0)
	k = append(k, senderID...)
	k = append(k, 0)
	return append(k, correlationID...)
}
