package chat

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Outcome reports what ApplyIncoming did with a message.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeDuplicate
	OutcomeReconciled
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeReconciled:
		return "reconciled"
	case OutcomeRejected:
		return "rejected"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Code maps an outcome to its error category. Only a duplicate has one; it is
// absorbed, never returned.
func (o Outcome) Code() ErrorCode {
	if o == OutcomeDuplicate {
		return CodeDuplicateDelivery
	}
	return ""
}

// Applied is the result of ApplyIncoming. TempID names the local entry a
// reconciliation replaced.
type Applied struct {
	Outcome Outcome
	TempID  string
}

// ErrDuplicateID is returned by InsertOptimistic for an id already in the store.
var ErrDuplicateID = errors.New("message id already present")

// StoreOption configures a MessageStore.
type StoreOption func(*MessageStore)

// WithEchoMatching enables the fallback matcher for echoes that carry no
// correlation id: a pending entry from the same sender with the same type and
// normalized content, sent within window of the echo, is treated as its
// origin. Rapid identical sends may be paired with the wrong entry.
func WithEchoMatching(window time.Duration) StoreOption {
	return func(s *MessageStore) {
		s.matchWindow = window
	}
}

// MessageStore is the ordered, deduplicated feed of one room.
//
// Every mutation leaves the feed sorted by (SentAt, Sequence) with unique ids.
// It is not safe for concurrent use; a RoomSession owns it from one goroutine.
type MessageStore struct {
	roomID      string
	messages    []Message
	index       map[string]int
	seq         uint64
	matchWindow time.Duration
}

func NewMessageStore(roomID string, opts ...StoreOption) *MessageStore {
	s := &MessageStore{
		roomID:   roomID,
		messages: make([]Message, 0, 64),
		index:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MessageStore) RoomID() string { return s.roomID }

// LoadHistory inserts every message whose id is not yet known. A message
// answering a local optimistic entry (same correlation id and sender)
// replaces it.
// msgs should be ascending; sequences are assigned in input order.
// It returns the number of new entries.
func (s *MessageStore) LoadHistory(msgs []Message) int {
	inserted := 0
	appended := false
	for _, m := range msgs {
		if m.Validate() != nil || m.RoomID != s.roomID {
			continue
		}
		if _, ok := s.index[m.ID]; ok {
			continue
		}
		if m.CorrelationID != "" && s.reconcilable(m.CorrelationID, m.SenderID) {
			s.Reconcile(m.CorrelationID, m)
			continue
		}
		m.State = StateSent
		m.Sequence = s.nextSeq()
		s.messages = append(s.messages, m)
		s.index[m.ID] = len(s.messages) - 1
		inserted++
		appended = true
	}
	if appended {
		s.resort()
	}
	return inserted
}

// ApplyIncoming merges one pushed message. Known ids are absorbed silently.
func (s *MessageStore) ApplyIncoming(m Message) (Applied, error) {
	if err := m.Validate(); err != nil {
		return Applied{Outcome: OutcomeRejected}, err
	}
	if m.RoomID != s.roomID {
		return Applied{Outcome: OutcomeRejected}, fmt.Errorf("message for room %q applied to room %q", m.RoomID, s.roomID)
	}
	if _, ok := s.index[m.ID]; ok {
		return Applied{Outcome: OutcomeDuplicate}, nil
	}
	if tempID := s.matchOrigin(m); tempID != "" {
		s.Reconcile(tempID, m)
		return Applied{Outcome: OutcomeReconciled, TempID: tempID}, nil
	}
	m.State = StateSent
	s.insert(m)
	return Applied{Outcome: OutcomeInserted}, nil
}

// InsertOptimistic adds a locally created message as PENDING at the position
// its client timestamp implies.
func (s *MessageStore) InsertOptimistic(m Message) error {
	if m.RoomID == "" {
		m.RoomID = s.roomID
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.RoomID != s.roomID {
		return fmt.Errorf("optimistic message for room %q inserted into room %q", m.RoomID, s.roomID)
	}
	if _, ok := s.index[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	m.State = StatePending
	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}
	s.insert(m)
	return nil
}

// Reconcile replaces the unconfirmed entry tempID with its server copy,
// keeping the entry's sequence. FAILED entries are accepted too so a late
// confirmation still wins. It reports whether anything changed; unknown or
// already confirmed ids are a no-op.
func (s *MessageStore) Reconcile(tempID string, server Message) bool {
	i, ok := s.index[tempID]
	if !ok || server.ID == "" {
		return false
	}
	cur := s.messages[i]
	if cur.State == StateSent {
		return false
	}
	if server.RoomID != "" && server.RoomID != s.roomID {
		return false
	}
	if j, exists := s.index[server.ID]; exists && j != i {
		// the server copy is already in the feed; drop the local twin
		s.removeAt(i)
		return true
	}

	updated := cur
	updated.ID = server.ID
	updated.State = StateSent
	updated.CorrelationID = tempID
	if !server.SentAt.IsZero() {
		updated.SentAt = server.SentAt
	}
	if server.SenderID != "" {
		updated.SenderID = server.SenderID
	}
	if server.Content != "" {
		updated.Content = server.Content
	}
	if server.Type != "" {
		updated.Type = server.Type
	}
	s.messages[i] = updated
	delete(s.index, tempID)
	s.index[updated.ID] = i
	if !updated.SentAt.Equal(cur.SentAt) {
		s.resort()
	}
	return true
}

// MarkFailed moves a PENDING entry to FAILED. The entry stays visible.
func (s *MessageStore) MarkFailed(tempID string) bool {
	return s.transition(tempID, StatePending, StateFailed)
}

// MarkPending moves a FAILED entry back to PENDING for a retry.
func (s *MessageStore) MarkPending(tempID string) bool {
	return s.transition(tempID, StateFailed, StatePending)
}

// FailPending marks every PENDING entry FAILED and returns them.
func (s *MessageStore) FailPending() []Message {
	var failed []Message
	for i := range s.messages {
		if s.messages[i].State == StatePending {
			s.messages[i].State = StateFailed
			failed = append(failed, s.messages[i])
		}
	}
	return failed
}

// Snapshot returns a copy of the feed in canonical order.
func (s *MessageStore) Snapshot() []Message {
	return slices.Clone(s.messages)
}

func (s *MessageStore) Len() int { return len(s.messages) }

func (s *MessageStore) Get(id string) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Oldest returns the id of the oldest confirmed message, the cursor for
// fetching the page before it.
func (s *MessageStore) Oldest() (string, bool) {
	for _, m := range s.messages {
		if m.State == StateSent {
			return m.ID, true
		}
	}
	return "", false
}

func (s *MessageStore) transition(id string, from, to DeliveryState) bool {
	i, ok := s.index[id]
	if !ok || s.messages[i].State != from {
		return false
	}
	s.messages[i].State = to
	return true
}

// reconcilable reports whether tempID names an unconfirmed entry that a
// message from sender may confirm. Correlation ids are only unique per
// sender, so a copy from someone else never completes a local send.
func (s *MessageStore) reconcilable(tempID, sender string) bool {
	i, ok := s.index[tempID]
	if !ok {
		return false
	}
	cand := s.messages[i]
	if cand.State == StateSent {
		return false
	}
	return sender == "" || cand.SenderID == sender
}

// matchOrigin finds the local entry an incoming server message confirms.
func (s *MessageStore) matchOrigin(m Message) string {
	if m.CorrelationID != "" {
		if s.reconcilable(m.CorrelationID, m.SenderID) {
			return m.CorrelationID
		}
		return ""
	}
	if s.matchWindow <= 0 {
		return ""
	}
	content := normalize(m.Content)
	var best *Message
	for i := range s.messages {
		cand := &s.messages[i]
		if cand.State == StateSent || cand.SenderID != m.SenderID || cand.Type != m.Type {
			continue
		}
		if absDuration(cand.SentAt.Sub(m.SentAt)) > s.matchWindow || normalize(cand.Content) != content {
			continue
		}
		// the earliest send wins
		if best == nil || cand.Sequence < best.Sequence {
			best = cand
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

func (s *MessageStore) insert(m Message) {
	m.Sequence = s.nextSeq()
	pos := sort.Search(len(s.messages), func(i int) bool {
		return Before(m, s.messages[i])
	})
	s.messages = slices.Insert(s.messages, pos, m)
	s.reindexFrom(pos)
}

func (s *MessageStore) removeAt(i int) {
	delete(s.index, s.messages[i].ID)
	s.messages = slices.Delete(s.messages, i, i+1)
	s.reindexFrom(i)
}

func (s *MessageStore) resort() {
	slices.SortStableFunc(s.messages, func(a, b Message) int {
		switch {
		case Before(a, b):
			return -1
		case Before(b, a):
			return 1
		}
		return 0
	})
	s.reindexFrom(0)
}

func (s *MessageStore) reindexFrom(pos int) {
	for i := pos; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

func (s *MessageStore) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func normalize(content string) string {
	return strings.TrimSpace(norm.NFC.String(content))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
