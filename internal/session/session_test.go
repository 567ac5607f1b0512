package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	"chatsync/internal/history"
	"chatsync/internal/transport"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func msg(id string, sec int) chat.Message {
	return chat.Message{ID: id, RoomID: "R", SenderID: "bob", Content: id, Type: chat.TypeText, SentAt: at(sec)}
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]map[int]transport.Handler
	nextID   int
	subs     []string
	unsubs   []string
	emitted  []chat.SendRequest
	emitErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]map[int]transport.Handler)}
}

func (f *fakeTransport) Subscribe(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, roomID)
	return nil
}

func (f *fakeTransport) Unsubscribe(roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, roomID)
	return nil
}

func (f *fakeTransport) Emit(roomID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	if req, ok := payload.(chat.SendRequest); ok && event == chat.EventSendMessage {
		f.emitted = append(f.emitted, req)
	}
	return nil
}

func (f *fakeTransport) On(event string, h transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]transport.Handler)
	}
	f.nextID++
	id := f.nextID
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeTransport) subscribed(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.subs, room)
}

func (f *fakeTransport) sent() []chat.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.emitted)
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

// deliver runs the handlers for event the way the transport goroutine would.
func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}
	f.mu.Lock()
	var hs []transport.Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(transport.Event{Name: event, Data: data})
	}
}

func (f *fakeTransport) push(t *testing.T, m chat.Message) {
	t.Helper()
	f.deliver(t, chat.EventNewMessage, chat.ToWire(m))
}

type fetchFunc func(ctx context.Context, roomID string, req history.PageRequest) (history.Page, error)

func (fn fetchFunc) Fetch(ctx context.Context, roomID string, req history.PageRequest) (history.Page, error) {
	return fn(ctx, roomID, req)
}

func pageOf(newestFirst ...chat.Message) fetchFunc {
	return func(context.Context, string, history.PageRequest) (history.Page, error) {
		return history.Page{Messages: newestFirst}, nil
	}
}

func newSession(t *testing.T, tr *fakeTransport, fetcher history.Fetcher, tweak func(*Config)) *RoomSession {
	t.Helper()
	nop := zerolog.Nop()
	cfg := Config{RoomID: "R", SenderID: "ann", IDs: NewTempIDs("c1"), Logger: &nop}
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := New(cfg, tr, fetcher)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func join(t *testing.T, s *RoomSession, tr *fakeTransport) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background()) }()
	require.Eventually(t, func() bool { return tr.subscribed("R") }, time.Second, 5*time.Millisecond)
	tr.deliver(t, chat.EventRoomJoined, chat.RoomRef{RoomID: "R"})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not finish")
	}
}

// settle waits until everything posted to the loop so far has run.
func settle(s *RoomSession) { s.HasMore() }

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func stateOf(s *RoomSession, id string) chat.DeliveryState {
	for _, m := range s.Snapshot() {
		if m.ID == id {
			return m.State
		}
	}
	return -1
}

func TestJoinLoadsHistoryThenActivates(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m3", 3), msg("m2", 2), msg("m1", 1)), nil)
	assert.Equal(t, StateClosed, s.State())

	join(t, s, tr)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Snapshot()))

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}

	require.NoError(t, s.Join(context.Background()))
}

func TestJoinFetchFailureIsRetryable(t *testing.T) {
	tr := newFakeTransport()
	calls := 0
	fetcher := fetchFunc(func(context.Context, string, history.PageRequest) (history.Page, error) {
		calls++
		if calls == 1 {
			return history.Page{}, errors.New("relay down")
		}
		return history.Page{Messages: []chat.Message{msg("m1", 1)}}, nil
	})
	s := newSession(t, tr, fetcher, nil)

	err := s.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, chat.CodeHistoryFetch, chat.CodeOf(err))
	assert.True(t, chat.IsRetryable(err))
	assert.Equal(t, StateJoining, s.State())
	assert.False(t, tr.subscribed("R"))

	join(t, s, tr)
	assert.Equal(t, []string{"m1"}, ids(s.Snapshot()))
}

func TestJoinHonorsContext(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Join(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateJoining, s.State())
}

func TestDuplicatePushIsAbsorbed(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m3", 3), msg("m2", 2), msg("m1", 1)), nil)
	join(t, s, tr)

	tr.push(t, msg("m2", 2))
	settle(s)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Snapshot()))
}

func TestOptimisticSendReconciles(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m3", 3), msg("m2", 2), msg("m1", 1)), nil)
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "hi", chat.TypeText)
	require.NoError(t, err)
	assert.Equal(t, "c1-1", tempID)

	snap := s.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, tempID, snap[3].ID)
	assert.Equal(t, chat.StatePending, snap[3].State)

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, tempID, sent[0].CorrelationID)
	assert.Equal(t, "text", sent[0].MessageType)

	echo := chat.Message{ID: "m4", RoomID: "R", SenderID: "ann", Content: "hi", Type: chat.TypeText, SentAt: at(4), CorrelationID: tempID}
	tr.push(t, echo)
	settle(s)

	snap = s.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "m4", snap[3].ID)
	assert.Equal(t, chat.StateSent, snap[3].State)
	assert.True(t, snap[3].SentAt.Equal(at(4)))
}

func TestReconcileMovesEntryToServerTime(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m3", 3), msg("m1", 1)), nil)
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "early", chat.TypeText)
	require.NoError(t, err)
	tr.push(t, chat.Message{ID: "m2", RoomID: "R", SenderID: "ann", Content: "early", Type: chat.TypeText, SentAt: at(2), CorrelationID: tempID})
	settle(s)

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Snapshot()))
}

func TestSendTimeoutThenRetry(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), func(cfg *Config) { cfg.AckTimeout = 30 * time.Millisecond })
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "hello", chat.TypeText)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Retry(context.Background(), tempID), ErrNotRetryable)

	require.Eventually(t, func() bool { return stateOf(s, tempID) == chat.StateFailed }, time.Second, 5*time.Millisecond)
	assert.Equal(t, chat.CodeSendTimeout, chat.CodeOf(s.Err()))

	require.NoError(t, s.Retry(context.Background(), tempID))
	assert.Equal(t, chat.StatePending, stateOf(s, tempID))
	sent := tr.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0], sent[1])

	require.Eventually(t, func() bool { return stateOf(s, tempID) == chat.StateFailed }, time.Second, 5*time.Millisecond)
}

func TestLateEchoConfirmsFailedSend(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), func(cfg *Config) { cfg.AckTimeout = 20 * time.Millisecond })
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "slow", chat.TypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stateOf(s, tempID) == chat.StateFailed }, time.Second, 5*time.Millisecond)

	tr.push(t, chat.Message{ID: "s1", RoomID: "R", SenderID: "ann", Content: "slow", Type: chat.TypeText, SentAt: at(1), CorrelationID: tempID})
	settle(s)
	assert.Equal(t, []string{"s1"}, ids(s.Snapshot()))
	assert.Equal(t, chat.StateSent, stateOf(s, "s1"))
}

func TestRejectedSendFails(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "spam", chat.TypeText)
	require.NoError(t, err)
	tr.deliver(t, chat.EventMessageRejected, chat.Rejection{RoomID: "R", CorrelationID: tempID, Reason: "rate limited"})
	settle(s)

	assert.Equal(t, chat.StateFailed, stateOf(s, tempID))
	assert.Equal(t, chat.CodeSendRejected, chat.CodeOf(s.Err()))
}

func TestBackpressureFailsSendImmediately(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)
	join(t, s, tr)

	tr.fail(chat.NewBackpressureError("R", 32))
	tempID, err := s.Send(context.Background(), "queued", chat.TypeText)
	require.Error(t, err)
	assert.Equal(t, chat.CodeBackpressure, chat.CodeOf(err))
	assert.Equal(t, chat.StateFailed, stateOf(s, tempID))

	assert.Equal(t, chat.CodeBackpressure, chat.CodeOf(s.Retry(context.Background(), tempID)))
	assert.Equal(t, chat.StateFailed, stateOf(s, tempID))

	tr.fail(nil)
	require.NoError(t, s.Retry(context.Background(), tempID))
	assert.Equal(t, chat.StatePending, stateOf(s, tempID))
}

func TestSendRequiresActiveSession(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)

	_, err := s.Send(context.Background(), "x", chat.TypeText)
	assert.ErrorIs(t, err, ErrNotActive)

	join(t, s, tr)
	_, err = s.Send(context.Background(), "   ", chat.TypeText)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = s.Send(context.Background(), "x", chat.MessageType("video"))
	assert.Error(t, err)
}

func TestDisconnectBuffersUntilRejoined(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m2", 2), msg("m1", 1)), nil)
	join(t, s, tr)

	tr.deliver(t, transport.EventDisconnect, nil)
	settle(s)
	assert.Equal(t, StateReconnecting, s.State())
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))

	tempID, err := s.Send(context.Background(), "offline", chat.TypeText)
	require.NoError(t, err)

	tr.push(t, msg("m4", 4))
	tr.push(t, msg("m3", 3))
	settle(s)
	assert.Equal(t, []string{"m1", "m2", tempID}, ids(s.Snapshot()))

	tr.deliver(t, chat.EventRoomJoined, chat.RoomRef{RoomID: "R"})
	settle(s)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", tempID}, ids(s.Snapshot()))
}

func TestMessagesDuringJoinAreBuffered(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m1", 1)), nil)

	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background()) }()
	require.Eventually(t, func() bool { return tr.subscribed("R") }, time.Second, 5*time.Millisecond)

	tr.push(t, msg("m2", 2))
	tr.push(t, msg("m1", 1))
	settle(s)
	assert.Equal(t, []string{"m1"}, ids(s.Snapshot()))

	tr.deliver(t, chat.EventRoomJoined, chat.RoomRef{RoomID: "R"})
	require.NoError(t, <-done)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))
}

func TestOtherRoomsAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)
	join(t, s, tr)

	other := msg("x1", 1)
	other.RoomID = "other"
	tr.push(t, other)
	tr.deliver(t, chat.EventNewMessage, map[string]string{"id": "broken"})
	settle(s)
	assert.Empty(t, s.Snapshot())
}

func TestResyncOnReconnectFillsGap(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	page := []chat.Message{msg("m1", 1)}
	fetcher := fetchFunc(func(context.Context, string, history.PageRequest) (history.Page, error) {
		mu.Lock()
		defer mu.Unlock()
		return history.Page{Messages: slices.Clone(page)}, nil
	})
	s := newSession(t, tr, fetcher, func(cfg *Config) { cfg.ResyncOnReconnect = true })
	join(t, s, tr)

	tr.deliver(t, transport.EventDisconnect, nil)
	mu.Lock()
	page = []chat.Message{msg("m2", 2), msg("m1", 1)}
	mu.Unlock()
	tr.deliver(t, chat.EventRoomJoined, chat.RoomRef{RoomID: "R"})

	require.Eventually(t, func() bool { return len(s.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))
}

func TestLoadOlderUsesOldestCursor(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	var requests []history.PageRequest
	fetcher := fetchFunc(func(_ context.Context, _ string, req history.PageRequest) (history.Page, error) {
		mu.Lock()
		requests = append(requests, req)
		mu.Unlock()
		if req.Before == "" {
			return history.Page{Messages: []chat.Message{msg("m4", 4), msg("m3", 3)}, HasMore: true}, nil
		}
		return history.Page{Messages: []chat.Message{msg("m2", 2), msg("m1", 1)}}, nil
	})
	s := newSession(t, tr, fetcher, func(cfg *Config) { cfg.HistoryLimit = 2 })
	join(t, s, tr)
	assert.True(t, s.HasMore())

	more, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Snapshot()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	assert.Equal(t, "m3", requests[1].Before)
	assert.Equal(t, 2, requests[1].Limit)
}

func TestLoadOlderFailureKeepsFeed(t *testing.T) {
	tr := newFakeTransport()
	fetcher := fetchFunc(func(_ context.Context, _ string, req history.PageRequest) (history.Page, error) {
		if req.Before != "" {
			return history.Page{}, errors.New("timeout")
		}
		return history.Page{Messages: []chat.Message{msg("m1", 1)}}, nil
	})
	s := newSession(t, tr, fetcher, nil)
	join(t, s, tr)

	_, err := s.LoadOlder(context.Background())
	assert.Equal(t, chat.CodeHistoryFetch, chat.CodeOf(err))
	assert.Equal(t, []string{"m1"}, ids(s.Snapshot()))
}

func TestLeaveFailsPendingAndIgnoresLateEcho(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(msg("m1", 1)), func(cfg *Config) { cfg.AckTimeout = 20 * time.Millisecond })
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "bye", chat.TypeText)
	require.NoError(t, err)

	failed, err := s.Leave(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, tempID, failed[0].ID)
	assert.Equal(t, chat.StateFailed, failed[0].State)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, []string{"R"}, tr.unsubs)

	tr.push(t, chat.Message{ID: "m2", RoomID: "R", SenderID: "ann", Content: "bye", Type: chat.TypeText, SentAt: at(2), CorrelationID: tempID})
	time.Sleep(40 * time.Millisecond)
	settle(s)
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, s.Snapshot())

	again, err := s.Leave(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLeaveCancelsJoinInFlight(t *testing.T) {
	tr := newFakeTransport()
	started := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, _ string, _ history.PageRequest) (history.Page, error) {
		close(started)
		<-ctx.Done()
		return history.Page{}, ctx.Err()
	})
	s := newSession(t, tr, fetcher, nil)

	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background()) }()
	<-started
	_, err := s.Leave(context.Background())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrLeft)
	case <-time.After(time.Second):
		t.Fatal("join still blocked")
	}
	assert.False(t, tr.subscribed("R"))
}

func TestClosedSessionRejectsCalls(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), nil)
	s.Close()
	s.Close()

	assert.ErrorIs(t, s.Join(context.Background()), ErrClosed)
	_, err := s.Send(context.Background(), "x", chat.TypeText)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHeuristicMatchWithoutCorrelation(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(t, tr, pageOf(), func(cfg *Config) {
		cfg.HeuristicMatch = true
		cfg.MatchWindow = time.Minute
	})
	join(t, s, tr)

	tempID, err := s.Send(context.Background(), "Café", chat.TypeText)
	require.NoError(t, err)
	tr.push(t, chat.Message{ID: "srv", RoomID: "R", SenderID: "ann", Content: "Café", Type: chat.TypeText, SentAt: time.Now().UTC()})
	settle(s)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv", snap[0].ID)
	assert.Equal(t, tempID, snap[0].CorrelationID)
}

func TestTempIDsAreSequential(t *testing.T) {
	gen := NewTempIDs("inst")
	assert.Equal(t, "inst-1", gen.Next())
	assert.Equal(t, "inst-2", gen.Next())
	assert.Equal(t, "inst", gen.Instance())
	assert.NotEmpty(t, NewTempIDs("").Instance())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{SenderID: "a"}, newFakeTransport(), pageOf())
	assert.Error(t, err)
	_, err = New(Config{RoomID: "R"}, newFakeTransport(), pageOf())
	assert.Error(t, err)
}
