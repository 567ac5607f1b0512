// Package session drives one room's feed: it loads history, joins the room on
// a shared transport, merges pushed messages and tracks optimistic sends.
//
// A RoomSession runs a single event loop goroutine. Store mutations, transport
// events, ack timers and fetch completions are all serialized onto it, so the
// MessageStore it owns never sees concurrent access.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatsync/internal/chat"
	"chatsync/internal/history"
	"chatsync/internal/metrics"
	"chatsync/internal/transport"
)

type State int

const (
	StateClosed State = iota
	StateJoining
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateJoining:
		return "JOINING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotActive    = errors.New("room session is not active")
	ErrNotRetryable = errors.New("only failed messages can be retried")
	ErrEmptyMessage = errors.New("message content is empty")
	ErrLeft         = errors.New("room session left")
	ErrClosed       = errors.New("room session closed")
)

const (
	DefaultAckTimeout  = 10 * time.Second
	DefaultMatchWindow = 5 * time.Second
)

// Transport is the part of transport.Client a session needs.
type Transport interface {
	Subscribe(roomID string) error
	Unsubscribe(roomID string) error
	Emit(roomID, event string, payload any) error
	On(event string, handler transport.Handler) (cancel func())
}

type Config struct {
	RoomID   string
	SenderID string

	// IDs mints temp ids for optimistic sends. Sessions of one process
	// should share a generator; a fresh one is created when nil.
	IDs *TempIDs

	AckTimeout   time.Duration
	HistoryLimit int

	// ResyncOnReconnect refetches the newest page after a reconnect to
	// cover messages pushed while the connection was down.
	ResyncOnReconnect bool

	// HeuristicMatch pairs echoes without a correlation id to pending sends
	// by sender, type and content within MatchWindow.
	HeuristicMatch bool
	MatchWindow    time.Duration

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

func (cfg *Config) setDefaults() {
	if cfg.IDs == nil {
		cfg.IDs = NewTempIDs("")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = history.DefaultLimit
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
}

// RoomSession is the client-side view of one room.
type RoomSession struct {
	cfg       Config
	transport Transport
	fetcher   history.Fetcher
	log       zerolog.Logger
	metrics   *metrics.Metrics

	commands  chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// owned by the loop goroutine
	state      State
	epoch      uint64
	store      *chat.MessageStore
	joining    bool
	subscribed bool
	waiters    []chan error
	buffered   []chat.Message
	sends      map[string]*pendingSend
	fetches    map[uint64]context.CancelFunc
	nextFetch  uint64
	hasMore    bool
	detach     []func()

	mu        sync.RWMutex
	view      []chat.Message
	viewState State
	lastErr   error
	changes   chan struct{}
}

func New(cfg Config, tr Transport, fetcher history.Fetcher) (*RoomSession, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.SenderID == "" {
		return nil, errors.New("sender id is required")
	}
	if tr == nil || fetcher == nil {
		return nil, errors.New("transport and fetcher are required")
	}
	cfg.setDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &RoomSession{
		cfg:       cfg,
		transport: tr,
		fetcher:   fetcher,
		log:       logger.With().Str("component", "session").Str("room", cfg.RoomID).Logger(),
		metrics:   cfg.Metrics,
		commands:  make(chan func(), 64),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		fetches:   make(map[uint64]context.CancelFunc),
		changes:   make(chan struct{}, 1),
	}
	s.metrics.SessionMoved("", StateClosed.String())
	go s.run()
	return s, nil
}

func (s *RoomSession) RoomID() string { return s.cfg.RoomID }

func (s *RoomSession) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.commands:
			fn()
		case <-s.quit:
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *RoomSession) post(fn func()) bool {
	select {
	case s.commands <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *RoomSession) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.commands <- func() { result <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.quit:
		return ErrClosed
	}
}

// Join loads the newest history page, subscribes to the room and waits for
// the relay to confirm membership. A failed fetch leaves the session JOINING
// and returns a retryable HISTORY_FETCH error; calling Join again retries.
func (s *RoomSession) Join(ctx context.Context) error {
	wait := make(chan error, 1)
	var (
		start    bool
		epoch    uint64
		fetchCtx context.Context
		fetchID  uint64
	)
	err := s.call(ctx, func() error {
		switch s.state {
		case StateActive, StateReconnecting:
			wait <- nil
			return nil
		case StateClosed:
			s.open()
			s.setState(StateJoining)
			s.publish()
		}
		s.waiters = append(s.waiters, wait)
		if s.joining || s.subscribed {
			return nil
		}
		s.joining = true
		start = true
		epoch = s.epoch
		fetchCtx, fetchID = s.track(ctx)
		return nil
	})
	if err != nil {
		return err
	}

	if start {
		page, ferr := s.fetcher.Fetch(fetchCtx, s.cfg.RoomID, history.PageRequest{Limit: s.cfg.HistoryLimit})
		s.post(func() { s.joinFetched(epoch, fetchID, page, ferr) })
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

func (s *RoomSession) joinFetched(epoch, fetchID uint64, page history.Page, err error) {
	s.untrack(fetchID)
	if epoch != s.epoch || s.state != StateJoining {
		return
	}
	s.joining = false
	if err != nil {
		ferr := chat.NewHistoryFetchError(s.cfg.RoomID, err)
		s.log.Warn().Err(err).Msg("history fetch failed")
		s.setErr(ferr)
		s.release(ferr)
		s.publish()
		return
	}
	n := s.store.LoadHistory(chat.Ascending(page.Messages))
	s.pruneSends()
	s.hasMore = page.HasMore
	if err := s.transport.Subscribe(s.cfg.RoomID); err != nil {
		s.log.Warn().Err(err).Msg("subscribe failed")
		s.setErr(err)
		s.release(err)
		return
	}
	s.subscribed = true
	s.log.Debug().Int("loaded", n).Bool("has_more", page.HasMore).Msg("history loaded, joining")
	s.publish()
}

// LoadOlder fetches the page before the oldest confirmed message and merges
// it. It reports whether the relay has more pages.
func (s *RoomSession) LoadOlder(ctx context.Context) (bool, error) {
	var (
		epoch    uint64
		cursor   string
		fetchCtx context.Context
		fetchID  uint64
	)
	err := s.call(ctx, func() error {
		if s.state != StateActive && s.state != StateReconnecting {
			return ErrNotActive
		}
		cursor, _ = s.store.Oldest()
		epoch = s.epoch
		fetchCtx, fetchID = s.track(ctx)
		return nil
	})
	if err != nil {
		return false, err
	}

	page, ferr := s.fetcher.Fetch(fetchCtx, s.cfg.RoomID, history.PageRequest{Before: cursor, Limit: s.cfg.HistoryLimit})

	var more bool
	err = s.call(context.Background(), func() error {
		s.untrack(fetchID)
		if epoch != s.epoch {
			return ErrLeft
		}
		if ferr != nil {
			return chat.NewHistoryFetchError(s.cfg.RoomID, ferr)
		}
		n := s.store.LoadHistory(chat.Ascending(page.Messages))
		s.pruneSends()
		s.hasMore = page.HasMore
		more = page.HasMore
		s.log.Debug().Int("loaded", n).Str("before", cursor).Msg("older page merged")
		s.publish()
		return nil
	})
	return more, err
}

// HasMore reports whether older pages may remain, as of the last fetch.
func (s *RoomSession) HasMore() bool {
	var more bool
	_ = s.call(context.Background(), func() error {
		more = s.hasMore
		return nil
	})
	return more
}

// Leave closes the room: it unsubscribes, cancels fetches and ack timers and
// discards the feed. Sends still pending are returned as FAILED.
func (s *RoomSession) Leave(ctx context.Context) ([]chat.Message, error) {
	var failed []chat.Message
	err := s.call(ctx, func() error {
		failed = s.shutdown()
		return nil
	})
	return failed, err
}

func (s *RoomSession) shutdown() []chat.Message {
	if s.state == StateClosed {
		return nil
	}
	for id, cancel := range s.fetches {
		cancel()
		delete(s.fetches, id)
	}
	for _, ps := range s.sends {
		ps.stop()
	}
	failed := s.store.FailPending()
	for _, cancel := range s.detach {
		cancel()
	}
	s.detach = nil
	if s.subscribed {
		if err := s.transport.Unsubscribe(s.cfg.RoomID); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	s.release(ErrLeft)

	s.epoch++
	s.store = nil
	s.sends = nil
	s.buffered = nil
	s.joining = false
	s.subscribed = false
	s.hasMore = false
	s.setState(StateClosed)
	s.publish()
	s.log.Info().Int("abandoned", len(failed)).Msg("left room")
	return failed
}

// Close leaves the room if needed and stops the event loop.
func (s *RoomSession) Close() {
	s.closeOnce.Do(func() {
		_ = s.call(context.Background(), func() error {
			s.shutdown()
			s.metrics.SessionMoved(s.state.String(), "")
			return nil
		})
		close(s.quit)
		<-s.stopped
	})
}

func (s *RoomSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewState
}

// Snapshot returns the feed in canonical order as of the last change.
func (s *RoomSession) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Message, len(s.view))
	copy(out, s.view)
	return out
}

// Changes delivers a signal after state or feed changes. Signals coalesce:
// a reader that falls behind sees one pending signal, then reads Snapshot.
func (s *RoomSession) Changes() <-chan struct{} { return s.changes }

// Err returns the last non-fatal error, such as a send timeout.
func (s *RoomSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// open starts a new epoch with an empty feed and fresh transport handlers.
func (s *RoomSession) open() {
	s.epoch++
	var opts []chat.StoreOption
	if s.cfg.HeuristicMatch {
		opts = append(opts, chat.WithEchoMatching(s.cfg.MatchWindow))
	}
	s.store = chat.NewMessageStore(s.cfg.RoomID, opts...)
	s.sends = make(map[string]*pendingSend)
	s.hasMore = true
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.attach(s.epoch)
}

// attach registers transport handlers bound to epoch. Handlers run on the
// transport goroutine; they decode there and hand the result to the loop.
func (s *RoomSession) attach(epoch uint64) {
	room := s.cfg.RoomID
	on := func(event string, fn transport.Handler) {
		s.detach = append(s.detach, s.transport.On(event, fn))
	}

	on(chat.EventRoomJoined, func(ev transport.Event) {
		var ref chat.RoomRef
		if err := json.Unmarshal(ev.Data, &ref); err != nil || ref.RoomID != room {
			return
		}
		s.post(func() { s.onJoined(epoch) })
	})
	on(chat.EventNewMessage, func(ev transport.Event) {
		m, err := chat.DecodeMessage(ev.Data)
		if err != nil {
			s.log.Debug().Err(err).Msg("ignoring malformed message")
			return
		}
		if m.RoomID != room {
			return
		}
		s.post(func() { s.onIncoming(epoch, m) })
	})
	on(chat.EventMessageRejected, func(ev transport.Event) {
		var rej chat.Rejection
		if err := json.Unmarshal(ev.Data, &rej); err != nil || rej.RoomID != room {
			return
		}
		s.post(func() { s.onRejected(epoch, rej) })
	})
	on(transport.EventDisconnect, func(ev transport.Event) {
		s.post(func() { s.onDisconnect(epoch, ev.Err) })
	})
	on(transport.EventReconnectFailed, func(ev transport.Event) {
		s.post(func() {
			if epoch == s.epoch {
				s.setErr(ev.Err)
				s.publish()
			}
		})
	})
}

func (s *RoomSession) onJoined(epoch uint64) {
	if epoch != s.epoch {
		return
	}
	switch s.state {
	case StateJoining:
		if !s.subscribed {
			return
		}
		s.setState(StateActive)
		s.flushBuffered()
		s.release(nil)
		s.log.Info().Int("messages", s.store.Len()).Msg("room active")
	case StateReconnecting:
		s.setState(StateActive)
		s.flushBuffered()
		s.log.Info().Msg("room resumed")
		if s.cfg.ResyncOnReconnect {
			s.resync()
		}
	default:
		return
	}
	s.publish()
}

func (s *RoomSession) onDisconnect(epoch uint64, cause error) {
	if epoch != s.epoch || s.state != StateActive {
		return
	}
	s.setState(StateReconnecting)
	s.log.Warn().Err(cause).Msg("transport lost, waiting to rejoin")
	s.publish()
}

func (s *RoomSession) onIncoming(epoch uint64, m chat.Message) {
	if epoch != s.epoch {
		return
	}
	switch s.state {
	case StateActive:
		s.apply(m)
		s.publish()
	case StateJoining, StateReconnecting:
		s.buffered = append(s.buffered, m)
	}
}

func (s *RoomSession) flushBuffered() {
	for _, m := range s.buffered {
		s.apply(m)
	}
	s.buffered = nil
}

func (s *RoomSession) apply(m chat.Message) {
	res, err := s.store.ApplyIncoming(m)
	s.metrics.Incoming(res.Outcome.String())
	switch res.Outcome {
	case chat.OutcomeRejected:
		s.log.Warn().Err(err).Str("message_id", m.ID).Msg("incoming message rejected")
	case chat.OutcomeDuplicate:
		s.log.Debug().Str("code", string(res.Outcome.Code())).Str("message_id", m.ID).Msg("duplicate delivery absorbed")
	case chat.OutcomeReconciled:
		s.confirmed(res.TempID)
	}
}

// resync refetches the newest page; the store absorbs the overlap.
func (s *RoomSession) resync() {
	epoch := s.epoch
	ctx, fetchID := s.track(context.Background())
	go func() {
		page, err := s.fetcher.Fetch(ctx, s.cfg.RoomID, history.PageRequest{Limit: s.cfg.HistoryLimit})
		s.post(func() {
			s.untrack(fetchID)
			if epoch != s.epoch {
				return
			}
			if err != nil {
				s.log.Warn().Err(err).Msg("resync failed")
				s.setErr(chat.NewHistoryFetchError(s.cfg.RoomID, err))
				s.publish()
				return
			}
			if n := s.store.LoadHistory(chat.Ascending(page.Messages)); n > 0 {
				s.log.Info().Int("recovered", n).Msg("resync filled gap")
			}
			s.pruneSends()
			s.publish()
		})
	}()
}

// pruneSends forgets sends whose entry a history page already confirmed.
func (s *RoomSession) pruneSends() {
	for id := range s.sends {
		if _, ok := s.store.Get(id); !ok {
			s.confirmed(id)
		}
	}
}

func (s *RoomSession) track(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	s.nextFetch++
	s.fetches[s.nextFetch] = cancel
	return ctx, s.nextFetch
}

func (s *RoomSession) untrack(id uint64) {
	if cancel, ok := s.fetches[id]; ok {
		cancel()
		delete(s.fetches, id)
	}
}

// release wakes every Join waiting on the current attempt.
func (s *RoomSession) release(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (s *RoomSession) setState(next State) {
	if next == s.state {
		return
	}
	s.metrics.SessionMoved(s.state.String(), next.String())
	s.state = next
}

func (s *RoomSession) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// publish copies loop state to the read side and signals Changes.
func (s *RoomSession) publish() {
	var view []chat.Message
	if s.store != nil {
		view = s.store.Snapshot()
	}
	s.mu.Lock()
	s.view = view
	s.viewState = s.state
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
