// Package transport keeps one websocket to the relay alive for any number of
// rooms: it reconnects with backoff, replays room subscriptions in the order
// they were made, and buffers outbound frames per room while offline.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatsync/internal/chat"
	"chatsync/internal/metrics"
)

// Pseudo events reporting the connection lifecycle.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventReconnectFailed = "reconnect-failed"
)

const (
	defaultOutboxLimit = 32
	defaultSendBuffer  = 256
	defaultWriteWait   = 10 * time.Second
	defaultPongWait    = 60 * time.Second
	defaultMaxFrame    = 64 << 10
)

var (
	ErrClosed  = errors.New("transport closed")
	ErrGaveUp  = errors.New("transport gave up reconnecting")
	errNoRoute = errors.New("room id is required")
)

// Event is one inbound frame or lifecycle notification.
type Event struct {
	Name string
	Data json.RawMessage

	// Err is the cause of a disconnect or reconnect-failed event.
	Err error
}

type Handler func(Event)

type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	Backoff Backoff

	// OutboxLimit bounds the frames queued per room while disconnected.
	OutboxLimit int
	// SendBuffer bounds the frames queued for the live connection.
	SendBuffer int

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64

	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

func (cfg *Config) setDefaults() {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = defaultOutboxLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = (cfg.PongWait * 9) / 10
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrame
	}
}

type registration struct {
	id uint64
	fn Handler
}

// Client multiplexes room subscriptions over one websocket connection.
//
// Handlers registered with On run on the supervisor goroutine, one at a
// time, in delivery order.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	send     chan []byte // nil while disconnected
	up       chan struct{}
	subs     []string
	outbox   map[string][][]byte
	queued   []string // rooms in the order their outbox was first used
	handlers map[string][]registration
	nextID   uint64
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error
}

func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		cfg:      cfg,
		log:      logger.With().Str("component", "transport").Logger(),
		metrics:  cfg.Metrics,
		up:       make(chan struct{}),
		outbox:   make(map[string][][]byte),
		handlers: make(map[string][]registration),
	}
}

// Connect starts the connection supervisor if it is not running and waits
// until a connection is up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.running {
		runCtx, cancel := context.WithCancel(context.Background())
		c.running = true
		c.cancel = cancel
		c.done = make(chan struct{})
		c.lastErr = nil
		go c.supervise(runCtx, c.done)
	}
	up, done := c.up, c.done
	c.mu.Unlock()

	select {
	case <-up:
		return nil
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrGaveUp, c.lastErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting. It is safe to call
// more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done, running := c.cancel, c.done, c.running
	c.mu.Unlock()

	if running {
		cancel()
		<-done
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Subscribe remembers roomID and joins it now if connected, or on the next
// connection otherwise.
func (c *Client) Subscribe(roomID string) error {
	if roomID == "" {
		return errNoRoute
	}
	frame, err := chat.Encode(chat.EventJoinRoom, chat.RoomRef{RoomID: roomID})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if slices.Contains(c.subs, roomID) {
		return nil
	}
	c.subs = append(c.subs, roomID)
	if c.send != nil && !c.enqueueLocked(roomID, frame) {
		return chat.NewBackpressureError(roomID, c.cfg.SendBuffer)
	}
	return nil
}

// Unsubscribe forgets roomID, drops its queued frames and leaves it if connected.
func (c *Client) Unsubscribe(roomID string) error {
	frame, err := chat.Encode(chat.EventLeaveRoom, chat.RoomRef{RoomID: roomID})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := slices.Index(c.subs, roomID)
	if idx < 0 {
		return nil
	}
	c.subs = slices.Delete(c.subs, idx, idx+1)
	if n := len(c.outbox[roomID]); n > 0 {
		c.metrics.OutboxDelta(-n)
	}
	delete(c.outbox, roomID)
	if i := slices.Index(c.queued, roomID); i >= 0 {
		c.queued = slices.Delete(c.queued, i, i+1)
	}
	if c.send != nil {
		c.enqueueLocked(roomID, frame)
	}
	return nil
}

// Emit sends event for roomID. While disconnected the frame waits in the
// room's outbox; a full outbox fails fast with a BACKPRESSURE error.
func (c *Client) Emit(roomID, event string, payload any) error {
	if roomID == "" {
		return errNoRoute
	}
	frame, err := chat.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.send != nil {
		if !c.enqueueLocked(roomID, frame) {
			return chat.NewBackpressureError(roomID, c.cfg.SendBuffer)
		}
		return nil
	}
	q := c.outbox[roomID]
	if len(q) >= c.cfg.OutboxLimit {
		return chat.NewBackpressureError(roomID, c.cfg.OutboxLimit)
	}
	if len(q) == 0 && !slices.Contains(c.queued, roomID) {
		c.queued = append(c.queued, roomID)
	}
	c.outbox[roomID] = append(q, frame)
	c.metrics.OutboxDelta(1)
	return nil
}

// On registers handler for event and returns a func removing it.
func (c *Client) On(event string, handler Handler) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], registration{id: id, fn: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.handlers[event] = slices.DeleteFunc(c.handlers[event], func(r registration) bool {
				return r.id == id
			})
		})
	}
}

func (c *Client) enqueueLocked(roomID string, frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn().Str("room", roomID).Msg("send buffer full, frame refused")
		return false
	}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	regs := slices.Clone(c.handlers[ev.Name])
	c.mu.Unlock()
	for _, r := range regs {
		r.fn(ev)
	}
}

// supervise owns the dial/serve/backoff cycle until ctx ends or the attempt
// budget runs out.
func (c *Client) supervise(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	attempt := 0
	everConnected := false
	for {
		conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			if limit := c.cfg.Backoff.MaxAttempts; limit > 0 && attempt >= limit {
				c.log.Error().Err(err).Int("attempt", attempt).Msg("giving up reconnecting")
				c.dispatch(Event{Name: EventReconnectFailed, Err: fmt.Errorf("%w: %w", ErrGaveUp, err)})
				return
			}
			delay := c.cfg.Backoff.Delay(attempt - 1)
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("dial failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		if everConnected {
			c.metrics.Reconnected()
		}
		everConnected = true
		attempt = 0
		cause := c.serve(ctx, conn)
		c.dispatch(Event{Name: EventDisconnect, Err: chat.NewDisconnectError(cause)})
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(cause).Msg("connection lost")
		if !sleep(ctx, c.cfg.Backoff.Delay(0)) {
			return
		}
	}
}

// serve runs one connection: it replays subscriptions and outboxes, then
// dispatches inbound frames until the connection fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	pending := len(c.subs)
	for _, q := range c.outbox {
		pending += len(q)
	}
	send := make(chan []byte, c.cfg.SendBuffer+pending)
	for _, room := range c.subs {
		frame, err := chat.Encode(chat.EventJoinRoom, chat.RoomRef{RoomID: room})
		if err == nil {
			send <- frame
		}
	}
	flushed := 0
	for _, room := range c.queued {
		for _, frame := range c.outbox[room] {
			send <- frame
			flushed++
		}
	}
	c.outbox = make(map[string][][]byte)
	c.queued = nil
	c.send = send
	close(c.up)
	c.mu.Unlock()
	c.metrics.OutboxDelta(-flushed)

	c.log.Info().Str("url", c.cfg.URL).Int("flushed", flushed).Msg("connected")

	frames := make(chan []byte, 64)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go c.readPump(conn, frames, readErr, stop)
	go c.writePump(conn, send, writerDone)

	c.dispatch(Event{Name: EventConnect})

	var cause error
loop:
	for {
		select {
		case frame := <-frames:
			env, err := chat.Decode(frame)
			if err != nil {
				c.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			c.dispatch(Event{Name: env.Event, Data: env.Data})
		case cause = <-readErr:
			break loop
		case <-ctx.Done():
			cause = ctx.Err()
			break loop
		}
	}

	c.mu.Lock()
	c.send = nil
	c.up = make(chan struct{})
	c.mu.Unlock()
	close(stop)
	close(send)
	<-writerDone
	_ = conn.Close()
	return cause
}

func (c *Client) readPump(conn *websocket.Conn, frames chan<- []byte, readErr chan<- error, stop <-chan struct{}) {
	conn.SetReadLimit(c.cfg.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case frames <- payload:
		case <-stop:
			return
		}
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		close(done)
	}()
	for {
		select {
		case frame, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = conn.Close()
				drain(send)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(send)
				return
			}
		}
	}
}

// drain consumes send until it is closed so the owner can close it safely.
func drain(send <-chan []byte) {
	for range send {
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
