package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"

	"chatsync/internal/history"
	"chatsync/internal/metrics"
	"chatsync/internal/server"
	"chatsync/internal/session"
	"chatsync/internal/transport"
	"chatsync/internal/tui"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	base, err := history.BaseFromSocketURL(cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("server URL: %w", err)
	}
	fetcher := history.NewHTTPFetcher(base, nil)
	c := &Client{cfg: cfg, fetcher: fetcher, ids: session.NewTempIDs(""), metrics: metrics.New()}

	return tui.Run(tui.Options{
		ServerURL: cfg.ServerURL,
		Username:  cfg.Username,
		RoomID:    cfg.RoomKey,
		Dial:      c.Dial,
		Exists:    fetcher.Exists,
	})
}

// Client dials rooms for the TUI. Rooms opened under one display name share
// a transport; the name travels in the socket URL.
type Client struct {
	cfg     ClientConfig
	fetcher history.Fetcher
	ids     *session.TempIDs
	metrics *metrics.Metrics

	mu    sync.Mutex
	links map[string]*link
}

// link is one transport and the rooms currently routed over it.
type link struct {
	transport *transport.Client
	rooms     map[string]bool
}

func (c *Client) Dial(ctx context.Context, username, roomID string) (tui.Room, error) {
	// echoes carry the relay's spelling of the sender
	username = server.SanitizeName(username)
	if username == "" {
		return nil, errors.New("display name is empty after cleanup")
	}
	l, err := c.acquire(ctx, username, roomID)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("room", roomID).Logger()
	s, err := session.New(session.Config{
		RoomID:            roomID,
		SenderID:          username,
		IDs:               c.ids,
		AckTimeout:        c.cfg.AckTimeout,
		ResyncOnReconnect: c.cfg.ResyncOnReconnect,
		HeuristicMatch:    c.cfg.HeuristicMatch,
		Logger:            &logger,
		Metrics:           c.metrics,
	}, l.transport, c.fetcher)
	if err != nil {
		c.release(username, roomID, l)
		return nil, err
	}
	return &clientRoom{RoomSession: s, release: func() { c.release(username, roomID, l) }}, nil
}

// acquire returns the shared link for username. A room already routed over
// it gets a private link so closing a stale session cannot unsubscribe a
// live one.
func (c *Client) acquire(ctx context.Context, username, roomID string) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links == nil {
		c.links = make(map[string]*link)
	}
	if l := c.links[username]; l != nil && !l.rooms[roomID] {
		l.rooms[roomID] = true
		return l, nil
	}

	socketURL, err := withUser(c.cfg.ServerURL, username)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("user", username).Logger()
	tc := transport.NewClient(transport.Config{
		URL:         socketURL,
		OutboxLimit: c.cfg.Outbox,
		Logger:      &logger,
		Metrics:     c.metrics,
	})
	if err := tc.Connect(ctx); err != nil {
		tc.Disconnect()
		return nil, fmt.Errorf("connect: %w", err)
	}
	l := &link{transport: tc, rooms: map[string]bool{roomID: true}}
	if c.links[username] == nil {
		c.links[username] = l
	}
	return l, nil
}

// release drops roomID from l and disconnects l once no room uses it.
func (c *Client) release(username, roomID string, l *link) {
	c.mu.Lock()
	delete(l.rooms, roomID)
	idle := len(l.rooms) == 0
	if idle && c.links[username] == l {
		delete(c.links, username)
	}
	c.mu.Unlock()
	if idle {
		l.transport.Disconnect()
	}
}

// clientRoom ties a session to its share of a transport.
type clientRoom struct {
	*session.RoomSession
	release func()
	once    sync.Once
}

func (r *clientRoom) Close() {
	r.once.Do(func() {
		r.RoomSession.Close()
		r.release()
	})
}

func withUser(socketURL, username string) (string, error) {
	parsed, err := url.Parse(socketURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	q := parsed.Query()
	q.Set("user", username)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
