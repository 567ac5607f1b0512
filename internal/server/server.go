// Package server is the relay: it accepts websocket clients, fans messages
// out per room, appends them to a storage.Log and serves history over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatsync/internal/chat"
	"chatsync/internal/metrics"
	"chatsync/internal/storage"
)

const (
	DefaultPath       = "/join"
	defaultRateLimit  = 5
	defaultRateWindow = 3 * time.Second
)

type Config struct {
	// Path is the websocket endpoint.
	Path           string
	AllowedOrigins []string

	// RateLimit sends per RateWindow are allowed for each sender.
	RateLimit  int
	RateWindow time.Duration

	Version string
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	cfg      Config
	hub      *Hub
	store    storage.Log
	limiter  *RateLimiter
	presence *Presence
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

func New(cfg Config, store storage.Log) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = defaultRateWindow
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "relay").Logger()

	s := &Server{
		cfg:      cfg,
		hub:      NewHub(logger),
		store:    store,
		limiter:  NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		presence: NewPresence(),
		metrics:  cfg.Metrics,
		log:      logger,
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Get(s.cfg.Path, s.ServeWS)
	r.Get("/rooms/{roomID}/messages", s.handleHistory)
	r.Get("/exists", s.handleRoomExists)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

// Close stops every room loop. Open connections are closed by the HTTP
// server shutdown.
func (s *Server) Close() {
	s.hub.shutdown()
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// checkOrigin accepts clients without an Origin header (terminals) and
// browsers from an allowed origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins() {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and serves the connection. The sender's
// display name comes from the "user" query parameter.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sender := SanitizeName(r.URL.Query().Get("user"))
	if sender == "" {
		http.Error(w, "missing user query param", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConn(s, ws, sender)
	s.metrics.IncConn()
	s.presence.Increment(sender)
	s.metrics.SetOnline(s.presence.ActiveCount())
	c.log.Info().Str("remote_addr", r.RemoteAddr).Msg("client connected")

	go c.writePump()
	go c.readPump()
}

func (s *Server) disconnected(c *conn) {
	s.metrics.DecConn()
	if s.presence.Decrement(c.sender) == 0 {
		s.limiter.Forget(c.sender)
	}
	s.metrics.SetOnline(s.presence.ActiveCount())
	c.log.Info().Msg("client disconnected")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if !validRoomID(roomID) {
		writeError(w, http.StatusBadRequest, errors.New("invalid room id"))
		return
	}
	limit := storage.DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := s.store.List(r.Context(), roomID, r.URL.Query().Get("before"), limit)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("unknown before cursor"))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, errors.New("history unavailable"))
		return
	}
	out := make([]chat.WireMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chat.ToWire(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRoomExists(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	exists := s.hub.Live(roomID)
	if !exists {
		var err error
		if exists, err = s.store.Exists(r.Context(), roomID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if exists {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Rooms   int    `json:"rooms"`
	Online  int    `json:"online"`
	Store   string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{
		Status:  "ok",
		Version: s.cfg.Version,
		Rooms:   s.hub.Rooms(),
		Online:  s.presence.ActiveCount(),
		Store:   "pass",
	}
	status := http.StatusOK
	if _, err := s.store.Exists(ctx, "healthz"); err != nil {
		resp.Status = "degraded"
		resp.Store = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
