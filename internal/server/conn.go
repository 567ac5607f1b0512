package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"chatsync/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 16 << 10
	sendBuffer = 256
	maxRooms   = 64
)

// Rejection reasons sent back in message-rejected.
const (
	reasonNotMember   = "not a member of the room"
	reasonRateLimited = "sending too quickly, wait a moment"
	reasonInvalidType = "unknown message type"
	reasonEmpty       = "message is empty"
	reasonStore       = "message could not be stored"
)

// conn wraps one websocket connection. rooms is owned by readPump.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	send   chan []byte
	sender string
	rooms  map[string]*room
	log    zerolog.Logger

	kickOnce sync.Once
}

func newConn(srv *Server, ws *websocket.Conn, sender string) *conn {
	return &conn{
		srv:    srv,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		sender: sender,
		rooms:  make(map[string]*room),
		log:    srv.log.With().Str("sender", sender).Logger(),
	}
}

// offer queues frame without blocking and reports whether it fit.
func (c *conn) offer(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueue queues a frame for this connection only and drops the connection
// if its buffer is full.
func (c *conn) enqueue(frame []byte) {
	if frame != nil && !c.offer(frame) {
		c.kick()
	}
}

// kick closes the socket; readPump then fails and cleans up.
func (c *conn) kick() {
	c.kickOnce.Do(func() {
		_ = c.ws.Close()
	})
}

func (c *conn) joinedFrame(roomID string) []byte {
	frame, _ := chat.Encode(chat.EventRoomJoined, chat.RoomRef{RoomID: roomID})
	return frame
}

func (c *conn) reject(roomID, correlationID, reason string) {
	frame, err := chat.Encode(chat.EventMessageRejected, chat.Rejection{
		RoomID:        roomID,
		CorrelationID: correlationID,
		Reason:        reason,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *conn) readPump() {
	defer func() {
		for id, r := range c.rooms {
			c.srv.hub.leave(r, c)
			delete(c.rooms, id)
		}
		close(c.send)
		c.srv.disconnected(c)
	}()
	c.ws.SetReadLimit(maxMsgSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		env, err := chat.Decode(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handle(env)
	}
}

func (c *conn) handle(env chat.Envelope) {
	switch env.Event {
	case chat.EventJoinRoom:
		var ref chat.RoomRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || !validRoomID(ref.RoomID) {
			c.log.Warn().Str("event", env.Event).Msg("invalid room reference")
			return
		}
		c.join(ref.RoomID)
	case chat.EventLeaveRoom:
		var ref chat.RoomRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return
		}
		c.leave(ref.RoomID)
	case chat.EventSendMessage:
		var req chat.SendRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.log.Warn().Err(err).Msg("invalid send-message payload")
			return
		}
		c.handleSend(req)
	default:
		c.log.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

func (c *conn) join(roomID string) {
	if r, ok := c.rooms[roomID]; ok {
		// already a member; repeat the ack so a resubscribe completes
		if r.has(c) {
			c.enqueue(c.joinedFrame(roomID))
			return
		}
		delete(c.rooms, roomID)
	}
	if len(c.rooms) >= maxRooms {
		c.log.Warn().Str("room", roomID).Int("limit", maxRooms).Msg("room limit reached")
		return
	}
	c.rooms[roomID] = c.srv.hub.join(roomID, c)
	c.log.Debug().Str("room", roomID).Msg("joined")
}

func (c *conn) leave(roomID string) {
	r, ok := c.rooms[roomID]
	if !ok {
		return
	}
	delete(c.rooms, roomID)
	c.srv.hub.leave(r, c)
	c.log.Debug().Str("room", roomID).Msg("left")
}

func (c *conn) handleSend(req chat.SendRequest) {
	r, ok := c.rooms[req.RoomID]
	if !ok || !r.has(c) {
		c.reject(req.RoomID, req.CorrelationID, reasonNotMember)
		return
	}
	typ, err := chat.ParseMessageType(req.MessageType)
	if err != nil {
		c.reject(req.RoomID, req.CorrelationID, reasonInvalidType)
		return
	}
	if !c.srv.limiter.Allow(c.sender) {
		c.srv.metrics.RateLimited()
		c.reject(req.RoomID, req.CorrelationID, reasonRateLimited)
		return
	}
	content := strings.TrimSpace(req.Content)
	if typ == chat.TypeText {
		content = sanitizeText(content)
	} else {
		content = truncateRunes(content, maxContentLen)
	}
	if content == "" {
		c.reject(req.RoomID, req.CorrelationID, reasonEmpty)
		return
	}

	msg := chat.Message{
		ID:            ulid.Make().String(),
		RoomID:        req.RoomID,
		SenderID:      c.sender,
		Content:       content,
		Type:          typ,
		CorrelationID: req.CorrelationID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	r.appendMu.Lock()
	defer r.appendMu.Unlock()
	msg.SentAt = c.srv.now().UTC()
	stored, created, err := c.srv.store.Append(ctx, msg)
	if err != nil {
		c.log.Error().Err(err).Str("room", req.RoomID).Msg("append failed")
		c.reject(req.RoomID, req.CorrelationID, reasonStore)
		return
	}
	frame, err := chat.Encode(chat.EventNewMessage, chat.ToWire(stored))
	if err != nil {
		return
	}
	if !created {
		// a retry of a stored send: answer the sender, nobody else
		c.log.Debug().Str("room", req.RoomID).Str("message_id", stored.ID).Msg("duplicate send redelivered")
		c.enqueue(frame)
		return
	}
	c.srv.metrics.Stored()
	r.publish(frame)
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.kick()
				for range c.send {
				}
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kick()
				for range c.send {
				}
				return
			}
		}
	}
}
