package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub keeps the live rooms by id and creates or removes them as members
// come and go.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]*room
	log   zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{rooms: make(map[string]*room), log: logger}
}

// Live reports whether roomID currently has a running room.
func (hub *Hub) Live(roomID string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[roomID]
	return ok
}

// Rooms returns the number of live rooms.
func (hub *Hub) Rooms() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms)
}

// join adds c to roomID, creating the room if needed. Holding the hub lock
// keeps a concurrent deleteRoomIfEmpty from closing the room under us.
func (hub *Hub) join(roomID string, c *conn) *room {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	r, exists := hub.rooms[roomID]
	if !exists {
		r = newRoom(roomID)
		hub.rooms[roomID] = r
		go r.run()
		hub.log.Debug().Str("room", roomID).Msg("room opened")
	}
	r.add(c)
	return r
}

// leave removes c from r and closes r once nobody is left.
func (hub *Hub) leave(r *room, c *conn) {
	r.remove(c)
	hub.deleteRoomIfEmpty(r.id)
}

func (hub *Hub) deleteRoomIfEmpty(roomID string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	r, exists := hub.rooms[roomID]
	if !exists || r.size() > 0 {
		return
	}
	delete(hub.rooms, roomID)
	close(r.quit)
	hub.log.Debug().Str("room", roomID).Msg("room closed")
}

// shutdown stops every room loop.
func (hub *Hub) shutdown() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for id, r := range hub.rooms {
		close(r.quit)
		delete(hub.rooms, id)
	}
}

// room fans frames out to its members. Membership changes take the room
// mutex that run holds while broadcasting, so a member added before a frame
// is broadcast always receives it, after its room-joined ack.
type room struct {
	id        string
	members   map[*conn]bool
	broadcast chan []byte
	quit      chan struct{}
	mutex     sync.RWMutex

	// appendMu keeps storage order and broadcast order the same.
	appendMu sync.Mutex
}

func newRoom(id string) *room {
	return &room{
		id:        id,
		members:   make(map[*conn]bool),
		broadcast: make(chan []byte, 256),
		quit:      make(chan struct{}),
	}
}

func (r *room) size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.members)
}

func (r *room) has(c *conn) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.members[c]
}

func (r *room) add(c *conn) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.members[c] = true
	c.enqueue(c.joinedFrame(r.id))
}

func (r *room) remove(c *conn) {
	r.mutex.Lock()
	delete(r.members, c)
	r.mutex.Unlock()
}

func (r *room) run() {
	for {
		select {
		case frame := <-r.broadcast:
			r.mutex.Lock()
			for c := range r.members {
				if !c.offer(frame) {
					// too slow to read; drop it rather than stall the room
					delete(r.members, c)
					c.kick()
				}
			}
			r.mutex.Unlock()
		case <-r.quit:
			return
		}
	}
}

func (r *room) publish(frame []byte) {
	select {
	case r.broadcast <- frame:
	case <-r.quit:
	}
}
