package internal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAlreadyRegistered is returned when registering a connection twice.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrNotRegistered is returned when deregistering a connection that is not
// (or no longer) tracked. Callers treat it as a no-op, which is what makes
// concurrent disconnect triggers safe.
var ErrNotRegistered = errors.New("connection not registered")

// Conn is one live client session bound to a single room. The websocket is
// written to only by writePump, which drains the buffered send channel.
type Conn struct {
	ws        *websocket.Conn
	userID    int64
	username  string
	roomID    int64
	createdAt time.Time
	state     atomic.Int32

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

const sendQueueSize = 256

func newConn(ws *websocket.Conn, userID int64, username string, roomID int64) *Conn {
	return &Conn{
		ws:        ws,
		userID:    userID,
		username:  username,
		roomID:    roomID,
		createdAt: time.Now(),
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// enqueue hands a payload to the connection's writer. A full queue means the
// receiver is too slow to keep up and counts as a failed send.
func (c *Conn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown stops the writer and closes the transport. Safe to call from any
// number of goroutines; only the first call has an effect.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame with the given code before shutting down.
func (c *Conn) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.shutdown()
}

// Registry tracks live connections, their room membership, and per-connection
// liveness timestamps. The room→connection-set mapping is derived state and
// always equals the registered connections whose room id matches. All methods
// are safe for concurrent use by connection handlers and the liveness
// monitor.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[int64]map[*Conn]struct{}
	byConn   map[*Conn]int64
	lastLive map[*Conn]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[int64]map[*Conn]struct{}),
		byConn:   make(map[*Conn]int64),
		lastLive: make(map[*Conn]time.Time),
	}
}

// Register adds a connection to a room.
func (r *Registry) Register(c *Conn, roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[c]; exists {
		return ErrAlreadyRegistered
	}
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[*Conn]struct{})
		r.rooms[roomID] = room
	}
	room[c] = struct{}{}
	r.byConn[c] = roomID
	r.lastLive[c] = time.Now()
	return nil
}

// Deregister removes a connection and returns the room it was in. A second
// call for the same connection returns ErrNotRegistered and changes nothing.
func (r *Registry) Deregister(c *Conn) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID, exists := r.byConn[c]
	if !exists {
		return 0, ErrNotRegistered
	}
	delete(r.byConn, c)
	delete(r.lastLive, c)
	if room := r.rooms[roomID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return roomID, nil
}

// ConnectionsIn returns a snapshot of the connections currently in a room,
// safe to iterate while the registry is mutated concurrently.
func (r *Registry) ConnectionsIn(roomID int64) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(room))
	for c := range room {
		conns = append(conns, c)
	}
	return conns
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byConn))
	for c := range r.byConn {
		conns = append(conns, c)
	}
	return conns
}

// TouchLiveness records proof of life for a connection.
func (r *Registry) TouchLiveness(c *Conn, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byConn[c]; exists {
		r.lastLive[c] = at
	}
}

// StaleSince reports how long ago the connection last showed life. The bool
// is false for unregistered connections.
func (r *Registry) StaleSince(c *Conn, now time.Time) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last, exists := r.lastLive[c]
	if !exists {
		return 0, false
	}
	return now.Sub(last), true
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
