package internal

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Router fans payloads out to the connections of a room. Fan-out for a room
// is serialized by a per-room mutex, so broadcasts issued by the same event
// reach every recipient in issuance order. A failed send (slow reader, dead
// socket) evicts only that recipient and never aborts delivery to the rest.
type Router struct {
	registry *Registry
	metrics  *Metrics

	mu        sync.Mutex
	roomLocks map[int64]*sync.Mutex
}

func NewRouter(registry *Registry, metrics *Metrics) *Router {
	return &Router{
		registry:  registry,
		metrics:   metrics,
		roomLocks: make(map[int64]*sync.Mutex),
	}
}

func (rt *Router) roomLock(roomID int64) *sync.Mutex {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	lock := rt.roomLocks[roomID]
	if lock == nil {
		lock = &sync.Mutex{}
		rt.roomLocks[roomID] = lock
	}
	return lock
}

// Broadcast delivers payload to every connection currently in the room,
// skipping exclude when non-nil.
func (rt *Router) Broadcast(roomID int64, payload any, exclude *Conn) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}
	lock := rt.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	for _, c := range rt.registry.ConnectionsIn(roomID) {
		if c == exclude {
			continue
		}
		if !c.enqueue(encoded) {
			rt.drop(c)
		}
	}
	rt.metrics.IncBroadcast()
}

// SendTo delivers payload to a single connection; a failed send evicts it.
func (rt *Router) SendTo(c *Conn, payload any) bool {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("send marshal error: %v", err)
		return false
	}
	if !c.enqueue(encoded) {
		rt.drop(c)
		return false
	}
	return true
}

// drop removes a connection after a failed delivery. Deregistration is
// idempotent, so racing with the read loop's own cleanup is harmless.
func (rt *Router) drop(c *Conn) {
	if _, err := rt.registry.Deregister(c); err == nil {
		rt.metrics.DecConn()
		log.Printf("dropped unresponsive connection for %s", c.username)
	}
	c.shutdown()
}

// writePump drains the connection's send queue onto the websocket. It owns
// all writes to the transport except close/ping control frames.
func (rt *Router) writePump(c *Conn) {
	defer c.shutdown()
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				rt.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}
