// Package broadcast fans payloads out to live clients grouped in rooms.
package broadcast

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// DefaultBuffer is the number of undelivered messages a client may hold.
const DefaultBuffer = 64

// Hub tracks clients per room. Broadcast never blocks: a client whose buffer is
// full misses the message.
type Hub struct {
	logger *xlog.Logger
	buffer int

	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	closed bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub(logger *xlog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = xlog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger: logger.With(xlog.Str("component", "broadcast")),
		buffer: buffer,
		rooms:  make(map[string]map[*Client]struct{}),
	}
}

// Client is one live connection in a room.
type Client struct {
	hub  *Hub
	room string
	ch   chan []byte
	once sync.Once
}

// Messages yields JSON payloads; it is closed when the client leaves or the hub closes.
func (c *Client) Messages() <-chan []byte { return c.ch }

func (c *Client) Room() string { return c.room }

// Leave removes the client from its room.
func (c *Client) Leave() {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.once.Do(func() { close(c.ch) })
}

// Join adds a client to room.
func (h *Hub) Join(room string) *Client {
	c := &Client{hub: h, room: room, ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		c.once.Do(func() { close(c.ch) })
		return c
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	return c
}

// Broadcast sends payload as JSON to every client in roomID.
func (h *Hub) Broadcast(roomID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("broadcast payload not encodable")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[roomID] {
		select {
		case c.ch <- data:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Debug().Str("room", roomID).Msg("slow client skipped")
		}
	}
}

// Count returns the number of clients in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Stats returns delivered and dropped message counts.
func (h *Hub) Stats() (sent, dropped uint64) { return h.sent.Load(), h.dropped.Load() }

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, members := range h.rooms {
		for c := range members {
			h.removeLocked(c)
		}
	}
}
