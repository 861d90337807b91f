package chatcache

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the per-room replay buffer when no size is configured.
const DefaultCapacity = 50

// Message is the cached form of a room message. The cache is a read
// optimisation for the "last N messages on join" path; the persistent store
// remains the source of truth, so an evicted message is never a lost message.
type Message struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	AuthorID  string         `json:"author_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type ring struct {
	buf  []Message
	head int // index of the oldest element
	size int
}

func (r *ring) append(msg Message) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = msg
		r.size++
		return
	}
	// full: overwrite the oldest slot
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) recent(limit int) []Message {
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Message, 0, limit)
	// oldest-first, starting so that exactly the last `limit` entries are kept
	start := r.size - limit
	for i := start; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Cache holds a bounded ring of recent messages per room.
type Cache struct {
	mu       sync.RWMutex
	rooms    map[string]*ring
	capacity int
}

// New constructs a message cache with the supplied per-room capacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		rooms:    make(map[string]*ring),
		capacity: capacity,
	}
}

// Append pushes a message onto the room's buffer, evicting the oldest entry
// once the buffer is full.
func (c *Cache) Append(roomID string, msg Message) {
	if roomID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[roomID]
	if !ok {
		r = &ring{buf: make([]Message, c.capacity)}
		c.rooms[roomID] = r
	}
	r.append(msg)
}

// Recent returns up to limit of the newest messages for the room,
// oldest-first, ready for replay to a newly joined connection.
func (c *Cache) Recent(roomID string, limit int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	return r.recent(limit)
}

// Drop discards a room's buffer, e.g. when the room is deleted.
func (c *Cache) Drop(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}
