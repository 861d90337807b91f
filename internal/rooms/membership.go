package rooms

import (
	"sync"

	"github.com/samber/lo"
)

// ChangeFunc is invoked after a mutation that altered a room's user set,
// outside the table's lock. The broadcast coordinator subscribes to it so
// bookkeeping stays decoupled from transport fan-out.
type ChangeFunc func(roomID string, occupancy int)

// Membership records which users occupy which rooms. Occupancy is a set of
// user ids, but each user carries a nested set of connection ids so that a
// user leaving on one tab while another tab stays subscribed does not drop
// them from the room. Counts are always recomputed from the table, never
// maintained incrementally.
type Membership struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]map[string]struct{} // roomID -> userID -> connID set
	onChange ChangeFunc
}

// NewMembership constructs an empty membership table.
func NewMembership() *Membership {
	return &Membership{
		rooms: make(map[string]map[string]map[string]struct{}),
	}
}

// OnChange registers the callback fired after user-set mutations. Must be
// called before the table is shared across goroutines.
func (m *Membership) OnChange(fn ChangeFunc) {
	m.onChange = fn
}

// Join records a connection of a user in a room. It reports whether the user
// was newly added to the room's user set; re-joins on the same or additional
// connections leave the set unchanged.
func (m *Membership) Join(roomID, userID, connID string) bool {
	if roomID == "" || userID == "" || connID == "" {
		return false
	}

	m.mu.Lock()
	users, ok := m.rooms[roomID]
	if !ok {
		users = make(map[string]map[string]struct{})
		m.rooms[roomID] = users
	}
	conns, present := users[userID]
	if !present {
		conns = make(map[string]struct{})
		users[userID] = conns
	}
	conns[connID] = struct{}{}
	occupancy := len(users)
	m.mu.Unlock()

	if !present && m.onChange != nil {
		m.onChange(roomID, occupancy)
	}
	return !present
}

// Leave removes one connection of a user from a room. The user leaves the
// room's user set only when this was their last subscribed connection.
// Reports whether the user set changed; redundant leaves are no-ops.
func (m *Membership) Leave(roomID, userID, connID string) bool {
	if roomID == "" || userID == "" || connID == "" {
		return false
	}

	m.mu.Lock()
	users, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	conns, present := users[userID]
	if !present {
		m.mu.Unlock()
		return false
	}
	delete(conns, connID)

	removed := len(conns) == 0
	if removed {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.rooms, roomID)
		}
	}
	occupancy := len(users)
	m.mu.Unlock()

	if removed && m.onChange != nil {
		m.onChange(roomID, occupancy)
	}
	return removed
}

// Occupancy recomputes the number of distinct users in a room.
func (m *Membership) Occupancy(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

// Users returns the ids of every user currently in the room.
func (m *Membership) Users(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.rooms[roomID])
}

// Rooms returns the ids of every occupied room.
func (m *Membership) Rooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.rooms)
}

// UserConnections returns the connection ids a user has subscribed to a room;
// empty when the user is not in the room.
func (m *Membership) UserConnections(roomID, userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	return lo.Keys(users[userID])
}
