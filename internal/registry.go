package internal

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotRegistered = errors.New("connection not registered")
	ErrDuplicateID   = errors.New("connection id already registered")
)

// Registry maps rooms to member connections and connections to their rooms.
// One lock covers both maps so a broadcast never sees a half-applied join.
type Registry struct {
	lock        sync.RWMutex
	connections map[string]*Connection
	rooms       map[string]map[string]*Connection
	memberships map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Register adds c. Registering c again is a no-op; another connection
// holding the same id is refused.
func (r *Registry) Register(c *Connection) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if held, ok := r.connections[c.ID]; ok {
		if held != c {
			return ErrDuplicateID
		}

		return nil
	}

	r.connections[c.ID] = c
	r.memberships[c.ID] = make(map[string]struct{})
	return nil
}

// Join adds c to roomID, creating the room if needed. Joining twice is a no-op.
func (r *Registry) Join(c *Connection, roomID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	rooms, ok := r.memberships[c.ID]
	if !ok || r.connections[c.ID] != c {
		return ErrNotRegistered
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*Connection)
		r.rooms[roomID] = members
	}

	members[c.ID] = c
	rooms[roomID] = struct{}{}

	return nil
}

// Leave removes a single membership. It reports whether c was in the room.
func (r *Registry) Leave(c *Connection, roomID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	rooms, ok := r.memberships[c.ID]
	if !ok {
		return false
	}

	if _, ok := rooms[roomID]; !ok {
		return false
	}

	delete(rooms, roomID)
	r.removeMember(roomID, c.ID)

	return true
}

// LeaveAll drops c from every room and forgets it. It returns the rooms c was in.
func (r *Registry) LeaveAll(c *Connection) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.connections[c.ID] != c {
		return nil
	}

	rooms := r.memberships[c.ID]
	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		r.removeMember(roomID, c.ID)
		left = append(left, roomID)
	}

	delete(r.memberships, c.ID)
	delete(r.connections, c.ID)

	sort.Strings(left)
	return left
}

func (r *Registry) removeMember(roomID, id string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}

	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// MembersOf returns a snapshot of the room. Absent and empty rooms both yield nil.
func (r *Registry) MembersOf(roomID string) []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()

	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}

	snapshot := make([]*Connection, 0, len(members))
	for _, c := range members {
		snapshot = append(snapshot, c)
	}

	return snapshot
}

func (r *Registry) IsMember(c *Connection, roomID string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.rooms[roomID][c.ID]
	return ok
}

// Rooms lists the rooms c belongs to, sorted.
func (r *Registry) Rooms(c *Connection) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	rooms := make([]string, 0, len(r.memberships[c.ID]))
	for roomID := range r.memberships[c.ID] {
		rooms = append(rooms, roomID)
	}

	sort.Strings(rooms)
	return rooms
}

func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	c, ok := r.connections[id]
	return c, ok
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.connections)
}

func (r *Registry) RoomCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.rooms)
}
