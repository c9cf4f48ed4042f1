// Package roster tracks which members are present in which room.
//
// The registry is pure bookkeeping: it performs no network I/O and holds no
// references to connections. The signaling relay consults it on join, leave
// and notification fan-out.
package roster

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrAlreadyMember is returned by Join when the member is already
	// registered in a room. A member belongs to at most one room, so this
	// indicates a caller bug rather than a user-facing condition.
	ErrAlreadyMember = errors.New("member already in a room")

	// ErrNotFound is returned by Leave when the member is not registered
	// anywhere, including on a second Leave for the same member.
	ErrNotFound = errors.New("member not found")
)

// Registry is the process-wide room membership table.
//
// Membership order is join order; the relay's discovery protocol relies on
// it to decide who offers to whom, so it must be preserved exactly.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string][]string // room id -> member ids in join order
	members map[string]string   // member id -> room id
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string][]string),
		members: make(map[string]string),
	}
}

// NormalizeRoomID canonicalizes a room identifier. Mission codes are entered
// by hand, so matching is case-insensitive.
func NormalizeRoomID(room string) string {
	return strings.ToUpper(strings.TrimSpace(room))
}

// Join appends member to room, creating the room if it does not exist yet,
// and returns the members that were present before the join (in join order,
// excluding the joining member).
func (r *Registry) Join(room, member string) ([]string, error) {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[member]; ok {
		return nil, ErrAlreadyMember
	}

	existing := append([]string(nil), r.rooms[room]...)
	r.rooms[room] = append(r.rooms[room], member)
	r.members[member] = room
	return existing, nil
}

// Leave removes member from its room and returns the room identifier. The
// room itself is deleted once its last member leaves. Calling Leave again
// for the same member returns ErrNotFound with no side effects.
func (r *Registry) Leave(member string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[member]
	if !ok {
		return "", ErrNotFound
	}
	delete(r.members, member)

	members := r.rooms[room]
	for i, m := range members {
		if m == member {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.rooms, room)
	} else {
		r.rooms[room] = members
	}
	return room, nil
}

// MembersOf returns the current membership of room in join order. A missing
// room yields an empty slice.
func (r *Registry) MembersOf(room string) []string {
	room = NormalizeRoomID(room)

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rooms[room]...)
}

// RoomOf returns the room a member is currently registered in.
func (r *Registry) RoomOf(member string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.members[member]
	return room, ok
}

// Len returns the total number of registered members across all rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
