// Package rooms tracks which identities currently subscribe to which
// conversation rooms. Delivery reaches every live session of a member.
package rooms

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrEmptyIdentity = errors.New("identity cannot be empty")
	ErrEmptyRoom     = errors.New("room id cannot be empty")
)

// Membership is a concurrent two-way index between rooms and identities.
// Empty rooms are removed as soon as their last member leaves.
type Membership struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // roomID -> set of userIDs
	byMember map[string]map[string]struct{} // userID -> set of roomIDs
}

// NewMembership creates an empty membership index.
func NewMembership() *Membership {
	return &Membership{
		rooms:    make(map[string]map[string]struct{}),
		byMember: make(map[string]map[string]struct{}),
	}
}

// Join adds userID to room. Joining a room twice is a no-op.
func (m *Membership) Join(room, userID string) error {
	if userID == "" {
		return ErrEmptyIdentity
	}
	if room == "" {
		return ErrEmptyRoom
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[userID] = struct{}{}

	joined := m.byMember[userID]
	if joined == nil {
		joined = make(map[string]struct{})
		m.byMember[userID] = joined
	}
	joined[room] = struct{}{}
	return nil
}

// Leave removes userID from room. Leaving a room userID is not in is a no-op.
func (m *Membership) Leave(room, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(room, userID)
}

func (m *Membership) leaveLocked(room, userID string) {
	if members, ok := m.rooms[room]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
	if joined, ok := m.byMember[userID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.byMember, userID)
		}
	}
}

// LeaveAll removes userID from every room it joined and returns those rooms.
func (m *Membership) LeaveAll(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := keys(m.byMember[userID])
	for _, room := range left {
		m.leaveLocked(room, userID)
	}
	return left
}

// MembersOf returns the sorted identities in room.
func (m *Membership) MembersOf(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.rooms[room])
}

// IsMember reports whether userID has joined room.
func (m *Membership) IsMember(room, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[room][userID]
	return ok
}

// RoomsOf returns the sorted rooms userID has joined.
func (m *Membership) RoomsOf(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.byMember[userID])
}

// Stats returns membership counters for monitoring endpoints.
func (m *Membership) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"active_rooms":   len(m.rooms),
		"joined_members": len(m.byMember),
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
