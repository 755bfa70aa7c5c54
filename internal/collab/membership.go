package collab

import (
	"sort"
	"sync"
)

// Membership maps boards to their connections and connections to their boards.
type Membership struct {
	mu     sync.RWMutex
	boards map[BoardID]map[ConnectionID]struct{}
	byConn map[ConnectionID]map[BoardID]struct{}
}

// NewMembership returns an empty membership index.
func NewMembership() *Membership {
	return &Membership{
		boards: make(map[BoardID]map[ConnectionID]struct{}),
		byConn: make(map[ConnectionID]map[BoardID]struct{}),
	}
}

// add records the membership and reports whether it is new.
func (m *Membership) add(connID ConnectionID, boardID BoardID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.boards[boardID]
	if members == nil {
		members = make(map[ConnectionID]struct{})
		m.boards[boardID] = members
	}
	if _, exists := members[connID]; exists {
		return false
	}
	members[connID] = struct{}{}
	joined := m.byConn[connID]
	if joined == nil {
		joined = make(map[BoardID]struct{})
		m.byConn[connID] = joined
	}
	joined[boardID] = struct{}{}
	return true
}

// remove drops the membership; empty boards are pruned.
func (m *Membership) remove(connID ConnectionID, boardID BoardID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.boards[boardID]
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.boards, boardID)
	}
	if joined := m.byConn[connID]; joined != nil {
		delete(joined, boardID)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// IsMember reports whether the connection joined the board.
func (m *Membership) IsMember(connID ConnectionID, boardID BoardID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.boards[boardID][connID]
	return ok
}

// Members returns the board's connections in a stable order.
func (m *Membership) Members(boardID BoardID) []ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.boards[boardID]
	if len(members) == 0 {
		return nil
	}
	out := make([]ConnectionID, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BoardsOf returns the boards a connection joined in a stable order.
func (m *Membership) BoardsOf(connID ConnectionID) []BoardID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	joined := m.byConn[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]BoardID, 0, len(joined))
	for boardID := range joined {
		out = append(out, boardID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
