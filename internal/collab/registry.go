package collab

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("collab: connection already registered")
	// ErrUnknownConnection is returned for operations on a connection that is not registered.
	ErrUnknownConnection = errors.New("collab: unknown connection")
)

type connection struct {
	id           ConnectionID
	session      Session
	status       PresenceStatus
	autoAway     bool
	lastSeen     time.Time
	lastActivity time.Time
	cursor       *Cursor
	typing       *TypingTarget
	outbox       *Outbox
}

func (c *connection) member() MemberInfo {
	return MemberInfo{
		ConnectionID: c.id,
		UserID:       c.session.UserID,
		DisplayName:  c.session.DisplayName,
		AvatarURL:    c.session.AvatarURL,
		Status:       c.status,
	}
}

// Registry tracks every open connection and its session attributes.
type Registry struct {
	mu          sync.RWMutex
	connections map[ConnectionID]*connection
	byUser      map[UserID]map[ConnectionID]*connection
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[ConnectionID]*connection),
		byUser:      make(map[UserID]map[ConnectionID]*connection),
	}
}

func (r *Registry) add(id ConnectionID, session Session, outbox *Outbox, now time.Time) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	conn := &connection{
		id:           id,
		session:      session,
		status:       PresenceOnline,
		lastSeen:     now,
		lastActivity: now,
		outbox:       outbox,
	}
	r.connections[id] = conn
	userConns := r.byUser[session.UserID]
	if userConns == nil {
		userConns = make(map[ConnectionID]*connection)
		r.byUser[session.UserID] = userConns
	}
	userConns[id] = conn
	return conn, nil
}

func (r *Registry) update(id ConnectionID, update SessionUpdate) (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	if update.DisplayName != nil {
		conn.session.DisplayName = *update.DisplayName
	}
	if update.AvatarURL != nil {
		conn.session.AvatarURL = *update.AvatarURL
	}
	return conn, nil
}

func (r *Registry) remove(id ConnectionID) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	delete(r.connections, id)
	if userConns := r.byUser[conn.session.UserID]; userConns != nil {
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.byUser, conn.session.UserID)
		}
	}
	return conn, true
}

func (r *Registry) get(id ConnectionID) (*connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) outbox(id ConnectionID) *Outbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if conn, ok := r.connections[id]; ok {
		return conn.outbox
	}
	return nil
}

func (r *Registry) forUser(userID UserID) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConns := r.byUser[userID]
	if len(userConns) == 0 {
		return nil
	}
	out := make([]*connection, 0, len(userConns))
	for _, conn := range userConns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) all() []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
