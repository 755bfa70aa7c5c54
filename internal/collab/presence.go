package collab

import (
	"sort"
	"sync"
	"time"
)

// PresenceRecord is the status of one user on one board.
type PresenceRecord struct {
	UserID      UserID         `json:"userId"`
	DisplayName string         `json:"displayName,omitempty"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
}

// Presence keeps per (user, board) presence records. Records of users who went
// offline are retained so boards can show when someone was last seen.
type Presence struct {
	mu      sync.RWMutex
	records map[BoardID]map[UserID]PresenceRecord
}

// NewPresence returns an empty presence tracker.
func NewPresence() *Presence {
	return &Presence{records: make(map[BoardID]map[UserID]PresenceRecord)}
}

// set stores the record and reports whether the visible status changed.
func (p *Presence) set(boardID BoardID, session Session, status PresenceStatus, now time.Time) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	board := p.records[boardID]
	if board == nil {
		board = make(map[UserID]PresenceRecord)
		p.records[boardID] = board
	}
	previous, existed := board[session.UserID]
	record := PresenceRecord{
		UserID:      session.UserID,
		DisplayName: session.DisplayName,
		AvatarURL:   session.AvatarURL,
		Status:      status,
		LastSeen:    now,
	}
	board[session.UserID] = record
	return record, !existed || previous.Status != status
}

// Get returns the record of a user on a board.
func (p *Presence) Get(boardID BoardID, userID UserID) (PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	record, ok := p.records[boardID][userID]
	return record, ok
}

// Board returns every known user of a board ordered by user id.
func (p *Presence) Board(boardID BoardID) []PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	board := p.records[boardID]
	out := make([]PresenceRecord, 0, len(board))
	for _, record := range board {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
