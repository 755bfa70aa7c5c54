package collab

import (
	"sort"
	"sync"
	"time"
)

// CardLock is an advisory single-holder edit lock on a card.
type CardLock struct {
	CardID             CardID       `json:"cardId"`
	BoardID            BoardID      `json:"boardId"`
	HolderUserID       UserID       `json:"holderUserId"`
	HolderConnectionID ConnectionID `json:"holderConnectionId"`
	HolderDisplayName  string       `json:"holderDisplayName,omitempty"`
	AcquiredAt         time.Time    `json:"acquiredAt"`
}

// LockDecision is the outcome of a lock request. On denial Lock carries the
// existing holder so clients can show who is editing.
type LockDecision struct {
	Granted bool
	Renewed bool
	Lock    CardLock
}

// LockManager grants and releases card locks. A card maps to at most one lock
// and only the holding connection can release it.
type LockManager struct {
	mu     sync.RWMutex
	locks  map[CardID]CardLock
	byConn map[ConnectionID]map[CardID]struct{}
}

// NewLockManager returns a lock manager without locks.
func NewLockManager() *LockManager {
	return &LockManager{
		locks:  make(map[CardID]CardLock),
		byConn: make(map[ConnectionID]map[CardID]struct{}),
	}
}

// Request grants the lock when the card is unlocked or already held by the
// same connection; otherwise the existing lock is returned with Granted=false.
func (m *LockManager) Request(boardID BoardID, cardID CardID, session Session, connID ConnectionID, now time.Time) LockDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[cardID]; ok {
		if existing.HolderConnectionID == connID {
			return LockDecision{Granted: true, Renewed: true, Lock: existing}
		}
		return LockDecision{Granted: false, Lock: existing}
	}
	lock := CardLock{
		CardID:             cardID,
		BoardID:            boardID,
		HolderUserID:       session.UserID,
		HolderConnectionID: connID,
		HolderDisplayName:  session.DisplayName,
		AcquiredAt:         now,
	}
	m.locks[cardID] = lock
	held := m.byConn[connID]
	if held == nil {
		held = make(map[CardID]struct{})
		m.byConn[connID] = held
	}
	held[cardID] = struct{}{}
	return LockDecision{Granted: true, Lock: lock}
}

// Release frees the card when connID holds it. Releasing a lock held by
// someone else, or no lock at all, is a no-op.
func (m *LockManager) Release(cardID CardID, connID ConnectionID) (CardLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(cardID, connID)
}

func (m *LockManager) releaseLocked(cardID CardID, connID ConnectionID) (CardLock, bool) {
	existing, ok := m.locks[cardID]
	if !ok || existing.HolderConnectionID != connID {
		return CardLock{}, false
	}
	delete(m.locks, cardID)
	if held := m.byConn[connID]; held != nil {
		delete(held, cardID)
		if len(held) == 0 {
			delete(m.byConn, connID)
		}
	}
	return existing, true
}

// ReleaseAllFor releases every lock held by the connection. A non-empty
// boardID limits the release to locks taken from that board. Released locks
// are returned ordered by card id.
func (m *LockManager) ReleaseAllFor(connID ConnectionID, boardID BoardID) []CardLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.byConn[connID]
	if len(held) == 0 {
		return nil
	}
	cards := make([]CardID, 0, len(held))
	for cardID := range held {
		if boardID != "" && m.locks[cardID].BoardID != boardID {
			continue
		}
		cards = append(cards, cardID)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i] < cards[j] })

	released := make([]CardLock, 0, len(cards))
	for _, cardID := range cards {
		if lock, ok := m.releaseLocked(cardID, connID); ok {
			released = append(released, lock)
		}
	}
	return released
}

// Holder returns the current lock on a card.
func (m *LockManager) Holder(cardID CardID) (CardLock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, ok := m.locks[cardID]
	return lock, ok
}

// HeldBy returns the cards locked by a connection ordered by card id.
func (m *LockManager) HeldBy(connID ConnectionID) []CardID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := m.byConn[connID]
	out := make([]CardID, 0, len(held))
	for cardID := range held {
		out = append(out, cardID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BoardLocks returns the locks taken from a board ordered by card id.
func (m *LockManager) BoardLocks(boardID BoardID) []CardLock {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CardLock, 0)
	for _, lock := range m.locks {
		if lock.BoardID == boardID {
			out = append(out, lock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CardID < out[j].CardID })
	return out
}
