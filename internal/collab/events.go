package collab

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventBoardJoin       = "board:join"
	EventBoardLeave      = "board:leave"
	EventSessionUpdate   = "session:update"
	EventPresenceUpdate  = "presence:update"
	EventCursorMove      = "cursor:move"
	EventLockRequest     = "lock:request"
	EventLockRelease     = "lock:release"
	EventEditSubmit      = "edit:submit"
	EventCardMove        = "card:move"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
	EventConflictResolve = "conflict:resolve"
	EventPing            = "ping"
)

// Outbound event names.
const (
	EventBoardSnapshot    = "board:snapshot"
	EventMemberJoined     = "member:joined"
	EventMemberLeft       = "member:left"
	EventMemberUpdated    = "member:updated"
	EventPresenceChanged  = "presence:changed"
	EventCursorMoved      = "cursor:moved"
	EventLockGranted      = "lock:granted"
	EventLockDenied       = "lock:denied"
	EventLockReleased     = "lock:released"
	EventEditApplied      = "edit:applied"
	EventCardMoved        = "card:moved"
	EventTypingStarted    = "typing:started"
	EventTypingStopped    = "typing:stopped"
	EventConflictDetected = "conflict:detected"
	EventConflictResolved = "conflict:resolved"
	EventPong             = "pong"
	EventError            = "error"
)

// Reasons carried by lock:released.
const (
	LockReleaseExplicit   = "released"
	LockReleaseLeft       = "left"
	LockReleaseDisconnect = "disconnected"
)

// InboundFrame is the envelope of every client message.
type InboundFrame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type boardRequest struct {
	BoardID string `json:"boardId"`
}

type sessionUpdateRequest struct {
	DisplayName *string `json:"displayName"`
	AvatarURL   *string `json:"avatarUrl"`
}

type presenceUpdateRequest struct {
	Status string `json:"status"`
}

type cursorMoveRequest struct {
	BoardID   string   `json:"boardId"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	ElementID string   `json:"elementId,omitempty"`
}

type lockRequest struct {
	BoardID string `json:"boardId"`
	CardID  string `json:"cardId"`
}

type editSubmitRequest struct {
	BoardID     string          `json:"boardId"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Field       string          `json:"field"`
	Value       json.RawMessage `json:"value"`
	BaseVersion *int64          `json:"baseVersion"`
}

type cardMoveRequest struct {
	BoardID     string `json:"boardId"`
	CardID      string `json:"cardId"`
	FromColumn  string `json:"fromColumn"`
	ToColumn    string `json:"toColumn"`
	Position    int    `json:"position"`
	BaseVersion *int64 `json:"baseVersion"`
}

type typingRequest struct {
	BoardID   string `json:"boardId"`
	CardID    string `json:"cardId,omitempty"`
	CommentID string `json:"commentId,omitempty"`
}

type conflictResolveRequest struct {
	EntityType      string      `json:"entityType"`
	EntityID        string      `json:"entityId"`
	ResolvedPayload EditPayload `json:"resolvedPayload"`
	ResolvedVersion int64       `json:"resolvedVersion"`
}

// BoardSnapshot greets a joiner with the board's current state.
type BoardSnapshot struct {
	BoardID      BoardID          `json:"boardId"`
	ConnectionID ConnectionID     `json:"connectionId"`
	Members      []MemberInfo     `json:"members"`
	Presence     []PresenceRecord `json:"presence"`
	Locks        []CardLock       `json:"locks"`
}

// MemberLeft announces a departure.
type MemberLeft struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
}

// CursorMoved relays a pointer position.
type CursorMoved struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	X            float64      `json:"x"`
	Y            float64      `json:"y"`
	ElementID    string       `json:"elementId,omitempty"`
}

// LockDenied tells the requester who holds the card.
type LockDenied struct {
	CardID CardID   `json:"cardId"`
	Holder CardLock `json:"holder"`
}

// LockReleased announces an unlocked card.
type LockReleased struct {
	CardID       CardID       `json:"cardId"`
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	Reason       string       `json:"reason"`
}

// EditApplied carries an accepted edit stamped with its new version.
type EditApplied struct {
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Field           string          `json:"field"`
	Value           json.RawMessage `json:"value"`
	NewVersion      int64           `json:"newVersion"`
	PreviousVersion int64           `json:"previousVersion"`
	UserID          UserID          `json:"userId"`
	ConnectionID    ConnectionID    `json:"connectionId"`
}

// CardMoved carries an accepted card move.
type CardMoved struct {
	CardID       CardID       `json:"cardId"`
	FromColumn   string       `json:"fromColumn"`
	ToColumn     string       `json:"toColumn"`
	Position     int          `json:"position"`
	NewVersion   int64        `json:"newVersion"`
	UserID       UserID       `json:"userId"`
	ConnectionID ConnectionID `json:"connectionId"`
}

type cardPosition struct {
	FromColumn string `json:"fromColumn"`
	ToColumn   string `json:"toColumn"`
	Position   int    `json:"position"`
}

// TypingChanged announces typing:started and typing:stopped.
type TypingChanged struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId"`
	CardID       string       `json:"cardId,omitempty"`
	CommentID    string       `json:"commentId,omitempty"`
}

// ConflictDetected carries the competing snapshots of a stale edit.
type ConflictDetected struct {
	EntityType        EntityType        `json:"entityType"`
	EntityID          string            `json:"entityId"`
	CurrentVersion    int64             `json:"currentVersion"`
	CompetingVersions []VersionSnapshot `json:"competingVersions"`
	DetectedAt        time.Time         `json:"detectedAt"`
}

// ConflictResolved announces the outcome of a resolution.
type ConflictResolved struct {
	EntityType      EntityType      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Version         int64           `json:"version"`
	PreviousVersion int64           `json:"previousVersion"`
	Field           string          `json:"field,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
	ResolvedBy      UserID          `json:"resolvedBy"`
}

// Pong answers a liveness probe.
type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

// ErrorReply reports a rejected frame without closing the connection.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
