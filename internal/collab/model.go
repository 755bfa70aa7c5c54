package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidConnectionID indicates that a connection identifier is empty or too long.
	ErrInvalidConnectionID = errors.New("collab: invalid connection id")
	// ErrInvalidBoardID indicates that a board identifier is empty or too long.
	ErrInvalidBoardID = errors.New("collab: invalid board id")
	// ErrInvalidCardID indicates that a card identifier is empty or too long.
	ErrInvalidCardID = errors.New("collab: invalid card id")
	// ErrInvalidUserID indicates that a user identifier is empty or too long.
	ErrInvalidUserID = errors.New("collab: invalid user id")
	// ErrInvalidEntity indicates that an entity type or identifier is not supported.
	ErrInvalidEntity = errors.New("collab: invalid entity")
	// ErrInvalidPresenceStatus indicates an unknown presence status value.
	ErrInvalidPresenceStatus = errors.New("collab: invalid presence status")
	// ErrInvalidField indicates that an edit did not name the field it changes.
	ErrInvalidField = errors.New("collab: invalid field")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// ConnectionID identifies one live client connection.
type ConnectionID string

// NewConnectionID validates raw input and returns a ConnectionID.
func NewConnectionID(rawInput string) (ConnectionID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidConnectionID)
	return ConnectionID(value), err
}

// String returns the underlying string identifier.
func (id ConnectionID) String() string {
	return string(id)
}

// BoardID identifies a collaboration board.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidBoardID)
	return BoardID(value), err
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// CardID identifies a card on a board.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidCardID)
	return CardID(value), err
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// UserID identifies the user behind one or more connections.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(value), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// EntityType enumerates the versioned entity kinds.
type EntityType string

const (
	// EntityTypeCard is a board card.
	EntityTypeCard EntityType = "card"
	// EntityTypeComment is a comment attached to a card.
	EntityTypeComment EntityType = "comment"
)

// ParseEntityType normalizes a raw entity type; an empty value means card.
func ParseEntityType(rawInput string) (EntityType, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(EntityTypeCard):
		return EntityTypeCard, nil
	case string(EntityTypeComment):
		return EntityTypeComment, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidEntity, rawInput)
	}
}

// EntityKey addresses one versioned entity.
type EntityKey struct {
	Type EntityType `json:"entityType"`
	ID   string     `json:"entityId"`
}

// NewEntityKey validates the raw type and identifier.
func NewEntityKey(rawType, rawID string) (EntityKey, error) {
	entityType, err := ParseEntityType(rawType)
	if err != nil {
		return EntityKey{}, err
	}
	entityID, err := validateIdentifier(rawID, ErrInvalidEntity)
	if err != nil {
		return EntityKey{}, err
	}
	return EntityKey{Type: entityType, ID: entityID}, nil
}

// String renders the key as type/id.
func (key EntityKey) String() string {
	return string(key.Type) + "/" + key.ID
}

// CardKey returns the entity key of a card.
func CardKey(cardID CardID) EntityKey {
	return EntityKey{Type: EntityTypeCard, ID: cardID.String()}
}

// PresenceStatus is the visible availability of a user on a board.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ParsePresenceStatus validates a client supplied status.
func ParsePresenceStatus(rawInput string) (PresenceStatus, error) {
	switch PresenceStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PresenceOnline:
		return PresenceOnline, nil
	case PresenceAway:
		return PresenceAway, nil
	case PresenceOffline:
		return PresenceOffline, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPresenceStatus, rawInput)
	}
}

// Session carries the user attributes a connection was opened with.
type Session struct {
	UserID      UserID
	DisplayName string
	AvatarURL   string
}

// SessionUpdate is a partial session change; nil fields are left untouched.
type SessionUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// Cursor is the last pointer position a connection reported on a board.
type Cursor struct {
	BoardID   BoardID `json:"boardId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// TypingTarget is what a connection is currently typing into.
type TypingTarget struct {
	BoardID   BoardID `json:"boardId"`
	CardID    string  `json:"cardId,omitempty"`
	CommentID string  `json:"commentId,omitempty"`
}

// MemberInfo describes a board member as shown to other members.
type MemberInfo struct {
	ConnectionID ConnectionID   `json:"connectionId"`
	UserID       UserID         `json:"userId"`
	DisplayName  string         `json:"displayName,omitempty"`
	AvatarURL    string         `json:"avatarUrl,omitempty"`
	Status       PresenceStatus `json:"status"`
}

// ConnectionInfo is a read-only snapshot of a registered connection.
type ConnectionInfo struct {
	ID          ConnectionID
	Session     Session
	Status      PresenceStatus
	LastSeen    time.Time
	Boards      []BoardID
	LockedCards []CardID
	Cursor      *Cursor
	Typing      *TypingTarget
}

// EditPayload is the field-level change carried by an edit or a resolution.
type EditPayload struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}
