package collab

import (
	"context"
	"time"
)

// AcceptedEdit is an edit that advanced an entity's version.
type AcceptedEdit struct {
	Entity          EntityKey
	BoardID         BoardID
	PreviousVersion int64
	Version         int64
	Payload         EditPayload
	UserID          UserID
	ConnectionID    ConnectionID
	AppliedAt       time.Time
}

// VersionBackend is the durable home of entity versions. LoadVersion reports
// found=false for entities it never stored.
type VersionBackend interface {
	LoadVersion(ctx context.Context, entity EntityKey) (version int64, found bool, err error)
	PersistEdit(ctx context.Context, edit AcceptedEdit) error
	PersistResolution(ctx context.Context, resolution AppliedResolution) error
}

// PresenceSink receives every presence change for mirroring outside the process.
type PresenceSink interface {
	PresenceChanged(ctx context.Context, boardID BoardID, record PresenceRecord) error
}

// EditJournal receives accepted edits and resolutions for downstream consumers.
type EditJournal interface {
	EditAccepted(ctx context.Context, edit AcceptedEdit) error
	ConflictResolved(ctx context.Context, resolution AppliedResolution) error
}

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}
