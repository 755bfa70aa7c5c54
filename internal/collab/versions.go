package collab

import (
	"encoding/json"
	"sync"
	"time"
)

const initialVersion int64 = 1

// SnapshotOrigin tells whether a competing snapshot is the stored state or the rejected edit.
type SnapshotOrigin string

const (
	SnapshotOriginCurrent  SnapshotOrigin = "current"
	SnapshotOriginIncoming SnapshotOrigin = "incoming"
)

// VersionSnapshot is one version of an entity as seen by the conflict detector.
type VersionSnapshot struct {
	Version      int64           `json:"version"`
	Origin       SnapshotOrigin  `json:"origin"`
	Field        string          `json:"field,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
	UserID       UserID          `json:"userId,omitempty"`
	ConnectionID ConnectionID    `json:"connectionId,omitempty"`
	RecordedAt   time.Time       `json:"recordedAt"`
}

// EditSubmission is a version-affecting write against one entity.
type EditSubmission struct {
	Entity       EntityKey
	BoardID      BoardID
	BaseVersion  int64
	Payload      EditPayload
	UserID       UserID
	ConnectionID ConnectionID
}

// EditOutcome is the decision taken for an edit. LockedBy is set when the
// edit never reached the version check because another connection holds the card.
type EditOutcome struct {
	Accepted        bool
	PreviousVersion int64
	NewVersion      int64
	Conflict        *ConflictRecord
	LockedBy        *CardLock
}

type versionEntry struct {
	version int64
	last    *VersionSnapshot
}

// VersionStore holds the cached version counter of every entity along with
// the open conflict records.
type VersionStore struct {
	mu        sync.RWMutex
	entries   map[EntityKey]*versionEntry
	conflicts map[EntityKey]*ConflictRecord
}

// NewVersionStore returns an empty version store.
func NewVersionStore() *VersionStore {
	return &VersionStore{
		entries:   make(map[EntityKey]*versionEntry),
		conflicts: make(map[EntityKey]*ConflictRecord),
	}
}

// Version returns the current version of an entity, 1 when never seen.
func (s *VersionStore) Version(key EntityKey) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.entries[key]; ok {
		return entry.version
	}
	return initialVersion
}

// Cached reports whether the entity's version is held in memory.
func (s *VersionStore) Cached(key EntityKey) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Seed installs a durable version for an entity that is not cached yet. It
// returns false when another path populated the cache first.
func (s *VersionStore) Seed(key EntityKey, version int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false
	}
	if version < initialVersion {
		version = initialVersion
	}
	s.entries[key] = &versionEntry{version: version}
	return true
}

// acceptsBase is the optimistic versioning rule: a write based on the current
// version or newer is accepted, anything older is stale.
func acceptsBase(current, base int64) bool {
	return base >= current
}

// Submit applies the edit when its base version is current; otherwise the edit
// is discarded and the entity's conflict record is created or extended.
func (s *VersionStore) Submit(submission EditSubmission, now time.Time) EditOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entryLocked(submission.Entity)
	current := entry.version
	incoming := VersionSnapshot{
		Version:      submission.BaseVersion,
		Origin:       SnapshotOriginIncoming,
		Field:        submission.Payload.Field,
		Value:        submission.Payload.Value,
		UserID:       submission.UserID,
		ConnectionID: submission.ConnectionID,
		RecordedAt:   now,
	}

	if acceptsBase(current, submission.BaseVersion) {
		next := submission.BaseVersion + 1
		incoming.Version = next
		incoming.Origin = SnapshotOriginCurrent
		entry.version = next
		entry.last = &incoming
		return EditOutcome{Accepted: true, PreviousVersion: current, NewVersion: next}
	}

	stored := VersionSnapshot{Version: current, Origin: SnapshotOriginCurrent, RecordedAt: now}
	if entry.last != nil {
		stored = *entry.last
		stored.Version = current
	}

	record, ok := s.conflicts[submission.Entity]
	if !ok {
		record = &ConflictRecord{Entity: submission.Entity, DetectedAt: now}
		s.conflicts[submission.Entity] = record
	}
	record.Snapshots = mergeSnapshots(record.Snapshots, stored, incoming)
	record.addBoard(submission.BoardID)

	conflict := record.clone()
	return EditOutcome{Accepted: false, PreviousVersion: current, NewVersion: current, Conflict: &conflict}
}

func (s *VersionStore) entryLocked(key EntityKey) *versionEntry {
	entry, ok := s.entries[key]
	if !ok {
		entry = &versionEntry{version: initialVersion}
		s.entries[key] = entry
	}
	return entry
}
