package collab

import "time"

// ResolutionSubmission is a client's chosen or merged outcome for a conflict.
type ResolutionSubmission struct {
	Entity          EntityKey
	ResolvedVersion int64
	Payload         EditPayload
	UserID          UserID
	ConnectionID    ConnectionID
}

// AppliedResolution describes a resolution that cleared a conflict record.
type AppliedResolution struct {
	Entity          EntityKey
	PreviousVersion int64
	Version         int64
	Payload         EditPayload
	ResolvedBy      UserID
	ConnectionID    ConnectionID
	Boards          []BoardID
	ResolvedAt      time.Time
}

// Resolve clears the entity's conflict record and lifts its version to
// max(current, resolved). Without an open record the call is ignored and
// reports false, so duplicate resolutions are harmless.
func (s *VersionStore) Resolve(submission ResolutionSubmission, now time.Time) (AppliedResolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.conflicts[submission.Entity]
	if !ok {
		return AppliedResolution{}, false
	}
	delete(s.conflicts, submission.Entity)

	entry := s.entryLocked(submission.Entity)
	previous := entry.version
	if submission.ResolvedVersion > entry.version {
		entry.version = submission.ResolvedVersion
	}
	entry.last = &VersionSnapshot{
		Version:      entry.version,
		Origin:       SnapshotOriginCurrent,
		Field:        submission.Payload.Field,
		Value:        submission.Payload.Value,
		UserID:       submission.UserID,
		ConnectionID: submission.ConnectionID,
		RecordedAt:   now,
	}

	return AppliedResolution{
		Entity:          submission.Entity,
		PreviousVersion: previous,
		Version:         entry.version,
		Payload:         submission.Payload,
		ResolvedBy:      submission.UserID,
		ConnectionID:    submission.ConnectionID,
		Boards:          append([]BoardID(nil), record.Boards...),
		ResolvedAt:      now,
	}, true
}
