package collab

import "time"

// ConflictRecord tracks an unresolved stale edit until a resolution arrives.
type ConflictRecord struct {
	Entity     EntityKey         `json:"entity"`
	Snapshots  []VersionSnapshot `json:"competingVersions"`
	Boards     []BoardID         `json:"boards"`
	DetectedAt time.Time         `json:"detectedAt"`
}

func (r ConflictRecord) clone() ConflictRecord {
	out := r
	out.Snapshots = append([]VersionSnapshot(nil), r.Snapshots...)
	out.Boards = append([]BoardID(nil), r.Boards...)
	return out
}

func (r *ConflictRecord) addBoard(boardID BoardID) {
	for _, existing := range r.Boards {
		if existing == boardID {
			return
		}
	}
	r.Boards = append(r.Boards, boardID)
}

// mergeSnapshots keeps exactly one current snapshot, first in the list,
// followed by every incoming snapshot recorded for the conflict.
func mergeSnapshots(existing []VersionSnapshot, stored, incoming VersionSnapshot) []VersionSnapshot {
	out := make([]VersionSnapshot, 0, len(existing)+2)
	out = append(out, stored)
	for _, snapshot := range existing {
		if snapshot.Origin == SnapshotOriginCurrent {
			continue
		}
		out = append(out, snapshot)
	}
	return append(out, incoming)
}

// Conflict returns the open conflict record of an entity.
func (s *VersionStore) Conflict(key EntityKey) (ConflictRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.conflicts[key]
	if !ok {
		return ConflictRecord{}, false
	}
	return record.clone(), true
}
