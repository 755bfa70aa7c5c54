package entities

import (
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
)

// mergeEdit folds an accepted edit into the stored row. A checkpoint that
// arrives after a newer durable version leaves the row untouched and reports
// false; the audit trail still records it.
func mergeEdit(existing *EntityVersion, edit collab.AcceptedEdit, appliedAt time.Time) (EntityVersion, bool) {
	stored := EntityVersion{
		EntityType: string(edit.Entity.Type),
		EntityID:   edit.Entity.ID,
		Version:    1,
	}
	if existing != nil {
		stored = *existing
	}
	if existing != nil && stored.Version >= edit.Version {
		return stored, false
	}

	updated := stored
	updated.Version = edit.Version
	updated.LastField = edit.Payload.Field
	updated.LastValueJSON = string(edit.Payload.Value)
	updated.LastWriterUserID = edit.UserID.String()
	updated.UpdatedAtSeconds = unixSeconds(edit.AppliedAt, appliedAt)
	return updated, true
}

// mergeResolution applies a resolution with the max(current, resolved) rule.
func mergeResolution(existing *EntityVersion, resolution collab.AppliedResolution, appliedAt time.Time) EntityVersion {
	updated := EntityVersion{
		EntityType: string(resolution.Entity.Type),
		EntityID:   resolution.Entity.ID,
		Version:    1,
	}
	if existing != nil {
		updated = *existing
	}
	if resolution.Version > updated.Version {
		updated.Version = resolution.Version
	}
	if resolution.Payload.Field != "" {
		updated.LastField = resolution.Payload.Field
		updated.LastValueJSON = string(resolution.Payload.Value)
	}
	updated.LastWriterUserID = resolution.ResolvedBy.String()
	updated.UpdatedAtSeconds = unixSeconds(resolution.ResolvedAt, appliedAt)
	return updated
}

func unixSeconds(preferred, fallback time.Time) int64 {
	if !preferred.IsZero() {
		return preferred.Unix()
	}
	return fallback.Unix()
}
