package entities

// EntityVersion is the durable version counter of one card or comment along
// with the last accepted value.
type EntityVersion struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	LastField        string `gorm:"column:last_field;size:190;not null;default:''"`
	LastValueJSON    string `gorm:"column:last_value_json;type:text;not null;default:''"`
	LastWriterUserID string `gorm:"column:last_writer_user_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityVersion) TableName() string {
	return "entity_versions"
}

// EntityEdit is the append-only audit trail of accepted edits.
type EntityEdit struct {
	EditID           string `gorm:"column:edit_id;primaryKey;size:190;not null"`
	EntityType       string `gorm:"column:entity_type;size:32;not null;index:idx_entity_edits_entity,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:190;not null;index:idx_entity_edits_entity,priority:2"`
	BoardID          string `gorm:"column:board_id;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	ConnectionID     string `gorm:"column:connection_id;size:190;not null"`
	Field            string `gorm:"column:field;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	PreviousVersion  int64  `gorm:"column:prev_version;not null"`
	NewVersion       int64  `gorm:"column:new_version;not null;index:idx_entity_edits_entity,priority:3"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityEdit) TableName() string {
	return "entity_edits"
}

// EntityConflictResolution records every resolution that cleared a conflict.
type EntityConflictResolution struct {
	ResolutionID      string `gorm:"column:resolution_id;primaryKey;size:190;not null"`
	EntityType        string `gorm:"column:entity_type;size:32;not null;index:idx_entity_conflicts_entity,priority:1"`
	EntityID          string `gorm:"column:entity_id;size:190;not null;index:idx_entity_conflicts_entity,priority:2"`
	ResolvedBy        string `gorm:"column:resolved_by;size:190;not null"`
	Field             string `gorm:"column:field;size:190;not null;default:''"`
	ValueJSON         string `gorm:"column:value_json;type:text;not null"`
	BoardIDs          string `gorm:"column:board_ids;type:text;not null"`
	PreviousVersion   int64  `gorm:"column:prev_version;not null"`
	ResolvedVersion   int64  `gorm:"column:resolved_version;not null"`
	ResolvedAtSeconds int64  `gorm:"column:resolved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityConflictResolution) TableName() string {
	return "entity_conflicts"
}
