package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/entities"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationVersionFloor         = "2026-03-02_entity_version_floor"
	migrationStripAuditUserPrefix = "2026-03-09_strip_audit_user_prefix"
	legacyProviderPrefix          = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationVersionFloor, apply: raiseVersionFloor},
		{name: migrationStripAuditUserPrefix, apply: stripAuditUserPrefix},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Versions start at 1; rows written before that rule held are raised to it.
func raiseVersionFloor(db *gorm.DB) error {
	return db.Model(&entities.EntityVersion{}).
		Where("version < ?", 1).
		Update("version", 1).Error
}

// Audit rows written before canonical user ids carried the provider prefix.
func stripAuditUserPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	pattern := legacyProviderPrefix + "%"
	if err := db.Model(&entities.EntityEdit{}).
		Where("user_id LIKE ?", pattern).
		Update("user_id", gorm.Expr("substr(user_id, ?)", start)).Error; err != nil {
		return err
	}
	if err := db.Model(&entities.EntityVersion{}).
		Where("last_writer_user_id LIKE ?", pattern).
		Update("last_writer_user_id", gorm.Expr("substr(last_writer_user_id, ?)", start)).Error; err != nil {
		return err
	}
	return db.Model(&entities.EntityConflictResolution{}).
		Where("resolved_by LIKE ?", pattern).
		Update("resolved_by", gorm.Expr("substr(resolved_by, ?)", start)).Error
}
