package entities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEntity     = errors.New("entity is required")
	noOpLogger           = zap.NewNop()
)

const defaultHistoryLimit = 50

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "entities.service.new"
	opLoadVersion       = "entities.load_version"
	opPersistEdit       = "entities.persist_edit"
	opPersistResolution = "entities.persist_resolution"
	opListEdits         = "entities.list_edits"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the durable version backend of the synchronizer.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

var _ collab.VersionBackend = (*Service)(nil)

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// LoadVersion returns the durable version of an entity.
func (s *Service) LoadVersion(ctx context.Context, entity collab.EntityKey) (int64, bool, error) {
	if entity.ID == "" {
		return 0, false, newServiceError(opLoadVersion, "missing_entity", errMissingEntity)
	}
	var stored EntityVersion
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", string(entity.Type), entity.ID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		s.logError(opLoadVersion, "query_failed", err, zap.String("entity", entity.String()))
		return 0, false, newServiceError(opLoadVersion, "query_failed", err)
	}
	return stored.Version, true, nil
}

// PersistEdit stores an accepted edit and appends it to the audit trail.
func (s *Service) PersistEdit(ctx context.Context, edit collab.AcceptedEdit) error {
	if edit.Entity.ID == "" {
		return newServiceError(opPersistEdit, "missing_entity", errMissingEntity)
	}
	entityField := zap.String("entity", edit.Entity.String())

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockVersion(tx, edit.Entity)
		if err != nil {
			s.logError(opPersistEdit, "version_select_failed", err, entityField)
			return newServiceError(opPersistEdit, "version_select_failed", err)
		}

		appliedAt := s.clock().UTC()
		updated, advanced := mergeEdit(existing, edit, appliedAt)
		if advanced {
			if err := tx.Save(&updated).Error; err != nil {
				s.logError(opPersistEdit, "version_save_failed", err, entityField)
				return newServiceError(opPersistEdit, "version_save_failed", err)
			}
		} else {
			s.logger.Debug("checkpoint behind durable version",
				entityField,
				zap.Int64("durable_version", updated.Version),
				zap.Int64("edit_version", edit.Version))
		}

		editID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opPersistEdit, "id_generation_failed", err, entityField)
			return newServiceError(opPersistEdit, "id_generation_failed", err)
		}
		audit := EntityEdit{
			EditID:           editID,
			EntityType:       string(edit.Entity.Type),
			EntityID:         edit.Entity.ID,
			BoardID:          edit.BoardID.String(),
			UserID:           edit.UserID.String(),
			ConnectionID:     edit.ConnectionID.String(),
			Field:            edit.Payload.Field,
			ValueJSON:        string(edit.Payload.Value),
			PreviousVersion:  edit.PreviousVersion,
			NewVersion:       edit.Version,
			AppliedAtSeconds: unixSeconds(edit.AppliedAt, appliedAt),
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opPersistEdit, "audit_insert_failed", err, entityField)
			return newServiceError(opPersistEdit, "audit_insert_failed", err)
		}
		return nil
	})
}

// PersistResolution stores the resolved version and records the resolution.
func (s *Service) PersistResolution(ctx context.Context, resolution collab.AppliedResolution) error {
	if resolution.Entity.ID == "" {
		return newServiceError(opPersistResolution, "missing_entity", errMissingEntity)
	}
	entityField := zap.String("entity", resolution.Entity.String())

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockVersion(tx, resolution.Entity)
		if err != nil {
			s.logError(opPersistResolution, "version_select_failed", err, entityField)
			return newServiceError(opPersistResolution, "version_select_failed", err)
		}

		appliedAt := s.clock().UTC()
		updated := mergeResolution(existing, resolution, appliedAt)
		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opPersistResolution, "version_save_failed", err, entityField)
			return newServiceError(opPersistResolution, "version_save_failed", err)
		}

		resolutionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opPersistResolution, "id_generation_failed", err, entityField)
			return newServiceError(opPersistResolution, "id_generation_failed", err)
		}
		boards := make([]string, 0, len(resolution.Boards))
		for _, boardID := range resolution.Boards {
			boards = append(boards, boardID.String())
		}
		record := EntityConflictResolution{
			ResolutionID:      resolutionID,
			EntityType:        string(resolution.Entity.Type),
			EntityID:          resolution.Entity.ID,
			ResolvedBy:        resolution.ResolvedBy.String(),
			Field:             resolution.Payload.Field,
			ValueJSON:         string(resolution.Payload.Value),
			BoardIDs:          strings.Join(boards, ","),
			PreviousVersion:   resolution.PreviousVersion,
			ResolvedVersion:   updated.Version,
			ResolvedAtSeconds: unixSeconds(resolution.ResolvedAt, appliedAt),
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opPersistResolution, "audit_insert_failed", err, entityField)
			return newServiceError(opPersistResolution, "audit_insert_failed", err)
		}
		return nil
	})
}

// ListEdits returns the most recent accepted edits of an entity, newest first.
func (s *Service) ListEdits(ctx context.Context, entity collab.EntityKey, limit int) ([]EntityEdit, error) {
	if entity.ID == "" {
		s.logError(opListEdits, "missing_entity", errMissingEntity)
		return nil, newServiceError(opListEdits, "missing_entity", errMissingEntity)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var edits []EntityEdit
	if err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", string(entity.Type), entity.ID).
		Order("new_version DESC").
		Order("applied_at_s DESC").
		Limit(limit).
		Find(&edits).Error; err != nil {
		s.logError(opListEdits, "query_failed", err, zap.String("entity", entity.String()))
		return nil, newServiceError(opListEdits, "query_failed", err)
	}
	return edits, nil
}

func (s *Service) lockVersion(tx *gorm.DB, entity collab.EntityKey) (*EntityVersion, error) {
	var existing EntityVersion
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_type = ? AND entity_id = ?", string(entity.Type), entity.ID).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("entities service error", attrs...)
}
