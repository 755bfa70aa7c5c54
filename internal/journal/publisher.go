// Package journal publishes accepted edits and conflict resolutions to NATS for
// consumers that index or replay board history.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	subjectEdit       = "edit"
	subjectResolution = "resolution"
	headerEvent       = "Boardsync-Event"
)

var (
	errMissingConnection = errors.New("nats connection is required")
	errMissingPrefix     = errors.New("subject prefix is required")
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
}

// Config wires the publisher.
type Config struct {
	Conn          Conn
	SubjectPrefix string
	Logger        *zap.Logger
}

// Publisher emits one message per accepted edit on <prefix>.<board>.edit and
// one per recorded board on <prefix>.<board>.resolution. Message ids are
// derived from the entity version so redelivery deduplicates on the server.
type Publisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

var _ collab.EditJournal = (*Publisher)(nil)

// EditMessage is the body of an edit journal entry.
type EditMessage struct {
	EntityType      collab.EntityType `json:"entityType"`
	EntityID        string            `json:"entityId"`
	BoardID         collab.BoardID    `json:"boardId"`
	PreviousVersion int64             `json:"previousVersion"`
	Version         int64             `json:"version"`
	Field           string            `json:"field"`
	Value           json.RawMessage   `json:"value,omitempty"`
	UserID          collab.UserID     `json:"userId"`
	ConnectionID    string            `json:"connectionId"`
	AppliedAt       time.Time         `json:"appliedAt"`
}

// ResolutionMessage is the body of a resolution journal entry.
type ResolutionMessage struct {
	EntityType      collab.EntityType `json:"entityType"`
	EntityID        string            `json:"entityId"`
	BoardID         collab.BoardID    `json:"boardId"`
	PreviousVersion int64             `json:"previousVersion"`
	Version         int64             `json:"version"`
	Field           string            `json:"field"`
	Value           json.RawMessage   `json:"value,omitempty"`
	ResolvedBy      collab.UserID     `json:"resolvedBy"`
	ResolvedAt      time.Time         `json:"resolvedAt"`
}

// NewPublisher validates the configuration and constructs a Publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Conn == nil {
		return nil, errMissingConnection
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		return nil, errMissingPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: cfg.Conn, prefix: prefix, logger: logger}, nil
}

// Connect dials NATS with reconnect settings suited to a long-lived publisher.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
}

// EditAccepted publishes an accepted edit.
func (p *Publisher) EditAccepted(ctx context.Context, edit collab.AcceptedEdit) error {
	body := EditMessage{
		EntityType:      edit.Entity.Type,
		EntityID:        edit.Entity.ID,
		BoardID:         edit.BoardID,
		PreviousVersion: edit.PreviousVersion,
		Version:         edit.Version,
		Field:           edit.Payload.Field,
		Value:           edit.Payload.Value,
		UserID:          edit.UserID,
		ConnectionID:    edit.ConnectionID.String(),
		AppliedAt:       edit.AppliedAt,
	}
	msgID := fmt.Sprintf("%s:v%d", edit.Entity, edit.Version)
	return p.publish(ctx, p.Subject(edit.BoardID, subjectEdit), subjectEdit, msgID, body)
}

// ConflictResolved publishes a resolution to every board that saw the conflict.
func (p *Publisher) ConflictResolved(ctx context.Context, resolution collab.AppliedResolution) error {
	var errs []error
	for _, boardID := range resolution.Boards {
		body := ResolutionMessage{
			EntityType:      resolution.Entity.Type,
			EntityID:        resolution.Entity.ID,
			BoardID:         boardID,
			PreviousVersion: resolution.PreviousVersion,
			Version:         resolution.Version,
			Field:           resolution.Payload.Field,
			Value:           resolution.Payload.Value,
			ResolvedBy:      resolution.ResolvedBy,
			ResolvedAt:      resolution.ResolvedAt,
		}
		msgID := fmt.Sprintf("%s:r%d:%s", resolution.Entity, resolution.Version, boardID)
		if err := p.publish(ctx, p.Subject(boardID, subjectResolution), subjectResolution, msgID, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subject returns the subject a board's events of the given kind go to.
func (p *Publisher) Subject(boardID collab.BoardID, kind string) string {
	return p.prefix + "." + subjectToken(boardID.String()) + "." + kind
}

func (p *Publisher) publish(ctx context.Context, subject, kind, msgID string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("journal encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Header.Set(headerEvent, kind)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("journal publish %s: %w", subject, err)
	}
	p.logger.Debug("journal published", zap.String("subject", subject), zap.String("msg_id", msgID))
	return nil
}

// subjectToken keeps board ids from splitting or wildcarding the subject.
func subjectToken(raw string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, raw)
}
