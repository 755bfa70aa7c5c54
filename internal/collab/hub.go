package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 15 * time.Second
	cardPositionField    = "position"
)

// HubConfig wires the synchronizer's collaborators. Every field is optional.
type HubConfig struct {
	Backend         VersionBackend
	PresenceSink    PresenceSink
	Journal         EditJournal
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	SendBuffer      int
	AwayAfter       time.Duration
	SweepInterval   time.Duration
	CheckpointQueue int
}

// Hub is the single authority over the synchronizer state. Every mutation of
// the registry, membership, presence, locks and versions happens under mu, and
// events are enqueued before mu is released so each board observes them in
// mutation order.
type Hub struct {
	mu sync.Mutex

	registry    *Registry
	membership  *Membership
	presence    *Presence
	locks       *LockManager
	versions    *VersionStore
	fanout      *Fanout
	checkpoints *Checkpointer
	mirrors     *Checkpointer

	backend      VersionBackend
	presenceSink PresenceSink
	journal      EditJournal

	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	sendBuffer    int
	awayAfter     time.Duration
	sweepInterval time.Duration
}

// EditRequest is a field edit submitted by a connection.
type EditRequest struct {
	ConnectionID ConnectionID
	BoardID      BoardID
	Entity       EntityKey
	BaseVersion  int64
	Payload      EditPayload
}

// MoveRequest moves a card between columns. A nil BaseVersion moves against
// the current version.
type MoveRequest struct {
	ConnectionID ConnectionID
	BoardID      BoardID
	CardID       CardID
	FromColumn   string
	ToColumn     string
	Position     int
	BaseVersion  *int64
}

// ResolveRequest carries a client's conflict resolution.
type ResolveRequest struct {
	ConnectionID    ConnectionID
	Entity          EntityKey
	Payload         EditPayload
	ResolvedVersion int64
}

// NewHub constructs a synchronizer with empty state.
func NewHub(cfg HubConfig) *Hub {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
		if cfg.AwayAfter > 0 && cfg.AwayAfter/2 < sweepInterval {
			sweepInterval = cfg.AwayAfter / 2
		}
	}

	h := &Hub{
		registry:      NewRegistry(),
		membership:    NewMembership(),
		presence:      NewPresence(),
		locks:         NewLockManager(),
		versions:      NewVersionStore(),
		checkpoints:   NewCheckpointer(cfg.CheckpointQueue, logger),
		mirrors:       NewCheckpointer(cfg.CheckpointQueue, logger),
		backend:       cfg.Backend,
		presenceSink:  cfg.PresenceSink,
		journal:       cfg.Journal,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		sendBuffer:    cfg.SendBuffer,
		awayAfter:     cfg.AwayAfter,
		sweepInterval: sweepInterval,
	}
	h.fanout = NewFanout(h.registry, h.membership, clock, logger, h.evict)
	return h
}

// Run drives the checkpoint workers and the idle sweep until ctx is done.
// Presence mirroring has its own queue so churn never crowds out durable edits.
func (h *Hub) Run(ctx context.Context) {
	var workers sync.WaitGroup
	for _, worker := range []*Checkpointer{h.checkpoints, h.mirrors} {
		workers.Add(1)
		go func(worker *Checkpointer) {
			defer workers.Done()
			worker.Run(ctx)
		}(worker)
	}

	var tick <-chan time.Time
	if h.awayAfter > 0 {
		ticker := time.NewTicker(h.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			workers.Wait()
			return
		case <-tick:
			h.SweepIdle()
		}
	}
}

// NextConnectionID issues a fresh connection identifier.
func (h *Hub) NextConnectionID() (ConnectionID, error) {
	raw, err := h.idProvider.NewID()
	if err != nil {
		return "", newServiceError(opRegister, "id_generation_failed", err)
	}
	return NewConnectionID(raw)
}

// Register adds a connection and returns the outbox its transport drains.
func (h *Hub) Register(connID ConnectionID, session Session) (*Outbox, error) {
	if connID == "" {
		return nil, newServiceError(opRegister, "invalid_connection", ErrInvalidConnectionID)
	}
	if session.UserID == "" {
		return nil, newServiceError(opRegister, "invalid_user", ErrInvalidUserID)
	}
	outbox := NewOutbox(h.sendBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.registry.add(connID, session, outbox, h.now()); err != nil {
		h.logError(opRegister, "duplicate_connection", err, zap.String("connection_id", connID.String()))
		return nil, newServiceError(opRegister, "duplicate_connection", err)
	}
	h.logger.Debug("connection registered",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", session.UserID.String()))
	return outbox, nil
}

// UpdateSession changes the display attributes of a connection and announces
// them on every joined board.
func (h *Hub) UpdateSession(connID ConnectionID, update SessionUpdate) (MemberInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := h.registry.update(connID, update)
	if err != nil {
		return MemberInfo{}, newServiceError(opUpdateSession, "unknown_connection", err)
	}
	now := h.now()
	for _, boardID := range h.membership.BoardsOf(connID) {
		h.fanout.Publish(boardID, EventMemberUpdated, conn.member())
		h.setPresenceLocked(boardID, conn.session, h.aggregateStatusLocked(conn.session.UserID, boardID), now, false)
	}
	return conn.member(), nil
}

// Unregister tears a connection down: locks, typing, memberships and presence
// are cleaned up in that order and the outbox is closed. It reports false when
// the connection was already gone, so every transport exit path may call it.
func (h *Hub) Unregister(connID ConnectionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.remove(connID)
	if !ok {
		return false
	}
	now := h.now()
	released := h.releaseLocksLocked(conn, "", LockReleaseDisconnect)
	h.stopTypingLocked(conn)
	boards := h.membership.BoardsOf(connID)
	for _, boardID := range boards {
		h.leaveLocked(conn, boardID, LockReleaseDisconnect, now)
	}
	conn.outbox.Close()
	h.logger.Debug("connection unregistered",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", conn.session.UserID.String()),
		zap.Int("released_locks", released),
		zap.Int("boards", len(boards)))
	return true
}

func (h *Hub) evict(connID ConnectionID) {
	go h.Unregister(connID)
}

// Join subscribes the connection to a board and returns the board's members.
// Joining twice is harmless; the joiner always receives a board:snapshot.
func (h *Hub) Join(connID ConnectionID, boardID BoardID) ([]MemberInfo, error) {
	return h.join(connID, boardID, "")
}

func (h *Hub) join(connID ConnectionID, boardID BoardID, requestID string) ([]MemberInfo, error) {
	if boardID == "" {
		return nil, newServiceError(opJoin, "invalid_board", ErrInvalidBoardID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return nil, newServiceError(opJoin, "unknown_connection", ErrUnknownConnection)
	}
	now := h.now()
	h.touchLocked(conn, now)
	if h.membership.add(connID, boardID) {
		h.fanout.Publish(boardID, EventMemberJoined, conn.member(), ExcludeConnection(connID))
		h.setPresenceLocked(boardID, conn.session, h.aggregateStatusLocked(conn.session.UserID, boardID), now, false)
	}
	members := h.membersLocked(boardID)
	h.fanout.SendTo(connID, boardID, EventBoardSnapshot, BoardSnapshot{
		BoardID:      boardID,
		ConnectionID: connID,
		Members:      members,
		Presence:     h.presence.Board(boardID),
		Locks:        h.locks.BoardLocks(boardID),
	}, WithRequestID(requestID))
	return members, nil
}

// Leave unsubscribes the connection from a board, releasing the locks it took
// from that board. Leaving a board that was never joined is a no-op.
func (h *Hub) Leave(connID ConnectionID, boardID BoardID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return newServiceError(opLeave, "unknown_connection", ErrUnknownConnection)
	}
	h.leaveLocked(conn, boardID, LockReleaseLeft, h.now())
	return nil
}

func (h *Hub) leaveLocked(conn *connection, boardID BoardID, reason string, now time.Time) bool {
	if !h.membership.IsMember(conn.id, boardID) {
		return false
	}
	h.releaseLocksLocked(conn, boardID, reason)
	if conn.typing != nil && conn.typing.BoardID == boardID {
		h.stopTypingLocked(conn)
	}
	if conn.cursor != nil && conn.cursor.BoardID == boardID {
		conn.cursor = nil
	}
	h.membership.remove(conn.id, boardID)
	h.fanout.Publish(boardID, EventMemberLeft, MemberLeft{ConnectionID: conn.id, UserID: conn.session.UserID})
	h.setPresenceLocked(boardID, conn.session, h.aggregateStatusLocked(conn.session.UserID, boardID), now, false)
	return true
}

// SetStatus changes the user's status on every connection and announces it on
// every board the user is a member of.
func (h *Hub) SetStatus(userID UserID, status PresenceStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setStatusLocked(userID, status)
}

func (h *Hub) setStatusLocked(userID UserID, status PresenceStatus) error {
	conns := h.registry.forUser(userID)
	if len(conns) == 0 {
		return newServiceError(opSetStatus, "unknown_user", ErrUnknownConnection)
	}
	now := h.now()
	boards := make(map[BoardID]struct{})
	for _, conn := range conns {
		conn.status = status
		conn.autoAway = false
		conn.lastSeen = now
		conn.lastActivity = now
		for _, boardID := range h.membership.BoardsOf(conn.id) {
			boards[boardID] = struct{}{}
		}
	}
	ordered := make([]BoardID, 0, len(boards))
	for boardID := range boards {
		ordered = append(ordered, boardID)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, boardID := range ordered {
		h.setPresenceLocked(boardID, conns[0].session, status, now, true)
	}
	return nil
}

// MoveCursor records and relays a pointer position to the other board members.
func (h *Hub) MoveCursor(connID ConnectionID, cursor Cursor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, err := h.memberLocked(opMoveCursor, connID, cursor.BoardID)
	if err != nil {
		return err
	}
	h.touchLocked(conn, h.now())
	position := cursor
	conn.cursor = &position
	h.fanout.Publish(cursor.BoardID, EventCursorMoved, CursorMoved{
		ConnectionID: conn.id,
		UserID:       conn.session.UserID,
		X:            cursor.X,
		Y:            cursor.Y,
		ElementID:    cursor.ElementID,
	}, ExcludeConnection(conn.id))
	return nil
}

// StartTyping announces what the connection is typing into. Switching target
// stops the previous indicator first.
func (h *Hub) StartTyping(connID ConnectionID, target TypingTarget) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, boardID, err := h.editContextLocked(opTyping, connID, target.BoardID)
	if err != nil {
		return err
	}
	target.BoardID = boardID
	h.touchLocked(conn, h.now())
	if conn.typing != nil {
		if *conn.typing == target {
			return nil
		}
		h.stopTypingLocked(conn)
	}
	typing := target
	conn.typing = &typing
	h.fanout.Publish(target.BoardID, EventTypingStarted, TypingChanged{
		ConnectionID: conn.id,
		UserID:       conn.session.UserID,
		CardID:       target.CardID,
		CommentID:    target.CommentID,
	}, ExcludeConnection(conn.id))
	return nil
}

// StopTyping clears the connection's typing indicator.
func (h *Hub) StopTyping(connID ConnectionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return newServiceError(opTyping, "unknown_connection", ErrUnknownConnection)
	}
	h.touchLocked(conn, h.now())
	h.stopTypingLocked(conn)
	return nil
}

func (h *Hub) stopTypingLocked(conn *connection) {
	if conn.typing == nil {
		return
	}
	target := *conn.typing
	conn.typing = nil
	h.fanout.Publish(target.BoardID, EventTypingStopped, TypingChanged{
		ConnectionID: conn.id,
		UserID:       conn.session.UserID,
		CardID:       target.CardID,
		CommentID:    target.CommentID,
	}, ExcludeConnection(conn.id))
}

// RequestLock grants or denies the card lock. Grants are announced to the
// board; denials go to the requester only and name the holder. An empty
// boardID falls back to the single board the connection joined.
func (h *Hub) RequestLock(connID ConnectionID, boardID BoardID, cardID CardID) (LockDecision, error) {
	return h.requestLock(connID, boardID, cardID, "")
}

func (h *Hub) requestLock(connID ConnectionID, boardID BoardID, cardID CardID, requestID string) (LockDecision, error) {
	if cardID == "" {
		return LockDecision{}, newServiceError(opRequestLock, "invalid_card", ErrInvalidCardID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, boardID, err := h.editContextLocked(opRequestLock, connID, boardID)
	if err != nil {
		return LockDecision{}, err
	}
	now := h.now()
	h.touchLocked(conn, now)
	decision := h.locks.Request(boardID, cardID, conn.session, connID, now)
	switch {
	case !decision.Granted:
		h.fanout.SendTo(connID, boardID, EventLockDenied, LockDenied{CardID: cardID, Holder: decision.Lock}, WithRequestID(requestID))
	case decision.Renewed:
		h.fanout.SendTo(connID, decision.Lock.BoardID, EventLockGranted, decision.Lock, WithRequestID(requestID))
	default:
		h.broadcastLocked(boardID, EventLockGranted, decision.Lock, connID, requestID)
	}
	return decision, nil
}

// ReleaseLock frees a card held by the connection. Releasing a lock the
// connection does not hold reports false without error.
func (h *Hub) ReleaseLock(connID ConnectionID, cardID CardID) (bool, error) {
	return h.releaseLock(connID, cardID, "")
}

func (h *Hub) releaseLock(connID ConnectionID, cardID CardID, requestID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return false, newServiceError(opReleaseLock, "unknown_connection", ErrUnknownConnection)
	}
	h.touchLocked(conn, h.now())
	lock, released := h.locks.Release(cardID, connID)
	if !released {
		return false, nil
	}
	h.broadcastLocked(lock.BoardID, EventLockReleased, LockReleased{
		CardID:       lock.CardID,
		ConnectionID: conn.id,
		UserID:       conn.session.UserID,
		Reason:       LockReleaseExplicit,
	}, connID, requestID)
	return true, nil
}

func (h *Hub) releaseLocksLocked(conn *connection, boardID BoardID, reason string) int {
	released := h.locks.ReleaseAllFor(conn.id, boardID)
	for _, lock := range released {
		h.fanout.Publish(lock.BoardID, EventLockReleased, LockReleased{
			CardID:       lock.CardID,
			ConnectionID: conn.id,
			UserID:       conn.session.UserID,
			Reason:       reason,
		})
	}
	return len(released)
}

// SubmitEdit runs an edit through the version check. Accepted edits are
// announced as edit:applied, stale ones as conflict:detected; a card locked by
// another connection is answered with lock:denied and left untouched.
func (h *Hub) SubmitEdit(ctx context.Context, req EditRequest) (EditOutcome, error) {
	return h.submitEdit(ctx, req, "")
}

func (h *Hub) submitEdit(ctx context.Context, req EditRequest, requestID string) (EditOutcome, error) {
	if strings.TrimSpace(req.Payload.Field) == "" {
		return EditOutcome{}, newServiceError(opSubmitEdit, "invalid_field", ErrInvalidField)
	}
	if req.Entity.Type == "" || req.Entity.ID == "" {
		return EditOutcome{}, newServiceError(opSubmitEdit, "invalid_entity", ErrInvalidEntity)
	}
	if err := h.ensureVersion(ctx, req.Entity); err != nil {
		return EditOutcome{}, newServiceError(opSubmitEdit, "version_unavailable", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, boardID, err := h.editContextLocked(opSubmitEdit, req.ConnectionID, req.BoardID)
	if err != nil {
		return EditOutcome{}, err
	}
	return h.applyEditLocked(conn, boardID, req.Entity, req.BaseVersion, req.Payload, requestID, announceEdit), nil
}

// MoveCard is a card edit of the position field announced as card:moved.
func (h *Hub) MoveCard(ctx context.Context, req MoveRequest) (EditOutcome, error) {
	return h.moveCard(ctx, req, "")
}

func (h *Hub) moveCard(ctx context.Context, req MoveRequest, requestID string) (EditOutcome, error) {
	if req.CardID == "" {
		return EditOutcome{}, newServiceError(opMoveCard, "invalid_card", ErrInvalidCardID)
	}
	if strings.TrimSpace(req.ToColumn) == "" {
		return EditOutcome{}, newServiceError(opMoveCard, "invalid_column", fmt.Errorf("%w: toColumn is empty", ErrInvalidField))
	}
	position := cardPosition{FromColumn: req.FromColumn, ToColumn: req.ToColumn, Position: req.Position}
	value, err := json.Marshal(position)
	if err != nil {
		return EditOutcome{}, newServiceError(opMoveCard, "encode_failed", err)
	}
	entity := CardKey(req.CardID)
	if err := h.ensureVersion(ctx, entity); err != nil {
		return EditOutcome{}, newServiceError(opMoveCard, "version_unavailable", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, boardID, err := h.editContextLocked(opMoveCard, req.ConnectionID, req.BoardID)
	if err != nil {
		return EditOutcome{}, err
	}
	base := h.versions.Version(entity)
	if req.BaseVersion != nil {
		base = *req.BaseVersion
	}
	announce := func(edit AcceptedEdit) (string, any) {
		return EventCardMoved, CardMoved{
			CardID:       req.CardID,
			FromColumn:   position.FromColumn,
			ToColumn:     position.ToColumn,
			Position:     position.Position,
			NewVersion:   edit.Version,
			UserID:       edit.UserID,
			ConnectionID: edit.ConnectionID,
		}
	}
	payload := EditPayload{Field: cardPositionField, Value: value}
	return h.applyEditLocked(conn, boardID, entity, base, payload, requestID, announce), nil
}

func announceEdit(edit AcceptedEdit) (string, any) {
	return EventEditApplied, EditApplied{
		EntityType:      edit.Entity.Type,
		EntityID:        edit.Entity.ID,
		Field:           edit.Payload.Field,
		Value:           edit.Payload.Value,
		NewVersion:      edit.Version,
		PreviousVersion: edit.PreviousVersion,
		UserID:          edit.UserID,
		ConnectionID:    edit.ConnectionID,
	}
}

func (h *Hub) applyEditLocked(conn *connection, boardID BoardID, entity EntityKey, base int64, payload EditPayload, requestID string, announce func(AcceptedEdit) (string, any)) EditOutcome {
	now := h.now()
	h.touchLocked(conn, now)

	if entity.Type == EntityTypeCard {
		if lock, held := h.locks.Holder(CardID(entity.ID)); held && lock.HolderConnectionID != conn.id {
			h.fanout.SendTo(conn.id, boardID, EventLockDenied, LockDenied{CardID: lock.CardID, Holder: lock}, WithRequestID(requestID))
			current := h.versions.Version(entity)
			return EditOutcome{PreviousVersion: current, NewVersion: current, LockedBy: &lock}
		}
	}

	outcome := h.versions.Submit(EditSubmission{
		Entity:       entity,
		BoardID:      boardID,
		BaseVersion:  base,
		Payload:      payload,
		UserID:       conn.session.UserID,
		ConnectionID: conn.id,
	}, now)

	if !outcome.Accepted {
		h.logger.Info("edit conflict detected",
			zap.String("connection_id", conn.id.String()),
			zap.String("board_id", boardID.String()),
			zap.String("entity", entity.String()),
			zap.Int64("base_version", base),
			zap.Int64("current_version", outcome.NewVersion))
		h.broadcastLocked(boardID, EventConflictDetected, ConflictDetected{
			EntityType:        entity.Type,
			EntityID:          entity.ID,
			CurrentVersion:    outcome.NewVersion,
			CompetingVersions: outcome.Conflict.Snapshots,
			DetectedAt:        outcome.Conflict.DetectedAt,
		}, conn.id, requestID)
		return outcome
	}

	edit := AcceptedEdit{
		Entity:          entity,
		BoardID:         boardID,
		PreviousVersion: outcome.PreviousVersion,
		Version:         outcome.NewVersion,
		Payload:         payload,
		UserID:          conn.session.UserID,
		ConnectionID:    conn.id,
		AppliedAt:       now,
	}
	event, data := announce(edit)
	h.broadcastLocked(boardID, event, data, conn.id, requestID)
	h.checkpointEditLocked(edit)
	return outcome
}

// Resolve clears an open conflict and broadcasts the resolution to every board
// that saw the conflict. A resolution without an open conflict reports false.
func (h *Hub) Resolve(ctx context.Context, req ResolveRequest) (AppliedResolution, bool, error) {
	if req.Entity.Type == "" || req.Entity.ID == "" {
		return AppliedResolution{}, false, newServiceError(opResolve, "invalid_entity", ErrInvalidEntity)
	}
	if err := h.ensureVersion(ctx, req.Entity); err != nil {
		return AppliedResolution{}, false, newServiceError(opResolve, "version_unavailable", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(req.ConnectionID)
	if !ok {
		return AppliedResolution{}, false, newServiceError(opResolve, "unknown_connection", ErrUnknownConnection)
	}
	now := h.now()
	h.touchLocked(conn, now)
	applied, ok := h.versions.Resolve(ResolutionSubmission{
		Entity:          req.Entity,
		ResolvedVersion: req.ResolvedVersion,
		Payload:         req.Payload,
		UserID:          conn.session.UserID,
		ConnectionID:    conn.id,
	}, now)
	if !ok {
		h.logger.Debug("resolution ignored without open conflict",
			zap.String("connection_id", conn.id.String()),
			zap.String("entity", req.Entity.String()))
		return AppliedResolution{}, false, nil
	}

	resolved := ConflictResolved{
		EntityType:      applied.Entity.Type,
		EntityID:        applied.Entity.ID,
		Version:         applied.Version,
		PreviousVersion: applied.PreviousVersion,
		Field:           applied.Payload.Field,
		Value:           applied.Payload.Value,
		ResolvedBy:      applied.ResolvedBy,
	}
	for _, boardID := range applied.Boards {
		h.fanout.Publish(boardID, EventConflictResolved, resolved)
	}
	h.checkpointResolutionLocked(applied)
	return applied, true, nil
}

// Touch records inbound activity and lifts an automatic away status.
func (h *Hub) Touch(connID ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.registry.get(connID); ok {
		h.touchLocked(conn, h.now())
	}
}

// Ping answers a liveness probe.
func (h *Hub) Ping(connID ConnectionID) error {
	return h.ping(connID, "")
}

func (h *Hub) ping(connID ConnectionID, requestID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return newServiceError(opHandleFrame, "unknown_connection", ErrUnknownConnection)
	}
	now := h.now()
	h.touchLocked(conn, now)
	h.fanout.SendTo(connID, "", EventPong, Pong{ServerTime: now}, WithRequestID(requestID))
	return nil
}

// SweepIdle marks connections idle for longer than the away threshold as away
// and returns how many changed.
func (h *Hub) SweepIdle() int {
	if h.awayAfter <= 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	changed := 0
	for _, conn := range h.registry.all() {
		if conn.status != PresenceOnline || now.Sub(conn.lastActivity) < h.awayAfter {
			continue
		}
		conn.status = PresenceAway
		conn.autoAway = true
		changed++
		for _, boardID := range h.membership.BoardsOf(conn.id) {
			h.setPresenceLocked(boardID, conn.session, h.aggregateStatusLocked(conn.session.UserID, boardID), now, false)
		}
	}
	return changed
}

// BoardPresence returns every known user of a board with their status.
func (h *Hub) BoardPresence(boardID BoardID) []PresenceRecord {
	return h.presence.Board(boardID)
}

// BoardLocks returns the locks taken from a board.
func (h *Hub) BoardLocks(boardID BoardID) []CardLock {
	return h.locks.BoardLocks(boardID)
}

// BoardMembers returns the connections currently joined to a board.
func (h *Hub) BoardMembers(boardID BoardID) []MemberInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.membersLocked(boardID)
}

// LockHolder returns the lock on a card.
func (h *Hub) LockHolder(cardID CardID) (CardLock, bool) {
	return h.locks.Holder(cardID)
}

// EntityVersion returns the current version of an entity, consulting the
// backend on a cache miss.
func (h *Hub) EntityVersion(ctx context.Context, entity EntityKey) (int64, error) {
	if err := h.ensureVersion(ctx, entity); err != nil {
		return 0, newServiceError(opEntityVersion, "version_unavailable", err)
	}
	return h.versions.Version(entity), nil
}

// Conflict returns the open conflict record of an entity.
func (h *Hub) Conflict(entity EntityKey) (ConflictRecord, bool) {
	return h.versions.Conflict(entity)
}

// Connection returns a snapshot of a registered connection.
func (h *Hub) Connection(connID ConnectionID) (ConnectionInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return ConnectionInfo{}, false
	}
	info := ConnectionInfo{
		ID:          conn.id,
		Session:     conn.session,
		Status:      conn.status,
		LastSeen:    conn.lastSeen,
		Boards:      h.membership.BoardsOf(connID),
		LockedCards: h.locks.HeldBy(connID),
	}
	if conn.cursor != nil {
		cursor := *conn.cursor
		info.Cursor = &cursor
	}
	if conn.typing != nil {
		typing := *conn.typing
		info.Typing = &typing
	}
	return info, true
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	return h.registry.Count()
}

// PendingCheckpoints returns the number of queued persistence and mirror jobs.
func (h *Hub) PendingCheckpoints() int {
	return h.checkpoints.Pending() + h.mirrors.Pending()
}

func (h *Hub) broadcastLocked(boardID BoardID, event string, payload any, sender ConnectionID, requestID string) {
	h.fanout.Publish(boardID, event, payload, ExcludeConnection(sender))
	h.fanout.SendTo(sender, boardID, event, payload, WithRequestID(requestID))
}

func (h *Hub) memberLocked(operation string, connID ConnectionID, boardID BoardID) (*connection, error) {
	conn, ok := h.registry.get(connID)
	if !ok {
		return nil, newServiceError(operation, "unknown_connection", ErrUnknownConnection)
	}
	if boardID == "" {
		return nil, newServiceError(operation, "invalid_board", ErrInvalidBoardID)
	}
	if !h.membership.IsMember(connID, boardID) {
		return nil, newServiceError(operation, "not_member", fmt.Errorf("%w: %s", ErrNotMember, boardID))
	}
	return conn, nil
}

func (h *Hub) editContextLocked(operation string, connID ConnectionID, boardID BoardID) (*connection, BoardID, error) {
	if boardID == "" {
		boards := h.membership.BoardsOf(connID)
		if len(boards) != 1 {
			if _, ok := h.registry.get(connID); !ok {
				return nil, "", newServiceError(operation, "unknown_connection", ErrUnknownConnection)
			}
			return nil, "", newServiceError(operation, "board_required", ErrBoardRequired)
		}
		boardID = boards[0]
	}
	conn, err := h.memberLocked(operation, connID, boardID)
	if err != nil {
		return nil, "", err
	}
	return conn, boardID, nil
}

func (h *Hub) membersLocked(boardID BoardID) []MemberInfo {
	connIDs := h.membership.Members(boardID)
	members := make([]MemberInfo, 0, len(connIDs))
	for _, connID := range connIDs {
		if conn, ok := h.registry.get(connID); ok {
			members = append(members, conn.member())
		}
	}
	return members
}

func (h *Hub) touchLocked(conn *connection, now time.Time) {
	conn.lastActivity = now
	conn.lastSeen = now
	if !conn.autoAway {
		return
	}
	conn.autoAway = false
	conn.status = PresenceOnline
	for _, boardID := range h.membership.BoardsOf(conn.id) {
		h.setPresenceLocked(boardID, conn.session, h.aggregateStatusLocked(conn.session.UserID, boardID), now, false)
	}
}

// aggregateStatusLocked derives a user's status on a board from the user's
// connections joined to it: online beats away, no connection means offline.
func (h *Hub) aggregateStatusLocked(userID UserID, boardID BoardID) PresenceStatus {
	status := PresenceOffline
	for _, conn := range h.registry.forUser(userID) {
		if !h.membership.IsMember(conn.id, boardID) {
			continue
		}
		switch conn.status {
		case PresenceOnline:
			return PresenceOnline
		case PresenceAway:
			status = PresenceAway
		}
	}
	return status
}

// setPresenceLocked stores the record and announces it when the status moved.
// Explicit status updates pass force so the refreshed last-seen reaches peers.
func (h *Hub) setPresenceLocked(boardID BoardID, session Session, status PresenceStatus, now time.Time, force bool) {
	record, changed := h.presence.set(boardID, session, status, now)
	if changed || force {
		h.fanout.Publish(boardID, EventPresenceChanged, record)
	}
	if h.presenceSink == nil {
		return
	}
	sink := h.presenceSink
	h.mirrors.Enqueue("presence.mirror", func(ctx context.Context) error {
		return sink.PresenceChanged(ctx, boardID, record)
	}, zap.String("board_id", boardID.String()), zap.String("user_id", record.UserID.String()))
}

func (h *Hub) checkpointEditLocked(edit AcceptedEdit) {
	fields := []zap.Field{zap.String("entity", edit.Entity.String()), zap.Int64("version", edit.Version)}
	if h.backend != nil {
		backend := h.backend
		h.checkpoints.Enqueue("edit.persist", func(ctx context.Context) error {
			return backend.PersistEdit(ctx, edit)
		}, fields...)
	}
	if h.journal != nil {
		journal := h.journal
		h.checkpoints.Enqueue("edit.journal", func(ctx context.Context) error {
			return journal.EditAccepted(ctx, edit)
		}, fields...)
	}
}

func (h *Hub) checkpointResolutionLocked(resolution AppliedResolution) {
	fields := []zap.Field{zap.String("entity", resolution.Entity.String()), zap.Int64("version", resolution.Version)}
	if h.backend != nil {
		backend := h.backend
		h.checkpoints.Enqueue("resolution.persist", func(ctx context.Context) error {
			return backend.PersistResolution(ctx, resolution)
		}, fields...)
	}
	if h.journal != nil {
		journal := h.journal
		h.checkpoints.Enqueue("resolution.journal", func(ctx context.Context) error {
			return journal.ConflictResolved(ctx, resolution)
		}, fields...)
	}
}

// ensureVersion seeds the cache from the backend before the caller enters the
// critical section. Seed re-checks the cache, so a concurrent edit that
// populated it first wins.
func (h *Hub) ensureVersion(ctx context.Context, entity EntityKey) error {
	if h.backend == nil || h.versions.Cached(entity) {
		return nil
	}
	version, found, err := h.backend.LoadVersion(ctx, entity)
	if err != nil {
		h.logger.Warn("load entity version failed",
			zap.String("entity", entity.String()),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrVersionUnavailable, err)
	}
	if !found {
		version = initialVersion
	}
	h.versions.Seed(entity, version)
	return nil
}

func (h *Hub) now() time.Time {
	return h.clock().UTC()
}

func (h *Hub) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("collab hub error", attrs...)
}
