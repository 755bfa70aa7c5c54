package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// HandleFrame decodes one inbound frame and routes it to the matching hub
// operation. Rejected frames are answered with an error frame and returned so
// the transport can log them; the connection stays open unless the error wraps
// ErrInternal or ErrUnknownConnection.
func (h *Hub) HandleFrame(ctx context.Context, connID ConnectionID, raw []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			cause := fmt.Errorf("%w: %v", ErrInternal, recovered)
			h.logError(opHandleFrame, "panic", cause, zap.String("connection_id", connID.String()))
			h.evict(connID)
			err = newServiceError(opHandleFrame, "internal", cause)
		}
	}()

	var frame InboundFrame
	if decodeErr := json.Unmarshal(raw, &frame); decodeErr != nil {
		return h.rejectFrame(connID, "", "", newServiceError(opHandleFrame, "invalid_frame", fmt.Errorf("%w: %v", ErrInvalidFrame, decodeErr)))
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return h.rejectFrame(connID, "", frame.RequestID, newServiceError(opHandleFrame, "invalid_frame", fmt.Errorf("%w: missing event", ErrInvalidFrame)))
	}
	if dispatchErr := h.dispatch(ctx, connID, frame); dispatchErr != nil {
		return h.rejectFrame(connID, frame.Event, frame.RequestID, dispatchErr)
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, connID ConnectionID, frame InboundFrame) error {
	switch frame.Event {
	case EventBoardJoin:
		var req boardRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		boardID, err := NewBoardID(req.BoardID)
		if err != nil {
			return newServiceError(opJoin, "invalid_board", err)
		}
		_, err = h.join(connID, boardID, frame.RequestID)
		return err

	case EventBoardLeave:
		var req boardRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		boardID, err := NewBoardID(req.BoardID)
		if err != nil {
			return newServiceError(opLeave, "invalid_board", err)
		}
		return h.Leave(connID, boardID)

	case EventSessionUpdate:
		var req sessionUpdateRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		_, err := h.UpdateSession(connID, SessionUpdate{DisplayName: req.DisplayName, AvatarURL: req.AvatarURL})
		return err

	case EventPresenceUpdate:
		var req presenceUpdateRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		status, err := ParsePresenceStatus(req.Status)
		if err != nil {
			return newServiceError(opSetStatus, "invalid_status", err)
		}
		return h.setConnectionStatus(connID, status)

	case EventCursorMove:
		var req cursorMoveRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		if req.X == nil || req.Y == nil {
			return newServiceError(opMoveCursor, "invalid_frame", fmt.Errorf("%w: x and y are required", ErrInvalidFrame))
		}
		boardID, err := NewBoardID(req.BoardID)
		if err != nil {
			return newServiceError(opMoveCursor, "invalid_board", err)
		}
		return h.MoveCursor(connID, Cursor{BoardID: boardID, X: *req.X, Y: *req.Y, ElementID: req.ElementID})

	case EventLockRequest:
		var req lockRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		cardID, err := NewCardID(req.CardID)
		if err != nil {
			return newServiceError(opRequestLock, "invalid_card", err)
		}
		_, err = h.requestLock(connID, BoardID(strings.TrimSpace(req.BoardID)), cardID, frame.RequestID)
		return err

	case EventLockRelease:
		var req lockRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		cardID, err := NewCardID(req.CardID)
		if err != nil {
			return newServiceError(opReleaseLock, "invalid_card", err)
		}
		_, err = h.releaseLock(connID, cardID, frame.RequestID)
		return err

	case EventEditSubmit:
		var req editSubmitRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		entity, err := NewEntityKey(req.EntityType, req.EntityID)
		if err != nil {
			return newServiceError(opSubmitEdit, "invalid_entity", err)
		}
		if req.BaseVersion == nil {
			return newServiceError(opSubmitEdit, "invalid_frame", fmt.Errorf("%w: baseVersion is required", ErrInvalidFrame))
		}
		_, err = h.submitEdit(ctx, EditRequest{
			ConnectionID: connID,
			BoardID:      BoardID(strings.TrimSpace(req.BoardID)),
			Entity:       entity,
			BaseVersion:  *req.BaseVersion,
			Payload:      EditPayload{Field: strings.TrimSpace(req.Field), Value: req.Value},
		}, frame.RequestID)
		return err

	case EventCardMove:
		var req cardMoveRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		cardID, err := NewCardID(req.CardID)
		if err != nil {
			return newServiceError(opMoveCard, "invalid_card", err)
		}
		_, err = h.moveCard(ctx, MoveRequest{
			ConnectionID: connID,
			BoardID:      BoardID(strings.TrimSpace(req.BoardID)),
			CardID:       cardID,
			FromColumn:   strings.TrimSpace(req.FromColumn),
			ToColumn:     strings.TrimSpace(req.ToColumn),
			Position:     req.Position,
			BaseVersion:  req.BaseVersion,
		}, frame.RequestID)
		return err

	case EventTypingStart:
		var req typingRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		return h.StartTyping(connID, TypingTarget{
			BoardID:   BoardID(strings.TrimSpace(req.BoardID)),
			CardID:    strings.TrimSpace(req.CardID),
			CommentID: strings.TrimSpace(req.CommentID),
		})

	case EventTypingStop:
		return h.StopTyping(connID)

	case EventConflictResolve:
		var req conflictResolveRequest
		if err := decodeData(frame, &req); err != nil {
			return err
		}
		entity, err := NewEntityKey(req.EntityType, req.EntityID)
		if err != nil {
			return newServiceError(opResolve, "invalid_entity", err)
		}
		_, _, err = h.Resolve(ctx, ResolveRequest{
			ConnectionID:    connID,
			Entity:          entity,
			Payload:         req.ResolvedPayload,
			ResolvedVersion: req.ResolvedVersion,
		})
		return err

	case EventPing:
		return h.ping(connID, frame.RequestID)

	default:
		return newServiceError(opHandleFrame, "unknown_event", fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event))
	}
}

func (h *Hub) setConnectionStatus(connID ConnectionID, status PresenceStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.registry.get(connID)
	if !ok {
		return newServiceError(opSetStatus, "unknown_connection", ErrUnknownConnection)
	}
	return h.setStatusLocked(conn.session.UserID, status)
}

func decodeData(frame InboundFrame, target any) error {
	if len(frame.Data) == 0 {
		return newServiceError(opHandleFrame, "invalid_frame", fmt.Errorf("%w: %s without data", ErrInvalidFrame, frame.Event))
	}
	if err := json.Unmarshal(frame.Data, target); err != nil {
		return newServiceError(opHandleFrame, "invalid_frame", fmt.Errorf("%w: %v", ErrInvalidFrame, err))
	}
	return nil
}

func (h *Hub) rejectFrame(connID ConnectionID, event, requestID string, err error) error {
	code := ErrorCode(err, opHandleFrame+".failed")
	h.logger.Warn("inbound frame rejected",
		zap.String("connection_id", connID.String()),
		zap.String("event", event),
		zap.String("code", code),
		zap.Error(err))
	if !errors.Is(err, ErrUnknownConnection) {
		h.fanout.SendTo(connID, "", EventError, ErrorReply{Code: code, Message: err.Error()}, WithRequestID(requestID))
	}
	return err
}
