package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMember is returned for board-scoped actions on a board the connection has not joined.
	ErrNotMember = errors.New("collab: connection is not a member of the board")
	// ErrBoardRequired is returned when an edit names no board and the connection joined zero or several.
	ErrBoardRequired = errors.New("collab: board id is required")
	// ErrInvalidFrame indicates an inbound frame that cannot be decoded.
	ErrInvalidFrame = errors.New("collab: invalid frame")
	// ErrUnknownEvent indicates an inbound event name the synchronizer does not handle.
	ErrUnknownEvent = errors.New("collab: unknown event")
	// ErrVersionUnavailable indicates the durable version of an entity could not be loaded.
	ErrVersionUnavailable = errors.New("collab: version unavailable")
	// ErrInternal indicates a failed invariant; the connection is disconnected.
	ErrInternal = errors.New("collab: internal error")
)

// ServiceError carries a stable "<operation>.<reason>" code next to its cause.
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
	opRegister      = "collab.register"
	opUpdateSession = "collab.update_session"
	opJoin          = "collab.join"
	opLeave         = "collab.leave"
	opSetStatus     = "collab.set_status"
	opMoveCursor    = "collab.move_cursor"
	opTyping        = "collab.typing"
	opRequestLock   = "collab.request_lock"
	opReleaseLock   = "collab.release_lock"
	opSubmitEdit    = "collab.submit_edit"
	opMoveCard      = "collab.move_card"
	opResolve       = "collab.resolve"
	opEntityVersion = "collab.entity_version"
	opHandleFrame   = "collab.handle_frame"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode returns the ServiceError code carried by err, or fallback.
func ErrorCode(err error, fallback string) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return fallback
}
