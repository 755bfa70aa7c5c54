package collab

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Frame is the envelope of every outbound message.
type Frame struct {
	Event     string    `json:"event"`
	BoardID   BoardID   `json:"boardId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"ts"`
}

// PublishOption narrows or annotates a publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	exclude   ConnectionID
	requestID string
}

// ExcludeConnection skips the given connection, usually the sender.
func ExcludeConnection(connID ConnectionID) PublishOption {
	return func(opts *publishOptions) {
		opts.exclude = connID
	}
}

// WithRequestID echoes the client's request id on the frame.
func WithRequestID(requestID string) PublishOption {
	return func(opts *publishOptions) {
		opts.requestID = requestID
	}
}

// Fanout encodes events once and enqueues them on the outbox of each target
// connection. Delivery never blocks: a connection whose outbox is full is
// closed and handed to the overflow callback for teardown.
type Fanout struct {
	mu         sync.Mutex
	registry   *Registry
	membership *Membership
	clock      func() time.Time
	logger     *zap.Logger
	onOverflow func(ConnectionID)
}

// NewFanout wires a fanout to the registry and membership it delivers through.
func NewFanout(registry *Registry, membership *Membership, clock func() time.Time, logger *zap.Logger, onOverflow func(ConnectionID)) *Fanout {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if onOverflow == nil {
		onOverflow = func(ConnectionID) {}
	}
	return &Fanout{
		registry:   registry,
		membership: membership,
		clock:      clock,
		logger:     logger,
		onOverflow: onOverflow,
	}
}

// Publish delivers an event to every current member of the board and returns
// the number of connections that accepted it.
func (f *Fanout) Publish(boardID BoardID, event string, payload any, opts ...PublishOption) int {
	if boardID == "" || event == "" {
		return 0
	}
	options := publishOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	encoded, ok := f.encode(Frame{Event: event, BoardID: boardID, RequestID: options.requestID, Data: payload})
	if !ok {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for _, connID := range f.membership.Members(boardID) {
		if connID == options.exclude {
			continue
		}
		if f.deliverLocked(connID, event, encoded) {
			delivered++
		}
	}
	return delivered
}

// SendTo delivers an event to one connection only.
func (f *Fanout) SendTo(connID ConnectionID, boardID BoardID, event string, payload any, opts ...PublishOption) bool {
	options := publishOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	encoded, ok := f.encode(Frame{Event: event, BoardID: boardID, RequestID: options.requestID, Data: payload})
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliverLocked(connID, event, encoded)
}

func (f *Fanout) encode(frame Frame) ([]byte, bool) {
	frame.Timestamp = f.clock().UTC()
	encoded, err := json.Marshal(frame)
	if err != nil {
		f.logger.Error("encode frame failed",
			zap.String("event", frame.Event),
			zap.String("board_id", frame.BoardID.String()),
			zap.Error(err))
		return nil, false
	}
	return encoded, true
}

func (f *Fanout) deliverLocked(connID ConnectionID, event string, encoded []byte) bool {
	outbox := f.registry.outbox(connID)
	if outbox == nil || outbox.Closed() {
		return false
	}
	if outbox.offer(encoded) {
		return true
	}
	f.logger.Warn("outbound queue overflow, disconnecting",
		zap.String("connection_id", connID.String()),
		zap.String("event", event))
	outbox.Close()
	f.onOverflow(connID)
	return false
}
