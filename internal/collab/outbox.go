package collab

import "sync"

const defaultOutboxSize = 64

// Outbox is the bounded outbound frame queue of one connection. The transport
// drains Frames; the fanout offers frames without ever blocking.
type Outbox struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
}

// NewOutbox returns an outbox holding at most size undelivered frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &Outbox{frames: make(chan []byte, size)}
}

// Frames exposes the queue to the transport writer. The channel is closed
// once the connection is torn down or evicted.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// offer enqueues a frame and reports false when the queue is full or closed.
func (o *Outbox) offer(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.frames <- frame:
		return true
	default:
		return false
	}
}

// Close stops the outbox. Calling it more than once is safe.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.frames)
}

// Closed reports whether the outbox no longer accepts frames.
func (o *Outbox) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
