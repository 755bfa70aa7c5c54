package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type receivedFrame struct {
	Event     string          `json:"event"`
	BoardID   BoardID         `json:"boardId"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"ts"`
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func newTestHub(t *testing.T, cfg HubConfig) (*Hub, *stepClock) {
	t.Helper()
	clock := newStepClock()
	if cfg.Clock == nil {
		cfg.Clock = clock.Now
	}
	return NewHub(cfg), clock
}

func mustRegister(t *testing.T, hub *Hub, connID, userID string) *Outbox {
	t.Helper()
	outbox, err := hub.Register(ConnectionID(connID), Session{UserID: UserID(userID), DisplayName: "User " + userID})
	if err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	return outbox
}

func mustJoin(t *testing.T, hub *Hub, connID, boardID string) []MemberInfo {
	t.Helper()
	members, err := hub.Join(ConnectionID(connID), BoardID(boardID))
	if err != nil {
		t.Fatalf("join %s to %s: %v", connID, boardID, err)
	}
	return members
}

func drainFrames(t *testing.T, outbox *Outbox) []receivedFrame {
	t.Helper()
	var frames []receivedFrame
	for {
		select {
		case raw, ok := <-outbox.Frames():
			if !ok {
				return frames
			}
			var frame receivedFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("decode frame %s: %v", raw, err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func eventsOf(frames []receivedFrame) []string {
	events := make([]string, 0, len(frames))
	for _, frame := range frames {
		events = append(events, frame.Event)
	}
	return events
}

func framesWithEvent(frames []receivedFrame, event string) []receivedFrame {
	var out []receivedFrame
	for _, frame := range frames {
		if frame.Event == event {
			out = append(out, frame)
		}
	}
	return out
}

func decodeFrameData(t *testing.T, frame receivedFrame, target any) {
	t.Helper()
	if err := json.Unmarshal(frame.Data, target); err != nil {
		t.Fatalf("decode %s data %s: %v", frame.Event, frame.Data, err)
	}
}

type recordingBackend struct {
	mu          sync.Mutex
	versions    map[EntityKey]int64
	loadErr     error
	loads       int
	edits       []AcceptedEdit
	resolutions []AppliedResolution
	persisted   chan struct{}
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{
		versions:  make(map[EntityKey]int64),
		persisted: make(chan struct{}, 16),
	}
}

func (b *recordingBackend) LoadVersion(_ context.Context, entity EntityKey) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	if b.loadErr != nil {
		return 0, false, b.loadErr
	}
	version, ok := b.versions[entity]
	return version, ok, nil
}

func (b *recordingBackend) PersistEdit(_ context.Context, edit AcceptedEdit) error {
	b.mu.Lock()
	b.edits = append(b.edits, edit)
	b.mu.Unlock()
	b.persisted <- struct{}{}
	return nil
}

func (b *recordingBackend) PersistResolution(_ context.Context, resolution AppliedResolution) error {
	b.mu.Lock()
	b.resolutions = append(b.resolutions, resolution)
	b.mu.Unlock()
	b.persisted <- struct{}{}
	return nil
}

func (b *recordingBackend) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

func (b *recordingBackend) recordedEdits() []AcceptedEdit {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AcceptedEdit(nil), b.edits...)
}

type countingSink struct {
	mu      sync.Mutex
	records []PresenceRecord
}

func (s *countingSink) PresenceChanged(_ context.Context, _ BoardID, record PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func waitForSignal(t *testing.T, signal <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
