package collab

import (
	"testing"
	"time"
)

func newFanoutFixture(t *testing.T, onOverflow func(ConnectionID)) (*Fanout, *Registry, *Membership) {
	t.Helper()
	registry := NewRegistry()
	membership := NewMembership()
	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return NewFanout(registry, membership, clock, nil, onOverflow), registry, membership
}

func addMember(t *testing.T, registry *Registry, membership *Membership, connID ConnectionID, boardID BoardID, outboxSize int) *Outbox {
	t.Helper()
	outbox := NewOutbox(outboxSize)
	if _, err := registry.add(connID, Session{UserID: UserID(connID)}, outbox, time.Now().UTC()); err != nil {
		t.Fatalf("add connection: %v", err)
	}
	membership.add(connID, boardID)
	return outbox
}

func TestFanoutPublishScopesToBoardMembers(t *testing.T) {
	fanout, registry, membership := newFanoutFixture(t, nil)
	sender := addMember(t, registry, membership, "conn-a", "b1", 8)
	peer := addMember(t, registry, membership, "conn-b", "b1", 8)
	outsider := addMember(t, registry, membership, "conn-c", "b2", 8)

	delivered := fanout.Publish("b1", EventCursorMoved, map[string]int{"x": 1}, ExcludeConnection("conn-a"))
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}
	if frames := drainFrames(t, sender); len(frames) != 0 {
		t.Fatalf("expected sender to be excluded, got %v", eventsOf(frames))
	}
	if frames := drainFrames(t, outsider); len(frames) != 0 {
		t.Fatalf("expected other board to be untouched, got %v", eventsOf(frames))
	}
	frames := drainFrames(t, peer)
	if len(frames) != 1 || frames[0].Event != EventCursorMoved || frames[0].BoardID != "b1" {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestFanoutPreservesPublishOrder(t *testing.T) {
	fanout, registry, membership := newFanoutFixture(t, nil)
	outbox := addMember(t, registry, membership, "conn-a", "b1", 8)

	fanout.Publish("b1", EventLockGranted, nil)
	fanout.Publish("b1", EventLockReleased, nil)
	fanout.Publish("b1", EventLockGranted, nil)

	got := eventsOf(drainFrames(t, outbox))
	want := []string{EventLockGranted, EventLockReleased, EventLockGranted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFanoutEvictsSlowConsumerWithoutBlocking(t *testing.T) {
	evicted := make(chan ConnectionID, 1)
	fanout, registry, membership := newFanoutFixture(t, func(connID ConnectionID) { evicted <- connID })
	slow := addMember(t, registry, membership, "conn-slow", "b1", 1)
	fast := addMember(t, registry, membership, "conn-fast", "b1", 8)

	fanout.Publish("b1", EventCursorMoved, nil)
	fanout.Publish("b1", EventCursorMoved, nil)

	select {
	case connID := <-evicted:
		if connID != "conn-slow" {
			t.Fatalf("expected slow connection evicted, got %s", connID)
		}
	default:
		t.Fatalf("expected overflow callback")
	}
	if !slow.Closed() {
		t.Fatalf("expected slow outbox to be closed")
	}
	if frames := drainFrames(t, fast); len(frames) != 2 {
		t.Fatalf("expected fast consumer to receive both frames, got %d", len(frames))
	}
}

func TestFanoutSendToTargetsOneConnection(t *testing.T) {
	fanout, registry, membership := newFanoutFixture(t, nil)
	target := addMember(t, registry, membership, "conn-a", "b1", 8)
	other := addMember(t, registry, membership, "conn-b", "b1", 8)

	if !fanout.SendTo("conn-a", "b1", EventPong, Pong{}, WithRequestID("req-1")) {
		t.Fatalf("expected direct send to succeed")
	}
	frames := drainFrames(t, target)
	if len(frames) != 1 || frames[0].RequestID != "req-1" {
		t.Fatalf("unexpected frames %+v", frames)
	}
	if len(drainFrames(t, other)) != 0 {
		t.Fatalf("expected no frames for other connection")
	}
	if fanout.SendTo("missing", "b1", EventPong, Pong{}) {
		t.Fatalf("expected send to unknown connection to fail")
	}
}
