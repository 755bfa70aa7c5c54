package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLockManagerGrantsAndDenies(t *testing.T) {
	manager := NewLockManager()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice := Session{UserID: "alice", DisplayName: "Alice"}
	bob := Session{UserID: "bob", DisplayName: "Bob"}

	first := manager.Request("b1", "c1", alice, "conn-a", now)
	if !first.Granted || first.Renewed {
		t.Fatalf("expected fresh grant, got %+v", first)
	}

	again := manager.Request("b1", "c1", alice, "conn-a", now.Add(time.Second))
	if !again.Granted || !again.Renewed {
		t.Fatalf("expected idempotent re-grant, got %+v", again)
	}
	if !again.Lock.AcquiredAt.Equal(now) {
		t.Fatalf("expected re-grant to keep the original acquisition time, got %s", again.Lock.AcquiredAt)
	}

	denied := manager.Request("b1", "c1", bob, "conn-b", now)
	if denied.Granted {
		t.Fatalf("expected denial for second requester")
	}
	if denied.Lock.HolderConnectionID != "conn-a" || denied.Lock.HolderDisplayName != "Alice" {
		t.Fatalf("expected denial to name the holder, got %+v", denied.Lock)
	}

	sameUserOtherTab := manager.Request("b1", "c1", alice, "conn-a2", now)
	if sameUserOtherTab.Granted {
		t.Fatalf("expected denial for the same user on another connection")
	}
}

func TestLockManagerReleaseOnlyByHolder(t *testing.T) {
	manager := NewLockManager()
	now := time.Now().UTC()
	manager.Request("b1", "c1", Session{UserID: "alice"}, "conn-a", now)

	if _, released := manager.Release("c1", "conn-b"); released {
		t.Fatalf("expected release by non-holder to be a no-op")
	}
	if _, held := manager.Holder("c1"); !held {
		t.Fatalf("expected lock to survive foreign release")
	}
	if _, released := manager.Release("c1", "conn-a"); !released {
		t.Fatalf("expected holder release to succeed")
	}
	if _, released := manager.Release("c1", "conn-a"); released {
		t.Fatalf("expected duplicate release to be a no-op")
	}
	if _, held := manager.Holder("c1"); held {
		t.Fatalf("expected card to be unlocked")
	}
	if cards := manager.HeldBy("conn-a"); len(cards) != 0 {
		t.Fatalf("expected no cards held, got %v", cards)
	}
}

func TestLockManagerReleaseAllForScopesByBoard(t *testing.T) {
	manager := NewLockManager()
	now := time.Now().UTC()
	session := Session{UserID: "alice"}
	manager.Request("b1", "c2", session, "conn-a", now)
	manager.Request("b1", "c1", session, "conn-a", now)
	manager.Request("b2", "c3", session, "conn-a", now)
	manager.Request("b1", "c4", Session{UserID: "bob"}, "conn-b", now)

	released := manager.ReleaseAllFor("conn-a", "b1")
	if len(released) != 2 || released[0].CardID != "c1" || released[1].CardID != "c2" {
		t.Fatalf("expected c1 and c2 released in order, got %+v", released)
	}
	if _, held := manager.Holder("c3"); !held {
		t.Fatalf("expected lock from another board to survive")
	}

	rest := manager.ReleaseAllFor("conn-a", "")
	if len(rest) != 1 || rest[0].CardID != "c3" {
		t.Fatalf("expected c3 released, got %+v", rest)
	}
	if again := manager.ReleaseAllFor("conn-a", ""); len(again) != 0 {
		t.Fatalf("expected second release to be empty, got %+v", again)
	}
	if locks := manager.BoardLocks("b1"); len(locks) != 1 || locks[0].CardID != "c4" {
		t.Fatalf("expected only bob's lock left on b1, got %+v", locks)
	}
}

func TestLockManagerMutualExclusionUnderContention(t *testing.T) {
	manager := NewLockManager()
	now := time.Now().UTC()
	const contenders = 64

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			connID := ConnectionID(fmt.Sprintf("conn-%d", index))
			decision := manager.Request("b1", "hot-card", Session{UserID: UserID(connID)}, connID, now)
			if decision.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != 1 {
		t.Fatalf("expected exactly one grant, got %d", granted)
	}
}
