package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCheckpointerRunsJobsInOrder(t *testing.T) {
	checkpoints := NewCheckpointer(8, nil)
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		index := i
		checkpoints.Enqueue("job", func(context.Context) error {
			mu.Lock()
			order = append(order, index)
			finished := len(order) == 3
			mu.Unlock()
			if finished {
				close(done)
			}
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checkpoints.Run(ctx)
	waitForSignal(t, done, "checkpoint jobs")

	mu.Lock()
	defer mu.Unlock()
	for i, value := range order {
		if value != i {
			t.Fatalf("expected submission order, got %v", order)
		}
	}
}

func TestCheckpointerDropsWhenFullAndLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	checkpoints := NewCheckpointer(1, zap.New(core))

	if !checkpoints.Enqueue("first", func(context.Context) error { return errors.New("disk full") }) {
		t.Fatalf("expected first job to be queued")
	}
	if checkpoints.Enqueue("second", func(context.Context) error { return nil }) {
		t.Fatalf("expected second job to be dropped")
	}
	if logs.FilterMessage("checkpoint queue full, dropping job").Len() != 1 {
		t.Fatalf("expected drop warning")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checkpoints.Run(ctx)

	if checkpoints.Pending() != 0 {
		t.Fatalf("expected queue flushed on shutdown, %d pending", checkpoints.Pending())
	}
	if logs.FilterMessage("checkpoint job failed").Len() != 1 {
		t.Fatalf("expected failure log for first job")
	}
}
