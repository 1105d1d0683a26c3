package updatequeue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEnqueueMergesByKindAndID(t *testing.T) {
	var mu sync.Mutex
	var batches [][]StateUpdate
	q := New(func(ctx context.Context, batch []StateUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
		return nil
	}, Options{BatchWindow: 24 * time.Hour, StorageDebounce: 20 * time.Millisecond})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(StateUpdate{ID: "a", Kind: "space", Payload: 1})
	q.Enqueue(StateUpdate{ID: "a", Kind: "space", Payload: 2})
	q.Enqueue(StateUpdate{ID: "b", Kind: "space", Payload: 3})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Fatalf("expected merge to collapse 'a' updates, got %d entries", len(batches[0]))
	}
	for _, u := range batches[0] {
		if u.ID == "a" && u.Payload != 2 {
			t.Errorf("expected latest payload for 'a' to win, got %v", u.Payload)
		}
	}
}

func TestCriticalPriorityFlushesImmediately(t *testing.T) {
	flushed := make(chan []StateUpdate, 1)
	q := New(func(ctx context.Context, batch []StateUpdate) error {
		flushed <- batch
		return nil
	}, Options{BatchWindow: 24 * time.Hour, StorageDebounce: 24 * time.Hour})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(StateUpdate{ID: "c", Kind: "space", Priority: PriorityCritical})

	select {
	case batch := <-flushed:
		if len(batch) != 1 {
			t.Fatalf("expected 1 update, got %d", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("critical update did not flush promptly")
	}
}

func TestStopFlushesPending(t *testing.T) {
	var mu sync.Mutex
	var count int
	q := New(func(ctx context.Context, batch []StateUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		count += len(batch)
		return nil
	}, Options{BatchWindow: 24 * time.Hour, StorageDebounce: 24 * time.Hour})
	q.Start(context.Background())

	q.Enqueue(StateUpdate{ID: "a", Kind: "space"})
	q.Enqueue(StateUpdate{ID: "b", Kind: "space"})

	if err := q.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected pending updates flushed on stop, got %d", count)
	}
}

func TestEvictionOverCapacityDropsOldest(t *testing.T) {
	var dropped []StateUpdate
	var mu sync.Mutex
	q := New(func(ctx context.Context, batch []StateUpdate) error {
		return nil
	}, Options{
		BatchWindow:     24 * time.Hour,
		StorageDebounce: 24 * time.Hour,
		MaxQueueSize:    2,
		OnDropped: func(u StateUpdate) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, u)
		},
	})
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(StateUpdate{ID: "a", Kind: "space"})
	q.Enqueue(StateUpdate{ID: "b", Kind: "space"})
	q.Enqueue(StateUpdate{ID: "c", Kind: "space"})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 {
		t.Fatalf("expected exactly one eviction, got %d", len(dropped))
	}
	if dropped[0].ID != "a" {
		t.Fatalf("expected oldest entry 'a' evicted, got %q", dropped[0].ID)
	}
}

func TestLenReflectsPendingCount(t *testing.T) {
	q := New(func(ctx context.Context, batch []StateUpdate) error { return nil },
		Options{BatchWindow: 24 * time.Hour, StorageDebounce: 24 * time.Hour})
	q.Enqueue(StateUpdate{ID: "a", Kind: "space"})
	q.Enqueue(StateUpdate{ID: "b", Kind: "space"})
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
}
