package locktable

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	tbl := New()
	h, err := tbl.Acquire(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()
	h.Release() // idempotent

	h2, err := tbl.Acquire(context.Background(), "a", time.Second)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	h2.Release()
}

func TestAcquireMutualExclusion(t *testing.T) {
	tbl := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := tbl.Acquire(context.Background(), "shared", time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			h.Release()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent holder, saw %d", maxActive)
	}
}

func TestAcquireTimeout(t *testing.T) {
	tbl := New()
	h, err := tbl.Acquire(context.Background(), "x", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	_, err = tbl.Acquire(context.Background(), "x", 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	tbl := New()
	h, err := tbl.Acquire(context.Background(), "x", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = tbl.Acquire(ctx, "x", time.Minute)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}

func TestAcquireMultipleSortedOrderPreventsDeadlock(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		h, err := tbl.AcquireMultiple(context.Background(), []string{"b", "a"}, time.Second)
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(5 * time.Millisecond)
		h.Release()
		errs <- nil
	}()
	go func() {
		defer wg.Done()
		h, err := tbl.AcquireMultiple(context.Background(), []string{"a", "b"}, time.Second)
		if err != nil {
			errs <- err
			return
		}
		time.Sleep(5 * time.Millisecond)
		h.Release()
		errs <- nil
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected deadlock/timeout: %v", err)
		}
	}
}

func TestAcquireMultiplePartialFailureReleasesHeld(t *testing.T) {
	tbl := New()
	blocker, err := tbl.Acquire(context.Background(), "b", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = tbl.AcquireMultiple(context.Background(), []string{"a", "b"}, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure acquiring already-held id")
	}
	blocker.Release()

	// "a" must have been released when the multi-acquire unwound, so this
	// should succeed immediately.
	h, err := tbl.Acquire(context.Background(), "a", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("expected 'a' to be free after partial-failure rollback: %v", err)
	}
	h.Release()
}
