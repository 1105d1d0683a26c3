// Package updatequeue buffers state mutations so that bursts of browser
// events coalesce into a single durable write — spec.md §5.3. Updates to
// the same (Kind, ID) pair merge into the latest value instead of
// queueing separately; CRITICAL updates skip batching and flush
// immediately.
package updatequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Priority controls how urgently an update must reach durable storage.
type Priority int

const (
	// PriorityNormal updates batch and debounce like everything else.
	PriorityNormal Priority = iota
	// PriorityLow updates are batched and evicted exactly like
	// PriorityNormal ones: they are not dropped ahead of other
	// non-critical updates when MaxQueueSize is exceeded.
	PriorityLow
	// PriorityCritical updates (space close, rekey) bypass batching and
	// trigger an immediate flush.
	PriorityCritical
)

// StateUpdate is one pending mutation.
type StateUpdate struct {
	ID        string
	Kind      string
	Payload   any
	Timestamp int64
	Priority  Priority
}

func mergeKey(u StateUpdate) string { return u.Kind + "\x00" + u.ID }

// ApplyFunc commits a batch of updates to durable storage. It must be
// atomic: either the whole batch lands or none of it does, so the queue
// can safely drop the batch from memory once ApplyFunc returns nil.
type ApplyFunc func(ctx context.Context, batch []StateUpdate) error

// Queue is a priority- and identity-aware coalescing buffer in front of
// durable storage.
type Queue struct {
	mu      sync.Mutex
	pending map[string]StateUpdate
	order   []string // mergeKey insertion order, for stable batch ordering

	maxSize int

	batchWindow     time.Duration
	storageDebounce time.Duration

	apply ApplyFunc
	sf    singleflight.Group

	flush     chan struct{}
	debounce  *time.Timer
	debounceMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onDropped func(StateUpdate)
}

// Options configures a Queue.
type Options struct {
	BatchWindow     time.Duration
	StorageDebounce time.Duration
	MaxQueueSize    int
	// OnDropped, if set, is called (outside any lock) for every update
	// evicted to respect MaxQueueSize.
	OnDropped func(StateUpdate)
}

// New creates a Queue that commits batches via apply. Call Start to begin
// its background debounce loop and Stop to drain it on shutdown.
func New(apply ApplyFunc, opts Options) *Queue {
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 150 * time.Millisecond
	}
	if opts.StorageDebounce <= 0 {
		opts.StorageDebounce = 500 * time.Millisecond
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 1000
	}
	q := &Queue{
		pending:         make(map[string]StateUpdate),
		maxSize:         opts.MaxQueueSize,
		batchWindow:     opts.BatchWindow,
		storageDebounce: opts.StorageDebounce,
		apply:           apply,
		flush:           make(chan struct{}, 1),
		onDropped:       opts.OnDropped,
	}
	return q
}

// Start launches the queue's background flush loop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop()
}

// Stop flushes any pending updates and stops the background loop.
func (q *Queue) Stop() error {
	if q.cancel == nil {
		return nil
	}
	err := q.flushNow(context.Background())
	q.cancel()
	q.wg.Wait()
	return err
}

// Enqueue adds or merges u into the pending set. CRITICAL updates
// trigger an immediate (non-blocking) flush signal; everything else
// waits for the batch window or debounce timer.
func (q *Queue) Enqueue(u StateUpdate) {
	q.mu.Lock()
	key := mergeKey(u)
	if _, exists := q.pending[key]; !exists {
		q.order = append(q.order, key)
	}
	q.pending[key] = u
	q.evictIfOverCapacityLocked()
	critical := u.Priority == PriorityCritical
	q.mu.Unlock()

	if critical {
		select {
		case q.flush <- struct{}{}:
		default:
		}
		return
	}
	q.scheduleDebounce()
}

// evictIfOverCapacityLocked drops the oldest non-critical entries once
// the pending set exceeds maxSize. Must be called with q.mu held.
func (q *Queue) evictIfOverCapacityLocked() {
	for len(q.order) > q.maxSize {
		key := q.order[0]
		u, ok := q.pending[key]
		if !ok || u.Priority == PriorityCritical {
			// Critical updates are never evicted; rotate it to the back
			// instead and look at the next-oldest entry.
			q.order = append(q.order[1:], key)
			if len(q.order) <= q.maxSize {
				return
			}
			continue
		}
		q.order = q.order[1:]
		delete(q.pending, key)
		if q.onDropped != nil {
			dropped := u
			go q.onDropped(dropped)
		}
	}
}

func (q *Queue) scheduleDebounce() {
	q.debounceMu.Lock()
	defer q.debounceMu.Unlock()
	if q.debounce != nil {
		q.debounce.Stop()
	}
	q.debounce = time.AfterFunc(q.storageDebounce, func() {
		select {
		case q.flush <- struct{}{}:
		default:
		}
	})
}

func (q *Queue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			_ = q.flushNow(q.ctx)
		case <-q.flush:
			_ = q.flushNow(q.ctx)
		}
	}
}

// flushNow commits the current pending set. Concurrent calls (e.g. Stop's
// final flush while the loop is flushing) are serialized through the
// single-flight group: a caller that joins an in-flight flush waits for
// it and then applies its own batch, so each batch is committed once.
func (q *Queue) flushNow(ctx context.Context) error {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := make([]StateUpdate, 0, len(q.order))
	for _, key := range q.order {
		batch = append(batch, q.pending[key])
	}
	snapshotOrder := q.order
	snapshotPending := q.pending
	q.order = nil
	q.pending = make(map[string]StateUpdate)
	q.mu.Unlock()

	var err error
	for applied := false; !applied; {
		_, err, _ = q.sf.Do("flush", func() (any, error) {
			applied = true
			return nil, q.apply(ctx, batch)
		})
	}
	if err != nil {
		// Roll back: put the batch back at the front of the queue so a
		// transient storage failure doesn't silently lose updates. A key
		// re-enqueued during the failed apply keeps its newer value.
		q.mu.Lock()
		restored := make([]string, 0, len(snapshotOrder)+len(q.order))
		for _, key := range snapshotOrder {
			if _, exists := q.pending[key]; !exists {
				q.pending[key] = snapshotPending[key]
				restored = append(restored, key)
			}
		}
		q.order = append(restored, q.order...)
		q.mu.Unlock()
		return fmt.Errorf("updatequeue: flush: %w", err)
	}
	return nil
}

// Len reports how many distinct (kind, id) updates are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
