package restore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spacekeeper/internal/browseradapter"
	"spacekeeper/internal/engine"
	"spacekeeper/pkg/logger"
)

// State is a restoration transaction's FSM state.
type State string

const (
	StateInit           State = "INIT"
	StateCreatingWindow State = "CREATING_WINDOW"
	StateRekeying       State = "REKEYING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

// Result is what a completed (or failed) transaction returns.
type Result struct {
	Space *engine.Space
	State State
	Err   error
}

type job struct {
	closedSpaceID string
	result        chan Result
}

// Driver serializes restore(id) calls through an internal FIFO queue: a
// single worker goroutine drains jobs one at a time, so two concurrent
// restoration requests never race each other's window creation.
type Driver struct {
	engine   *engine.StateEngine
	registry *Registry
	adapter  browseradapter.Adapter
	log      *logger.Logger

	jobs chan job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver constructs a Driver. Call Start before Restore.
func NewDriver(eng *engine.StateEngine, registry *Registry, adapter browseradapter.Adapter, log *logger.Logger) *Driver {
	if log == nil {
		log = logger.Default()
	}
	return &Driver{
		engine:   eng,
		registry: registry,
		adapter:  adapter,
		log:      log,
		jobs:     make(chan job, 64),
	}
}

// Start launches the worker goroutine.
func (d *Driver) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run()
}

// Stop drains in-flight work and stops the worker.
func (d *Driver) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-d.jobs:
			j.result <- d.execute(d.ctx, j.closedSpaceID)
		}
	}
}

// Restore enqueues a restoration for closedSpaceID and blocks until it
// completes (or the driver's context is cancelled).
func (d *Driver) Restore(ctx context.Context, closedSpaceID string) (*engine.Space, error) {
	j := job{closedSpaceID: closedSpaceID, result: make(chan Result, 1)}
	select {
	case d.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, fmt.Errorf("restore: driver stopped")
	}

	select {
	case r := <-j.result:
		return r.Space, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.ctx.Done():
		return nil, fmt.Errorf("restore: driver stopped")
	}
}

// execute drives one restoration through INIT -> CREATING_WINDOW ->
// REKEYING -> COMPLETED/FAILED.
func (d *Driver) execute(ctx context.Context, closedSpaceID string) Result {
	state := StateInit

	// Step 1: fetch the closed space, with bounded retry against
	// transient load failures.
	var sp *engine.Space
	var ok bool
	for attempt := 0; attempt < 3; attempt++ {
		sp, ok = d.engine.GetClosedSpace(closedSpaceID)
		if ok {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	if !ok {
		return Result{State: StateFailed, Err: fmt.Errorf("restore: closed space %s not found", closedSpaceID)}
	}

	// Step 2: register restore intent.
	d.registry.RegisterPending(closedSpaceID, sp.PermanentID, sp.Name, sp.Named, sp.URLs, engine.TabKindClosed)

	// Step 3: request window creation; degrade to first-URL-only on retry.
	state = StateCreatingWindow
	windowID, err := d.adapter.CreateWindow(ctx, sp.URLs)
	if err != nil {
		urls := sp.URLs
		if len(urls) > 1 {
			urls = urls[:1]
		}
		windowID, err = d.adapter.CreateWindow(ctx, urls)
		if err != nil {
			d.registry.Fail(closedSpaceID, err.Error())
			return Result{State: StateFailed, Err: newRestoreFailed("create_window", err)}
		}
	}

	// Step 4: mark the new window as restoring so the event-driven
	// reconciler doesn't create a duplicate space for it.
	d.registry.AttachWindow(closedSpaceID, windowID)

	// Step 5: rekey/restore the space under the new window id.
	state = StateRekeying
	restored, err := d.engine.RestoreSpace(ctx, sp.PermanentID, windowID)
	if err != nil {
		_ = d.adapter.CloseWindow(context.Background(), windowID)
		d.registry.Fail(closedSpaceID, err.Error())
		return Result{State: StateFailed, Err: newRestoreFailed("rekey", err)}
	}

	// Step 6 (restoration gate) is installed inside RestoreSpace itself.
	state = StateCompleted
	d.log.Infof("restore: completed closed_space=%s window=%s state=%s", closedSpaceID, windowID, state)
	return Result{Space: restored, State: StateCompleted}
}

func newRestoreFailed(step string, err error) error {
	return fmt.Errorf("restore: %s: %w", step, err)
}
