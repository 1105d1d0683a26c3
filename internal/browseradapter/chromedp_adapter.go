package browseradapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"spacekeeper/internal/engine"
)

// ChromeDPAdapter drives a single long-lived Chrome process via CDP. One
// spacekeeper window maps to one CDP target: CDP has no first-class way
// to address "all tabs belonging to OS window W" independently of the
// browser's own window-grouping, so a window here is the target's own
// navigation history rather than a true multi-tab OS window. Good enough
// for a reference adapter; a production adapter talking to an extension
// would track real browser windows directly.
type ChromeDPAdapter struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu      sync.Mutex
	windows map[string]context.CancelFunc // windowID -> tab context cancel

	events chan Event
}

// ChromeDPOptions configures the underlying Chrome process.
type ChromeDPOptions struct {
	Headless bool
}

// NewChromeDPAdapter launches Chrome and returns an Adapter backed by it.
func NewChromeDPAdapter(opts ChromeDPOptions) (*ChromeDPAdapter, error) {
	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)

	a := &ChromeDPAdapter{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		windows:     make(map[string]context.CancelFunc),
		events:      make(chan Event, 64),
	}
	return a, nil
}

func windowIDFromTarget(id target.ID) string {
	return "win:" + string(id)
}

// ListWindows enumerates live CDP targets of type "page".
func (a *ChromeDPAdapter) ListWindows(ctx context.Context) ([]engine.Window, error) {
	targets, err := chromedp.Targets(a.allocCtx)
	if err != nil {
		return nil, fmt.Errorf("browseradapter: list windows: %w", err)
	}
	var out []engine.Window
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		out = append(out, engine.Window{ID: windowIDFromTarget(t.TargetID), URLs: []string{t.URL}})
	}
	return out, nil
}

// CreateWindow opens a new page target navigated to the first URL. Any
// further URLs are not representable as extra tabs of the same target
// under this simplified model and are dropped; callers that need them
// should call SetWindowURLs afterward once a richer adapter is wired in.
func (a *ChromeDPAdapter) CreateWindow(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("browseradapter: create window: no urls")
	}
	tabCtx, tabCancel := chromedp.NewContext(a.allocCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate(urls[0])); err != nil {
		tabCancel()
		return "", fmt.Errorf("browseradapter: create window: %w", err)
	}

	targetID := chromedp.FromContext(tabCtx).Target.TargetID
	windowID := windowIDFromTarget(targetID)

	a.mu.Lock()
	a.windows[windowID] = tabCancel
	a.mu.Unlock()

	a.emit(Event{Kind: EventWindowCreated, WindowID: windowID, URLs: urls[:1]})
	return windowID, nil
}

// CloseWindow cancels the tab context, which closes the underlying page.
func (a *ChromeDPAdapter) CloseWindow(ctx context.Context, windowID string) error {
	a.mu.Lock()
	cancel, ok := a.windows[windowID]
	if ok {
		delete(a.windows, windowID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("browseradapter: close window: unknown window %s", windowID)
	}
	cancel()
	a.emit(Event{Kind: EventWindowClosed, WindowID: windowID})
	return nil
}

// FocusWindow activates the target via CDP's Target.activateTarget.
func (a *ChromeDPAdapter) FocusWindow(ctx context.Context, windowID string) error {
	id, err := targetIDFromWindow(windowID)
	if err != nil {
		return err
	}
	browserCtx, cancel := chromedp.NewContext(a.allocCtx)
	defer cancel()
	runCtx, timeoutCancel := context.WithTimeout(browserCtx, 5*time.Second)
	defer timeoutCancel()
	if err := chromedp.Run(runCtx, target.ActivateTarget(id)); err != nil {
		return fmt.Errorf("browseradapter: focus window: %w", err)
	}
	a.emit(Event{Kind: EventWindowFocused, WindowID: windowID})
	return nil
}

// SetWindowURLs navigates the window's target to the first of urls (see
// the CreateWindow caveat on multi-tab representability).
func (a *ChromeDPAdapter) SetWindowURLs(ctx context.Context, windowID string, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("browseradapter: set window urls: no urls")
	}
	a.mu.Lock()
	_, ok := a.windows[windowID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("browseradapter: set window urls: unknown window %s", windowID)
	}

	id, err := targetIDFromWindow(windowID)
	if err != nil {
		return err
	}
	tabCtx, _ := chromedp.NewContext(a.allocCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(tabCtx, chromedp.Navigate(urls[0])); err != nil {
		return fmt.Errorf("browseradapter: set window urls: %w", err)
	}
	a.emit(Event{Kind: EventWindowUpdated, WindowID: windowID, URLs: urls[:1]})
	return nil
}

// Events returns the adapter's lifecycle event stream.
func (a *ChromeDPAdapter) Events(ctx context.Context) (<-chan Event, error) {
	go func() {
		<-ctx.Done()
	}()
	return a.events, nil
}

func (a *ChromeDPAdapter) emit(e Event) {
	select {
	case a.events <- e:
	default:
	}
}

// Close terminates the underlying Chrome process.
func (a *ChromeDPAdapter) Close() error {
	a.mu.Lock()
	for _, cancel := range a.windows {
		cancel()
	}
	a.windows = nil
	a.mu.Unlock()
	a.allocCancel()
	close(a.events)
	return nil
}

func targetIDFromWindow(windowID string) (target.ID, error) {
	if len(windowID) <= 4 || windowID[:4] != "win:" {
		return "", fmt.Errorf("browseradapter: malformed window id %q", windowID)
	}
	return target.ID(windowID[4:]), nil
}
