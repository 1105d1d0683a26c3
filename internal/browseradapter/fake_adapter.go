package browseradapter

import (
	"context"
	"fmt"
	"sync"

	"spacekeeper/internal/engine"
)

// FakeAdapter is an in-memory Adapter for tests and for running the
// daemon without a real browser. Window ids are assigned sequentially.
type FakeAdapter struct {
	mu      sync.Mutex
	windows map[string][]string
	next    int
	events  chan Event
}

// NewFakeAdapter returns an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		windows: make(map[string][]string),
		events:  make(chan Event, 256),
	}
}

func (f *FakeAdapter) ListWindows(ctx context.Context) ([]engine.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Window, 0, len(f.windows))
	for id, urls := range f.windows {
		out = append(out, engine.Window{ID: id, URLs: append([]string(nil), urls...)})
	}
	return out, nil
}

func (f *FakeAdapter) CreateWindow(ctx context.Context, urls []string) (string, error) {
	if len(urls) == 0 {
		return "", fmt.Errorf("browseradapter: fake: create window: no urls")
	}
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf("win:fake-%d", f.next)
	f.windows[id] = append([]string(nil), urls...)
	f.mu.Unlock()
	f.emit(Event{Kind: EventWindowCreated, WindowID: id, URLs: urls})
	return id, nil
}

func (f *FakeAdapter) CloseWindow(ctx context.Context, windowID string) error {
	f.mu.Lock()
	_, ok := f.windows[windowID]
	delete(f.windows, windowID)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("browseradapter: fake: close window: unknown window %s", windowID)
	}
	f.emit(Event{Kind: EventWindowClosed, WindowID: windowID})
	return nil
}

func (f *FakeAdapter) FocusWindow(ctx context.Context, windowID string) error {
	f.mu.Lock()
	_, ok := f.windows[windowID]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("browseradapter: fake: focus window: unknown window %s", windowID)
	}
	f.emit(Event{Kind: EventWindowFocused, WindowID: windowID})
	return nil
}

func (f *FakeAdapter) SetWindowURLs(ctx context.Context, windowID string, urls []string) error {
	f.mu.Lock()
	_, ok := f.windows[windowID]
	if ok {
		f.windows[windowID] = append([]string(nil), urls...)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("browseradapter: fake: set window urls: unknown window %s", windowID)
	}
	f.emit(Event{Kind: EventWindowUpdated, WindowID: windowID, URLs: urls})
	return nil
}

func (f *FakeAdapter) Events(ctx context.Context) (<-chan Event, error) {
	return f.events, nil
}

func (f *FakeAdapter) emit(e Event) {
	select {
	case f.events <- e:
	default:
	}
}

// Close is a no-op; FakeAdapter holds no external resources.
func (f *FakeAdapter) Close() error {
	return nil
}

// SimulateExternalClose lets a test pretend a window was closed by the
// user outside of any spacekeeper-initiated CloseWindow call, the way a
// real browser's close event would arrive asynchronously.
func (f *FakeAdapter) SimulateExternalClose(windowID string) {
	f.mu.Lock()
	delete(f.windows, windowID)
	f.mu.Unlock()
	f.emit(Event{Kind: EventWindowClosed, WindowID: windowID})
}
