// Package browseradapter defines the boundary between spacekeeper's
// engine and an actual browser. The engine only ever talks to the
// Adapter interface; everything downstream of it (driving a real
// browser, emitting window-lifecycle events) is reference plumbing, not
// something the engine's correctness depends on.
package browseradapter

import (
	"context"

	"spacekeeper/internal/engine"
)

// EventKind enumerates the window lifecycle events an Adapter reports.
type EventKind string

const (
	EventWindowCreated EventKind = "window_created"
	EventWindowClosed  EventKind = "window_closed"
	EventWindowUpdated EventKind = "window_updated" // tab list changed
	EventWindowFocused EventKind = "window_focused"
)

// Event is one window-lifecycle notification from the browser.
type Event struct {
	Kind     EventKind
	WindowID string
	URLs     []string
}

// Adapter is the narrow surface the engine needs from a real browser.
// It intentionally knows nothing about spaces, permanent ids, or
// reconciliation — those live entirely in internal/engine.
type Adapter interface {
	// ListWindows returns every currently open window and its tabs.
	ListWindows(ctx context.Context) ([]engine.Window, error)

	// CreateWindow opens a new window with the given tabs (at least one
	// URL) and returns its browser-assigned window id.
	CreateWindow(ctx context.Context, urls []string) (windowID string, err error)

	// CloseWindow closes a window and all its tabs.
	CloseWindow(ctx context.Context, windowID string) error

	// FocusWindow brings a window to the foreground.
	FocusWindow(ctx context.Context, windowID string) error

	// SetWindowURLs replaces a window's open tabs with urls, in order.
	SetWindowURLs(ctx context.Context, windowID string, urls []string) error

	// Events returns a channel of window lifecycle events. Cancelling ctx
	// does not close the channel; ChromeDPAdapter closes it in Close, and
	// FakeAdapter never closes it.
	Events(ctx context.Context) (<-chan Event, error)

	// Close releases any resources the adapter holds (browser process,
	// connections, etc).
	Close() error
}
