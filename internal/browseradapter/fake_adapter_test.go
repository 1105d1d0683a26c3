package browseradapter

import (
	"context"
	"testing"
	"time"
)

func TestFakeAdapterCreateListClose(t *testing.T) {
	a := NewFakeAdapter()
	ctx := context.Background()

	id, err := a.CreateWindow(ctx, []string{"https://a.test", "https://b.test"})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty window id")
	}

	windows, err := a.ListWindows(ctx)
	if err != nil {
		t.Fatalf("list windows: %v", err)
	}
	if len(windows) != 1 || windows[0].ID != id {
		t.Fatalf("expected 1 window with id %q, got %+v", id, windows)
	}

	if err := a.CloseWindow(ctx, id); err != nil {
		t.Fatalf("close window: %v", err)
	}
	windows, _ = a.ListWindows(ctx)
	if len(windows) != 0 {
		t.Fatalf("expected no windows after close, got %d", len(windows))
	}
}

func TestFakeAdapterUnknownWindowErrors(t *testing.T) {
	a := NewFakeAdapter()
	ctx := context.Background()
	if err := a.CloseWindow(ctx, "win:nope"); err == nil {
		t.Fatal("expected error closing unknown window")
	}
	if err := a.FocusWindow(ctx, "win:nope"); err == nil {
		t.Fatal("expected error focusing unknown window")
	}
	if err := a.SetWindowURLs(ctx, "win:nope", []string{"https://x"}); err == nil {
		t.Fatal("expected error setting urls on unknown window")
	}
}

func TestFakeAdapterEventsAndSimulateExternalClose(t *testing.T) {
	a := NewFakeAdapter()
	ctx := context.Background()
	events, err := a.Events(ctx)
	if err != nil {
		t.Fatalf("events: %v", err)
	}

	id, err := a.CreateWindow(ctx, []string{"https://a.test"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRecvKind(t, events, EventWindowCreated)

	a.SimulateExternalClose(id)
	mustRecvKind(t, events, EventWindowClosed)

	windows, _ := a.ListWindows(ctx)
	if len(windows) != 0 {
		t.Fatalf("expected window removed after simulated external close, got %d", len(windows))
	}
}

func mustRecvKind(t *testing.T, events <-chan Event, want EventKind) {
	t.Helper()
	select {
	case ev := <-events:
		if ev.Kind != want {
			t.Fatalf("expected event kind %q, got %q", want, ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %q", want)
	}
}
