package engine

import (
	"context"
	"testing"
)

func TestReconcileMatchesByWindowIdentity(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := eng.Reconcile([]Window{{ID: "win:1", URLs: []string{"https://a.test", "https://b.test"}}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Matched != 1 {
		t.Fatalf("expected 1 match, got %+v", result)
	}
	active, _ := eng.GetAllSpaces()
	sp, ok := active[created.PermanentID]
	if !ok || len(sp.URLs) != 2 {
		t.Fatalf("expected space updated with latest urls, got %+v", sp)
	}
}

func TestReconcileCreatesSpaceForUnknownWindow(t *testing.T) {
	eng := newTestEngine(t)
	result, err := eng.Reconcile([]Window{{ID: "win:new", URLs: []string{"https://a.test"}}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("expected 1 created space, got %+v", result)
	}
	active, _ := eng.GetAllSpaces()
	if len(active) != 1 {
		t.Fatalf("expected 1 active space, got %d", len(active))
	}
}

func TestReconcileDiscardsOrphanedUnnamedSpace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// An unrelated window keeps the list non-empty so the empty-windows
	// race guard does not fire; it gets a fresh space of its own.
	result, err := eng.Reconcile([]Window{{ID: "win:other", URLs: []string{"https://z.test"}}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Discarded != 1 {
		t.Fatalf("expected 1 discarded space, got %+v", result)
	}
	active, closed := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; ok || len(closed) != 0 {
		t.Fatalf("expected unnamed orphan fully discarded, got active=%d closed=%d", len(active), len(closed))
	}
}

func TestReconcileDemotesOrphanedNamedSpaceToClosed(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	result, err := eng.Reconcile([]Window{{ID: "win:other", URLs: []string{"https://z.test"}}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Orphaned != 1 {
		t.Fatalf("expected 1 orphaned space, got %+v", result)
	}
	active, closed := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; ok {
		t.Error("expected space removed from active")
	}
	cs, ok := closed[created.PermanentID]
	if !ok {
		t.Fatal("expected named orphan demoted to closed")
	}
	if cs.IsActive {
		t.Error("expected demoted space inactive")
	}
}

func TestReconcileEmptyWindowsRaceGuard(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if _, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Simulate the race by calling Reconcile with an empty window list
	// immediately (in-memory space count is still > 0): this path must
	// be distinguished from a genuine all-windows-closed event.
	_, err := eng.Reconcile(nil)
	if err != ErrEmptyWindowsRace {
		t.Fatalf("expected ErrEmptyWindowsRace, got %v", err)
	}

	active, _ := eng.GetAllSpaces()
	if len(active) != 1 {
		t.Fatalf("expected space preserved across the race guard, got %d", len(active))
	}
}

func TestURLOverlapRatio(t *testing.T) {
	cases := []struct {
		name     string
		a, b     []string
		expected float64
	}{
		{"identical", []string{"x", "y"}, []string{"x", "y"}, 1.0},
		{"disjoint", []string{"x"}, []string{"y"}, 0.0},
		{"empty_a", nil, []string{"y"}, 0.0},
		{"partial", []string{"x", "y", "z"}, []string{"x", "y"}, 2.0 / 3.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := urlOverlapRatio(tc.a, tc.b)
			if got != tc.expected {
				t.Errorf("urlOverlapRatio(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.expected)
			}
		})
	}
}

func TestReconcileURLOverlapMatchRespectsNamedThreshold(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test", "https://b.test", "https://c.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.CloseSpace(ctx, "win:1", []string{"https://a.test", "https://b.test", "https://c.test"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Named space re-appears under a brand new window id with 1/3 overlap
	// (>= the 0.30 named threshold), so it should be picked up by
	// strategy B even though strategy A (identity) can't apply.
	result, err := eng.Reconcile([]Window{{ID: "win:2", URLs: []string{"https://a.test"}}})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.Matched != 1 {
		t.Fatalf("expected the named closed space to be matched by overlap, got %+v", result)
	}
	active, _ := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; !ok {
		t.Fatal("expected closed space reactivated under win:2")
	}
}
