package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spacekeeper/internal/broadcast"
	"spacekeeper/internal/locktable"
	"spacekeeper/internal/store"
	"spacekeeper/internal/updatequeue"
)

func newTestEngine(t *testing.T) *StateEngine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := updatequeue.New(func(ctx context.Context, batch []updatequeue.StateUpdate) error { return nil },
		updatequeue.Options{BatchWindow: time.Hour, StorageDebounce: time.Hour})
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop() })

	fabric := broadcast.New(broadcast.Options{Snapshot: func() any { return nil }})

	eng := New(Deps{
		Store:  st,
		Locks:  locktable.New(),
		Queue:  q,
		Fabric: fabric,
	}, DefaultConfig())

	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return eng
}

func TestCreateSpaceAssignsUnnamedDefault(t *testing.T) {
	eng := newTestEngine(t)
	sp, err := eng.CreateSpace(context.Background(), "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sp == nil {
		t.Fatal("expected a created space")
	}
	if sp.Named {
		t.Error("expected unnamed space")
	}
	if sp.Name == "" {
		t.Error("expected a default name to be assigned")
	}
	if !sp.IsActive || sp.WindowID != "win:1" {
		t.Errorf("expected active space bound to win:1, got %+v", sp)
	}
}

func TestCreateSpaceIgnoresAlreadyMappedWindow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if _, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false); err != nil {
		t.Fatalf("first create: %v", err)
	}
	sp, err := eng.CreateSpace(ctx, "win:1", []string{"https://b.test"}, "", false)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if sp != nil {
		t.Fatalf("expected nil for an already-mapped window, got %+v", sp)
	}
}

func TestCloseUnnamedSpaceErasesIt(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := eng.CloseSpace(ctx, "win:1", nil); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, closed := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; ok {
		t.Error("expected unnamed space removed from active")
	}
	if _, ok := closed[created.PermanentID]; ok {
		t.Error("expected unnamed space not preserved in closed")
	}
}

func TestCloseNamedSpacePreservesIt(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := eng.CloseSpace(ctx, "win:1", []string{"https://a.test", "https://b.test"}); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, closed := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; ok {
		t.Error("expected named space removed from active")
	}
	cs, ok := closed[created.PermanentID]
	if !ok {
		t.Fatal("expected named space preserved in closed")
	}
	if cs.IsActive {
		t.Error("expected closed space to be inactive")
	}
	if len(cs.URLs) != 2 {
		t.Errorf("expected live urls captured at close time, got %v", cs.URLs)
	}
}

func TestCloseSpaceFiltersInternalURLs(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.CloseSpace(ctx, "win:1", []string{"chrome://newtab", "https://b.test"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, closed := eng.GetAllSpaces()
	cs := closed[created.PermanentID]
	for _, u := range cs.URLs {
		if u == "chrome://newtab" {
			t.Fatalf("expected chrome:// urls filtered out, got %v", cs.URLs)
		}
	}
}

func TestRestoreSpaceReactivatesClosedSpace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.CloseSpace(ctx, "win:1", []string{"https://a.test"}); err != nil {
		t.Fatalf("close: %v", err)
	}

	restored, err := eng.RestoreSpace(ctx, created.PermanentID, "win:2")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.IsActive || restored.WindowID != "win:2" {
		t.Fatalf("expected restored space active under win:2, got %+v", restored)
	}

	active, closed := eng.GetAllSpaces()
	if _, ok := active[created.PermanentID]; !ok {
		t.Error("expected restored space in active")
	}
	if _, ok := closed[created.PermanentID]; ok {
		t.Error("expected restored space removed from closed")
	}
}

func TestRestoreUnknownSpaceFails(t *testing.T) {
	eng := newTestEngine(t)
	_, err := eng.RestoreSpace(context.Background(), "does-not-exist", "win:2")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestSetSpaceNameRenamesActiveSpace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	renamed, err := eng.SetSpaceName(ctx, created.PermanentID, "  My   Space  ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "My Space" {
		t.Fatalf("expected normalized whitespace, got %q", renamed.Name)
	}
	if !renamed.Named {
		t.Error("expected space marked named after rename")
	}
}

func TestSetSpaceNameRejectsEmptyAfterNormalization(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.SetSpaceName(ctx, created.PermanentID, "   "); err == nil {
		t.Fatal("expected invalid-name error for whitespace-only name")
	}
}

func TestSetSpaceNameRejectsTooLong(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	long := make([]byte, DefaultConfig().SpaceNameMaxLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := eng.SetSpaceName(ctx, created.PermanentID, string(long)); err == nil {
		t.Fatal("expected invalid-name error for over-length name")
	}
}

func TestSetSpaceNameRetriesReconcileThenNotFound(t *testing.T) {
	eng := newTestEngine(t)
	// No space with this id was ever created, so the reconciliation retry
	// has nothing to find and the rename must still end in NotFound.
	_, err := eng.SetSpaceName(context.Background(), "never-existed", "x")
	if err == nil {
		t.Fatal("expected a not-found error after the reconciliation retry")
	}
}

func TestSetSpaceNameRenamesSpaceRecreatedByReconcile(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Drop the space from memory, then reconcile win:1 again: Reconcile
	// creates a fresh space (with a new permanent id) for the window, and
	// that space is the one renamed below.
	eng.mapMu.Lock()
	delete(eng.spaces, created.PermanentID)
	eng.mapMu.Unlock()

	if _, err := eng.Reconcile([]Window{{ID: "win:1", URLs: []string{"https://a.test"}}}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	active, _ := eng.GetAllSpaces()
	var revivedID string
	for id, sp := range active {
		if sp.WindowID == "win:1" {
			revivedID = id
		}
	}
	if revivedID == "" {
		t.Fatal("expected reconcile to have re-created a space for win:1")
	}

	renamed, err := eng.SetSpaceName(ctx, revivedID, "Recovered")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "Recovered" {
		t.Fatalf("expected renamed space, got %+v", renamed)
	}
}

func TestDeleteClosedSpaceRemovesIt(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	created, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.CloseSpace(ctx, "win:1", nil); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.DeleteClosedSpace(ctx, created.PermanentID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, closed := eng.GetAllSpaces()
	if _, ok := closed[created.PermanentID]; ok {
		t.Fatal("expected closed space deleted")
	}
}

func TestDeleteClosedSpaceNotFound(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DeleteClosedSpace(context.Background(), "nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestHandleShutdownDeactivatesAllSpaces(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	if _, err := eng.CreateSpace(ctx, "win:1", []string{"https://a.test"}, "", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := eng.HandleShutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	active, _ := eng.GetAllSpaces()
	for _, sp := range active {
		if sp.IsActive {
			t.Errorf("expected all spaces deactivated after shutdown, got %+v", sp)
		}
		if sp.WindowID != "" {
			t.Errorf("expected window id cleared after shutdown, got %+v", sp)
		}
	}
}

func TestInitializeForcesPersistedActiveSpacesInactive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	q := updatequeue.New(func(ctx context.Context, batch []updatequeue.StateUpdate) error { return nil },
		updatequeue.Options{BatchWindow: time.Hour, StorageDebounce: time.Hour})
	q.Start(context.Background())
	fabric := broadcast.New(broadcast.Options{Snapshot: func() any { return nil }})

	eng := New(Deps{Store: st, Locks: locktable.New(), Queue: q, Fabric: fabric}, DefaultConfig())
	if err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	created, err := eng.CreateSpace(context.Background(), "win:1", []string{"https://a.test"}, "Work", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	q.Stop()
	st.Close()

	// Reopen against the same file, simulating a restart without a clean
	// shutdown: the space is still marked active/bound to win:1 on disk.
	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { st2.Close() })
	q2 := updatequeue.New(func(ctx context.Context, batch []updatequeue.StateUpdate) error { return nil },
		updatequeue.Options{BatchWindow: time.Hour, StorageDebounce: time.Hour})
	q2.Start(context.Background())
	t.Cleanup(func() { q2.Stop() })
	fabric2 := broadcast.New(broadcast.Options{Snapshot: func() any { return nil }})

	eng2 := New(Deps{Store: st2, Locks: locktable.New(), Queue: q2, Fabric: fabric2}, DefaultConfig())
	if err := eng2.Initialize(context.Background()); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}

	active, _ := eng2.GetAllSpaces()
	sp, ok := active[created.PermanentID]
	if !ok {
		t.Fatal("expected the space to survive a restart")
	}
	if sp.IsActive {
		t.Error("expected no window id is trusted across a restart: space must start inactive")
	}
	if sp.WindowID != "" {
		t.Errorf("expected window binding cleared on restart, got %q", sp.WindowID)
	}
}
