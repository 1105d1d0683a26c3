package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"spacekeeper/internal/broadcast"
	"spacekeeper/internal/locktable"
	"spacekeeper/internal/store"
	"spacekeeper/internal/updatequeue"
)

// Config holds the tunables StateEngine needs from the daemon's
// configuration. Durations are already resolved (not raw millis) so the
// engine itself never touches config parsing.
type Config struct {
	LockTimeout              time.Duration
	CacheTTL                 time.Duration
	RestoreGate              time.Duration
	URLMatchThresholdNamed   float64
	URLMatchThresholdUnnamed float64
	SpaceNameMaxLength       int
}

// DefaultConfig mirrors the defaults in spec'd configuration.
func DefaultConfig() Config {
	return Config{
		LockTimeout:              30 * time.Second,
		CacheTTL:                 5 * time.Minute,
		RestoreGate:              30 * time.Second,
		URLMatchThresholdNamed:   0.30,
		URLMatchThresholdUnnamed: 0.50,
		SpaceNameMaxLength:       128,
	}
}

// gateInfo is the metadata installed by the restoration gate to shield a
// just-restored space from premature demotion during reconciliation.
type gateInfo struct {
	windowID     string
	originalName string
	restoredAt   time.Time
}

func (g gateInfo) expired(maxAge time.Duration) bool {
	return time.Since(g.restoredAt) > maxAge
}

// StateEngine owns every in-memory map and enforces the invariants in
// spec.md §3 across create/close/restore/rename/reconcile.
type StateEngine struct {
	cfg Config

	store    *store.Store
	locks    *locktable.Table
	queue    *updatequeue.Queue
	fabric   *broadcast.Fabric
	cache    *Cache
	registry RestoreRegistry

	mapMu         sync.Mutex // guards the four maps below against concurrent map access
	spaces        map[string]*Space
	closedSpaces  map[string]*Space
	windowMapping map[string]string // window_id -> permanent_id
	gates         map[string]gateInfo

	initOnce singleflight.Group

	ordinalMu sync.Mutex
	ordinal   int
}

// Deps bundles the collaborators StateEngine needs.
type Deps struct {
	Store    *store.Store
	Locks    *locktable.Table
	Queue    *updatequeue.Queue
	Fabric   *broadcast.Fabric
	Registry RestoreRegistry
}

// New constructs a StateEngine. Call Initialize before using it.
func New(deps Deps, cfg Config) *StateEngine {
	registry := deps.Registry
	if registry == nil {
		registry = noopRegistry{}
	}
	return &StateEngine{
		cfg:           cfg,
		store:         deps.Store,
		locks:         deps.Locks,
		queue:         deps.Queue,
		fabric:        deps.Fabric,
		cache:         NewCache(cfg.CacheTTL),
		registry:      registry,
		spaces:        make(map[string]*Space),
		closedSpaces:  make(map[string]*Space),
		windowMapping: make(map[string]string),
		gates:         make(map[string]gateInfo),
	}
}

func (e *StateEngine) nextOrdinal() int {
	e.ordinalMu.Lock()
	defer e.ordinalMu.Unlock()
	e.ordinal++
	return e.ordinal
}

// Initialize loads persisted state, distrusts every on-disk window
// binding (no external window id is trusted across a restart), and
// persists the cleaned state. Concurrent callers share one execution.
func (e *StateEngine) Initialize(ctx context.Context) error {
	_, err, _ := e.initOnce.Do("initialize", func() (any, error) {
		return nil, e.initializeOnce(ctx)
	})
	return err
}

func (e *StateEngine) initializeOnce(ctx context.Context) error {
	if err := e.store.Bootstrap(); err != nil {
		return newStorageError("bootstrap", err)
	}

	active, err := e.store.LoadSpaces()
	if err != nil {
		return newStorageError("load_spaces", err)
	}
	closed, err := e.store.LoadClosedSpaces()
	if err != nil {
		return newStorageError("load_closed_spaces", err)
	}

	for _, sp := range active {
		sp.IsActive = false
		sp.WindowID = ""
		sp.Version++
	}

	if err := e.store.SaveState(active, closed); err != nil {
		return newStorageError("save_initial_state", err)
	}

	e.mapMu.Lock()
	e.spaces = active
	e.closedSpaces = closed
	e.windowMapping = make(map[string]string)
	e.gates = make(map[string]gateInfo)
	e.mapMu.Unlock()

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces)
	return nil
}

// GetAllSpaces returns snapshot copies of both collections; callers
// never receive a live reference into the engine's maps.
func (e *StateEngine) GetAllSpaces() (active, closed map[string]*Space) {
	if v, ok := e.cache.Get(cacheKeySpaces); ok {
		active = v.(map[string]*Space)
	}
	if v, ok := e.cache.Get(cacheKeyClosedSpaces); ok {
		closed = v.(map[string]*Space)
	}
	if active != nil && closed != nil {
		return cloneSpaceMap(active), cloneSpaceMap(closed)
	}

	e.mapMu.Lock()
	active = cloneSpaceMap(e.spaces)
	closed = cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	e.cache.Set(cacheKeySpaces, active)
	e.cache.Set(cacheKeyClosedSpaces, closed)
	return cloneSpaceMap(active), cloneSpaceMap(closed)
}

// GetClosedSpace returns a snapshot of one closed space, used by
// RestoreTransaction to fetch the space it's about to restore.
func (e *StateEngine) GetClosedSpace(permanentID string) (*Space, bool) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	sp, ok := e.closedSpaces[permanentID]
	if !ok {
		return nil, false
	}
	return sp.Clone(), true
}

func cloneSpaceMap(m map[string]*Space) map[string]*Space {
	out := make(map[string]*Space, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// hasSpace reports whether permanentID is currently known, active or closed.
func (e *StateEngine) hasSpace(permanentID string) bool {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	if _, ok := e.spaces[permanentID]; ok {
		return true
	}
	_, ok := e.closedSpaces[permanentID]
	return ok
}

// knownWindows rebuilds a Window list from the engine's own active
// spaces — the closest thing it has to a live window enumeration when
// no browser-adapter call is available to it.
func (e *StateEngine) knownWindows() []Window {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	windows := make([]Window, 0, len(e.spaces))
	for _, sp := range e.spaces {
		if sp.WindowID == "" {
			continue
		}
		windows = append(windows, Window{ID: sp.WindowID, URLs: append([]string(nil), sp.URLs...)})
	}
	return windows
}

// CreateSpace handles first sighting of an unrecognized window. urls is
// the window's current tab list (empty is tolerated; the caller is
// expected to have already retried once on an empty read per spec).
func (e *StateEngine) CreateSpace(ctx context.Context, windowID string, urls []string, name string, named bool) (*Space, error) {
	if windowID == "" {
		return nil, newInvalidError("window_id", "empty")
	}
	if e.registry.IsWindowRestoring(windowID) {
		return nil, nil
	}

	e.mapMu.Lock()
	if _, mapped := e.windowMapping[windowID]; mapped {
		e.mapMu.Unlock()
		return nil, nil
	}
	e.mapMu.Unlock()

	permanentID := uuid.NewString()
	handle, err := e.locks.Acquire(ctx, permanentID, e.cfg.LockTimeout)
	if err != nil {
		return nil, newLockTimeout("create_space", err)
	}
	defer handle.Release()

	if name == "" && !named {
		name = DefaultName(e.nextOrdinal())
	}

	now := nowMillis()
	sp := &Space{
		PermanentID:  permanentID,
		Name:         name,
		Named:        named,
		URLs:         append([]string(nil), urls...),
		WindowID:     windowID,
		IsActive:     true,
		Version:      1,
		CreatedAt:    now,
		LastModified: now,
		LastUsed:     now,
		LastSync:     now,
	}

	e.mapMu.Lock()
	e.spaces[permanentID] = sp
	e.windowMapping[windowID] = permanentID
	snapshot := cloneSpaceMap(e.spaces)
	e.mapMu.Unlock()

	if err := e.store.SaveSpaces(snapshot); err != nil {
		e.mapMu.Lock()
		delete(e.spaces, permanentID)
		delete(e.windowMapping, windowID)
		e.mapMu.Unlock()
		return nil, newStorageError("create_space", err)
	}

	e.cache.Invalidate(cacheKeySpaces)
	e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_created", Payload: sp.Clone(), Timestamp: now, Priority: updatequeue.PriorityNormal})
	e.fabric.BroadcastIncremental("space_created", sp.Clone())
	return sp.Clone(), nil
}

// CloseSpace handles a window going away. If the space is unnamed it is
// erased entirely (garbage collection of a transient session); if named,
// it moves to closedSpaces under the same permanent id.
func (e *StateEngine) CloseSpace(ctx context.Context, windowID string, liveURLs []string) error {
	e.mapMu.Lock()
	permanentID, ok := e.windowMapping[windowID]
	e.mapMu.Unlock()
	if !ok {
		return nil
	}

	handle, err := e.locks.Acquire(ctx, permanentID, e.cfg.LockTimeout)
	if err != nil {
		return newLockTimeout("close_space", err)
	}
	defer handle.Release()

	e.mapMu.Lock()
	sp, ok := e.spaces[permanentID]
	if !ok {
		e.mapMu.Unlock()
		delete(e.windowMapping, windowID)
		return nil
	}
	delete(e.windowMapping, windowID)

	if !sp.Named {
		delete(e.spaces, permanentID)
		e.mapMu.Unlock()

		if err := e.store.DeleteSpace(permanentID); err != nil {
			return newStorageError("close_space_erase", err)
		}
		if err := e.store.DeleteTabsForSpace(permanentID); err != nil {
			return newStorageError("close_space_erase_tabs", err)
		}
		e.cache.Invalidate(cacheKeySpaces, spaceCacheKey(permanentID))
		e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_discarded", Payload: permanentID, Timestamp: nowMillis(), Priority: updatequeue.PriorityNormal})
		e.fabric.BroadcastIncremental("space_discarded", map[string]string{"permanent_id": permanentID})
		return nil
	}

	urls := filterInternalURLs(liveURLs)
	if len(urls) == 0 {
		urls = append([]string(nil), sp.URLs...)
	}

	closedSp := sp.Clone()
	closedSp.URLs = urls
	closedSp.WindowID = ""
	closedSp.IsActive = false
	closedSp.Version++
	closedSp.LastModified = nowMillis()

	delete(e.spaces, permanentID)
	e.closedSpaces[permanentID] = closedSp
	activeSnap := cloneSpaceMap(e.spaces)
	closedSnap := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveState(activeSnap, closedSnap); err != nil {
		e.mapMu.Lock()
		e.spaces[permanentID] = sp
		delete(e.closedSpaces, permanentID)
		e.windowMapping[windowID] = permanentID
		e.mapMu.Unlock()
		return newStorageError("close_space", err)
	}

	tabs := tabRecordsFromURLs(permanentID, TabKindClosed, urls)
	if err := e.store.SaveTabsForSpace(permanentID, tabs); err != nil {
		return newStorageError("close_space_tabs", err)
	}

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces, spaceCacheKey(permanentID))
	e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_closed", Payload: closedSp.Clone(), Timestamp: nowMillis(), Priority: updatequeue.PriorityCritical})
	e.fabric.BroadcastFull(closedSp.Clone())
	return nil
}

// RestoreSpace moves a closed (or inactive) space back to active under
// newWindowID, rebuilding its url list from closed tab rows, and installs
// the restoration gate.
func (e *StateEngine) RestoreSpace(ctx context.Context, permanentID, newWindowID string) (*Space, error) {
	if newWindowID == "" {
		return nil, newInvalidError("window_id", "empty")
	}
	handle, err := e.locks.Acquire(ctx, permanentID, e.cfg.LockTimeout)
	if err != nil {
		return nil, newLockTimeout("restore_space", err)
	}
	defer handle.Release()

	e.mapMu.Lock()
	if sp, ok := e.spaces[permanentID]; ok {
		if sp.IsActive {
			e.mapMu.Unlock()
			return sp.Clone(), nil
		}
	}
	closedSp, wasClosed := e.closedSpaces[permanentID]
	activeSp, wasActive := e.spaces[permanentID]
	e.mapMu.Unlock()

	var base *Space
	switch {
	case wasClosed:
		base = closedSp
	case wasActive:
		base = activeSp
	default:
		return nil, newNotFoundError("space", permanentID)
	}

	urls := base.URLs
	if tabs, err := e.store.LoadTabsForSpace(permanentID); err == nil && len(tabs) > 0 {
		urls = urlsFromTabRecords(tabs)
	}

	restored := base.Clone()
	restored.URLs = append([]string(nil), urls...)
	restored.WindowID = newWindowID
	restored.IsActive = true
	restored.Version++
	now := nowMillis()
	restored.LastModified = now
	restored.LastUsed = now

	e.mapMu.Lock()
	delete(e.closedSpaces, permanentID)
	e.spaces[permanentID] = restored
	e.windowMapping[newWindowID] = permanentID
	e.gates[permanentID] = gateInfo{windowID: newWindowID, originalName: restored.Name, restoredAt: time.Now()}
	activeSnap := cloneSpaceMap(e.spaces)
	closedSnap := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveState(activeSnap, closedSnap); err != nil {
		e.mapMu.Lock()
		delete(e.spaces, permanentID)
		delete(e.windowMapping, newWindowID)
		delete(e.gates, permanentID)
		if wasClosed {
			e.closedSpaces[permanentID] = closedSp
		}
		e.mapMu.Unlock()
		return nil, newStorageError("restore_space", err)
	}

	activeTabs := tabRecordsFromURLs(permanentID, TabKindActive, urls)
	if err := e.store.SaveTabsForSpace(permanentID, activeTabs); err != nil {
		return nil, newStorageError("restore_space_tabs", err)
	}

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces, spaceCacheKey(permanentID))
	e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_restored", Payload: restored.Clone(), Timestamp: now, Priority: updatequeue.PriorityCritical})
	e.fabric.BroadcastFull(restored.Clone())
	return restored.Clone(), nil
}

// RekeySpace re-inserts a space under its own permanent id, bound to
// newWindowID, preserving identity fields. Used by RestoreTransaction when oldID was
// a legacy window-id-based key rather than a true permanent id.
func (e *StateEngine) RekeySpace(ctx context.Context, oldID, newWindowID string) (*Space, error) {
	handle, err := e.locks.AcquireMultiple(ctx, []string{oldID, newWindowID}, e.cfg.LockTimeout)
	if err != nil {
		return nil, newLockTimeout("rekey_space", err)
	}
	defer handle.Release()

	e.mapMu.Lock()
	sp, ok := e.spaces[oldID]
	if !ok {
		sp, ok = e.closedSpaces[oldID]
	}
	e.mapMu.Unlock()
	if !ok {
		return nil, newNotFoundError("space", oldID)
	}

	rekeyed := sp.Clone()
	rekeyed.WindowID = newWindowID
	rekeyed.IsActive = true
	rekeyed.Version++
	rekeyed.LastModified = nowMillis()

	e.mapMu.Lock()
	delete(e.spaces, oldID)
	delete(e.closedSpaces, oldID)
	e.spaces[rekeyed.PermanentID] = rekeyed
	e.windowMapping[newWindowID] = rekeyed.PermanentID
	e.gates[rekeyed.PermanentID] = gateInfo{windowID: newWindowID, originalName: rekeyed.Name, restoredAt: time.Now()}
	activeSnap := cloneSpaceMap(e.spaces)
	closedSnap := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveState(activeSnap, closedSnap); err != nil {
		return nil, newStorageError("rekey_space", err)
	}
	if err := e.store.UpdatePermanentIDMapping(newWindowID, rekeyed.PermanentID); err != nil {
		return nil, newStorageError("rekey_space_mapping", err)
	}

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces, spaceCacheKey(oldID), spaceCacheKey(rekeyed.PermanentID))
	e.queue.Enqueue(updatequeue.StateUpdate{ID: rekeyed.PermanentID, Kind: "space_rekeyed", Payload: rekeyed.Clone(), Timestamp: nowMillis(), Priority: updatequeue.PriorityCritical})
	e.fabric.BroadcastFull(rekeyed.Clone())
	return rekeyed.Clone(), nil
}

// SetSpaceName renames a space, marking it named. If the space isn't
// currently known, a single reconciliation pass runs against the
// engine's own last-known windows before giving up. That pass works on
// the in-memory maps only: it does not load spaces from the store, and
// the engine owns no live browser enumeration.
func (e *StateEngine) SetSpaceName(ctx context.Context, permanentID, name string) (*Space, error) {
	normalized := normalizeName(name)
	if normalized == "" {
		return nil, newInvalidError("name", "empty after normalization")
	}
	if len(normalized) > e.cfg.SpaceNameMaxLength {
		return nil, newInvalidError("name", fmt.Sprintf("exceeds max length %d", e.cfg.SpaceNameMaxLength))
	}

	handle, err := e.locks.Acquire(ctx, permanentID, e.cfg.LockTimeout)
	if err != nil {
		return nil, newLockTimeout("set_space_name", err)
	}
	defer handle.Release()

	if !e.hasSpace(permanentID) {
		if _, err := e.Reconcile(e.knownWindows()); err != nil && err != ErrEmptyWindowsRace {
			return nil, err
		}
	}

	var collection map[string]*Space
	e.mapMu.Lock()
	if sp, ok := e.spaces[permanentID]; ok {
		updated := sp.Clone()
		updated.Name = normalized
		updated.Named = true
		updated.Version++
		updated.LastModified = nowMillis()
		e.spaces[permanentID] = updated
		collection = cloneSpaceMap(e.spaces)
		e.mapMu.Unlock()

		if err := e.store.SaveSpaces(collection); err != nil {
			return nil, newStorageError("set_space_name", err)
		}
		e.cache.Invalidate(cacheKeySpaces, spaceCacheKey(permanentID))
		e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_renamed", Payload: updated.Clone(), Timestamp: nowMillis(), Priority: updatequeue.PriorityCritical})
		e.fabric.BroadcastFull(updated.Clone())
		return updated.Clone(), nil
	}

	if sp, ok := e.closedSpaces[permanentID]; ok {
		updated := sp.Clone()
		updated.Name = normalized
		updated.Named = true
		updated.Version++
		updated.LastModified = nowMillis()
		e.closedSpaces[permanentID] = updated
		collection = cloneSpaceMap(e.closedSpaces)
		e.mapMu.Unlock()

		if err := e.store.SaveClosedSpaces(collection); err != nil {
			return nil, newStorageError("set_space_name", err)
		}
		e.cache.Invalidate(cacheKeyClosedSpaces, spaceCacheKey(permanentID))
		e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "space_renamed", Payload: updated.Clone(), Timestamp: nowMillis(), Priority: updatequeue.PriorityCritical})
		e.fabric.BroadcastFull(updated.Clone())
		return updated.Clone(), nil
	}
	e.mapMu.Unlock()
	return nil, newNotFoundError("space", permanentID)
}

// DeleteClosedSpace removes a closed, named space at explicit user
// request. Only closed spaces are deletable this way.
func (e *StateEngine) DeleteClosedSpace(ctx context.Context, permanentID string) error {
	handle, err := e.locks.Acquire(ctx, permanentID, e.cfg.LockTimeout)
	if err != nil {
		return newLockTimeout("delete_closed_space", err)
	}
	defer handle.Release()

	e.mapMu.Lock()
	_, ok := e.closedSpaces[permanentID]
	if !ok {
		e.mapMu.Unlock()
		return newNotFoundError("closed_space", permanentID)
	}
	delete(e.closedSpaces, permanentID)
	snapshot := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveClosedSpaces(snapshot); err != nil {
		return newStorageError("delete_closed_space", err)
	}
	if err := e.store.DeleteTabsForSpace(permanentID); err != nil {
		return newStorageError("delete_closed_space_tabs", err)
	}

	e.cache.Invalidate(cacheKeyClosedSpaces, spaceCacheKey(permanentID))
	e.queue.Enqueue(updatequeue.StateUpdate{ID: permanentID, Kind: "closed_space_deleted", Payload: permanentID, Timestamp: nowMillis(), Priority: updatequeue.PriorityNormal})
	e.fabric.BroadcastIncremental("closed_space_deleted", map[string]string{"permanent_id": permanentID})
	return nil
}

// HandleShutdown deactivates every active space and issues a final
// broadcast. No reconciliation follows a shutdown.
func (e *StateEngine) HandleShutdown(ctx context.Context) error {
	e.mapMu.Lock()
	for id, sp := range e.spaces {
		sp.IsActive = false
		sp.WindowID = ""
		sp.Version++
		sp.LastModified = nowMillis()
		e.spaces[id] = sp
	}
	activeSnap := cloneSpaceMap(e.spaces)
	closedSnap := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveState(activeSnap, closedSnap); err != nil {
		return newStorageError("handle_shutdown", err)
	}

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces)
	e.fabric.BroadcastFull(map[string]any{"active": activeSnap, "closed": closedSnap})
	return nil
}

func normalizeName(name string) string {
	fields := strings.Fields(name)
	return strings.Join(fields, " ")
}

func filterInternalURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if strings.HasPrefix(u, "chrome://") {
			continue
		}
		out = append(out, u)
	}
	return out
}

func tabRecordsFromURLs(spaceID string, kind TabKind, urls []string) []TabRecord {
	now := nowMillis()
	out := make([]TabRecord, 0, len(urls))
	for i, u := range urls {
		out = append(out, TabRecord{ID: uuid.NewString(), SpaceID: spaceID, Kind: kind, URL: u, Index: i, CreatedAt: now})
	}
	return out
}

func urlsFromTabRecords(tabs []TabRecord) []string {
	out := make([]string, len(tabs))
	for i, t := range tabs {
		out[i] = t.URL
	}
	return out
}

func newLockTimeout(op string, err error) error {
	return fmt.Errorf("engine: %s: %w: %v", op, ErrLockTimeout, err)
}
