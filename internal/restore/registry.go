// Package restore implements the three-stage restoration lifecycle and
// the serialized transaction that drives a single restore end-to-end —
// spec.md §4.5-4.6. It depends on internal/engine for Space/Window
// types; internal/engine depends back on this package only through the
// narrow RestoreRegistry interface it defines itself, so there is no
// import cycle.
package restore

import (
	"sync"
	"time"

	"spacekeeper/internal/engine"
)

// DefaultMaxAge is how long a pending restoration intent survives
// without being claimed before cleanup_stale discards it.
const DefaultMaxAge = 30 * time.Second

// Registry tracks pending restorations keyed first by the originating
// closed space, then by the newly-created window once one is attached.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*engine.RestoreSnapshot // closed_space_id -> snapshot
	maxAge  time.Duration
}

// NewRegistry creates an empty Registry.
func NewRegistry(maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Registry{pending: make(map[string]*engine.RestoreSnapshot), maxAge: maxAge}
}

// RegisterPending records a restoration intent for a closed space.
func (r *Registry) RegisterPending(closedSpaceID, permanentID, originalName string, named bool, urls []string, expectedKind engine.TabKind) *engine.RestoreSnapshot {
	snap := &engine.RestoreSnapshot{
		ClosedSpaceID: closedSpaceID,
		PermanentID:   permanentID,
		OriginalName:  originalName,
		Named:         named,
		URLs:          append([]string(nil), urls...),
		ExpectedKind:  expectedKind,
		RequestedAt:   time.Now().UnixMilli(),
	}
	r.mu.Lock()
	r.pending[closedSpaceID] = snap
	r.mu.Unlock()
	return snap
}

// ClaimPendingWindow matches a newly observed browser window against the
// set of pending snapshots using the same URL-overlap heuristic as the
// reconciler. On match it attaches the window id to the snapshot.
func (r *Registry) ClaimPendingWindow(w engine.Window) (*engine.RestoreSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var bestID string
	var bestScore float64
	for id, snap := range r.pending {
		if snap.WindowID != "" {
			continue // already attached to a window
		}
		score := overlapRatio(w.URLs, snap.URLs)
		threshold := 0.50
		if snap.Named {
			threshold = 0.30
		}
		if score < threshold {
			continue
		}
		if score > bestScore || (score == bestScore && (bestID == "" || id < bestID)) {
			bestID, bestScore = id, score
		}
	}
	if bestID == "" {
		return nil, false
	}
	r.pending[bestID].WindowID = w.ID
	return r.pending[bestID], true
}

// AttachWindow is the explicit binding used when window creation was
// initiated by the transaction driver itself, rather than discovered via
// an adapter event.
func (r *Registry) AttachWindow(closedSpaceID, windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap, ok := r.pending[closedSpaceID]; ok {
		snap.WindowID = windowID
	}
}

// Finalize removes the snapshot attached to windowID, once the restored
// space has passed post-restore validation.
func (r *Registry) Finalize(windowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, snap := range r.pending {
		if snap.WindowID == windowID {
			delete(r.pending, id)
			return
		}
	}
}

// Fail drops the snapshot for closedSpaceID. reason is for logging by
// the caller; the registry itself doesn't retain it.
func (r *Registry) Fail(closedSpaceID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, closedSpaceID)
}

// CleanupStale drops snapshots older than maxAge (falls back to the
// registry's configured default if maxAge <= 0).
func (r *Registry) CleanupStale(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = r.maxAge
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, snap := range r.pending {
		if time.Since(time.UnixMilli(snap.RequestedAt)) > maxAge {
			delete(r.pending, id)
		}
	}
}

// IsWindowRestoring reports whether windowID is currently attached to a
// pending restoration, so the reconciler can skip it.
func (r *Registry) IsWindowRestoring(windowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, snap := range r.pending {
		if snap.WindowID == windowID {
			return true
		}
	}
	return false
}

func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(b))
	for _, u := range b {
		set[u]++
	}
	overlap := 0
	for _, u := range a {
		if set[u] > 0 {
			overlap++
			set[u]--
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(overlap) / float64(denom)
}
