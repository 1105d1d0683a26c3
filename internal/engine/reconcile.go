package engine

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"spacekeeper/internal/updatequeue"
)

// ReconcileResult summarizes one synchronize_windows_and_spaces pass,
// mostly for metrics and tests.
type ReconcileResult struct {
	Matched       int
	Created       int
	Orphaned      int
	Discarded     int
	GatePreserved int
}

// ErrEmptyWindowsRace is returned when the observed window list is empty
// while in-memory spaces are not — a known race during host-process
// wake-up. Callers should retry rather than treat this as a real
// all-windows-closed event.
var ErrEmptyWindowsRace = newConflictError("empty window list with non-empty spaces; retry")

// Reconcile runs the reconciler against a stable snapshot of currently
// open windows. It holds no lock across the whole pass: changes are
// staged in locals and committed with a single atomic durable write,
// making the reconciler's view authoritative over any interleaved
// event-driven write (see spec's concurrency model).
func (e *StateEngine) Reconcile(windows []Window) (ReconcileResult, error) {
	var result ReconcileResult

	e.mapMu.Lock()
	spacesSnapshot := cloneSpaceMap(e.spaces)
	e.mapMu.Unlock()

	if len(windows) == 0 && len(spacesSnapshot) > 0 {
		return result, ErrEmptyWindowsRace
	}

	e.registry.CleanupStale(e.cfg.RestoreGate)

	newWindowMapping := make(map[string]string)
	matchedIDs := make(map[string]bool)
	newActive := make(map[string]*Space)
	newClosed := make(map[string]*Space)

	e.mapMu.Lock()
	closedSnapshot := cloneSpaceMap(e.closedSpaces)
	gatesSnapshot := make(map[string]gateInfo, len(e.gates))
	for id, g := range e.gates {
		gatesSnapshot[id] = g
	}
	e.mapMu.Unlock()

	for id, sp := range closedSnapshot {
		newClosed[id] = sp
	}

	// unmatched is the Phase 1 candidate pool: both active spaces and
	// closed ones are eligible for a URL-overlap match, so a closed named
	// space can be revived by reappearing under a new window id rather
	// than spawning a duplicate fresh space. wasActive tracks provenance
	// so Phase 2 only runs orphan handling against spaces that were
	// actually active going into this pass.
	unmatched := make(map[string]*Space, len(spacesSnapshot)+len(closedSnapshot))
	wasActive := make(map[string]bool, len(spacesSnapshot))
	for id, sp := range spacesSnapshot {
		unmatched[id] = sp
		wasActive[id] = true
	}
	for id, sp := range closedSnapshot {
		unmatched[id] = sp
	}

	// Phase 1: match windows to spaces.
	for _, w := range windows {
		if e.registry.IsWindowRestoring(w.ID) {
			continue
		}
		urls := nonEmptyURLs(w.URLs)

		matchedID := ""

		// Strategy A: identity — an unmatched space already claims this window id.
		for id, sp := range unmatched {
			if sp.WindowID == w.ID {
				matchedID = id
				break
			}
		}

		// Strategy B: URL-overlap heuristic.
		if matchedID == "" {
			matchedID = bestURLMatch(urls, unmatched, e.cfg.URLMatchThresholdNamed, e.cfg.URLMatchThresholdUnnamed)
		}

		if matchedID != "" {
			sp := unmatched[matchedID]
			updated := sp.Clone()
			if len(urls) > 0 {
				updated.URLs = urls
			}
			updated.WindowID = w.ID
			updated.IsActive = true
			updated.Version++
			updated.LastSync = nowMillis()

			newActive[matchedID] = updated
			newWindowMapping[w.ID] = matchedID
			matchedIDs[matchedID] = true
			delete(unmatched, matchedID)
			delete(newClosed, matchedID)
			result.Matched++

			if _, gated := gatesSnapshot[matchedID]; gated && len(urls) > 0 {
				e.registry.Finalize(w.ID)
				delete(gatesSnapshot, matchedID)
			}
			continue
		}

		// No match: fresh space.
		permanentID := uuid.NewString()
		now := nowMillis()
		fresh := &Space{
			PermanentID:  permanentID,
			Name:         DefaultName(e.nextOrdinal()),
			Named:        false,
			URLs:         urls,
			WindowID:     w.ID,
			IsActive:     true,
			Version:      1,
			CreatedAt:    now,
			LastModified: now,
			LastUsed:     now,
			LastSync:     now,
		}
		newActive[permanentID] = fresh
		newWindowMapping[w.ID] = permanentID
		result.Created++
	}

	// Phase 2: handle orphaned spaces (unmatched after phase 1). A
	// still-closed space that didn't match just stays in newClosed as-is.
	for id, sp := range unmatched {
		if !wasActive[id] {
			continue
		}
		if g, gated := gatesSnapshot[id]; gated && !g.expired(e.cfg.RestoreGate) {
			// Restoration gate: preserve as-is, still active.
			newActive[id] = sp
			result.GatePreserved++
			continue
		}
		if sp.Named {
			demoted := sp.Clone()
			demoted.WindowID = ""
			demoted.IsActive = false
			demoted.Version++
			demoted.LastModified = nowMillis()
			newClosed[id] = demoted
			result.Orphaned++
		} else {
			result.Discarded++
		}
		delete(gatesSnapshot, id)
	}

	e.mapMu.Lock()
	e.spaces = newActive
	e.closedSpaces = newClosed
	e.windowMapping = newWindowMapping
	e.gates = gatesSnapshot
	activeSnap := cloneSpaceMap(e.spaces)
	closedSnap := cloneSpaceMap(e.closedSpaces)
	e.mapMu.Unlock()

	if err := e.store.SaveState(activeSnap, closedSnap); err != nil {
		e.cache.Invalidate(cacheKeySpaces)
		return result, newStorageError("reconcile", err)
	}

	e.cache.Invalidate(cacheKeySpaces, cacheKeyClosedSpaces)
	e.queue.Enqueue(updatequeue.StateUpdate{ID: "reconcile", Kind: "synchronized", Payload: result, Timestamp: nowMillis(), Priority: updatequeue.PriorityNormal})
	e.fabric.BroadcastFull(map[string]any{"active": activeSnap, "closed": closedSnap})
	return result, nil
}

func nonEmptyURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) != "" {
			out = append(out, u)
		}
	}
	return out
}

// bestURLMatch picks the unmatched space whose stored urls best overlap
// current, above the threshold applicable to that space's named status.
// Ties break by higher score, then lexicographically smaller permanent id.
func bestURLMatch(current []string, candidates map[string]*Space, thresholdNamed, thresholdUnnamed float64) string {
	type scored struct {
		id    string
		score float64
	}
	var best []scored
	for id, sp := range candidates {
		score := urlOverlapRatio(current, sp.URLs)
		threshold := thresholdUnnamed
		if sp.Named {
			threshold = thresholdNamed
		}
		if score >= threshold {
			best = append(best, scored{id: id, score: score})
		}
	}
	if len(best) == 0 {
		return ""
	}
	sort.Slice(best, func(i, j int) bool {
		if best[i].score != best[j].score {
			return best[i].score > best[j].score
		}
		return best[i].id < best[j].id
	})
	return best[0].id
}

func urlOverlapRatio(a, b []string) float64 {
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
