package engine

import "time"

// RestoreRegistry is the narrow slice of internal/restore's Registry that
// the engine needs during reconciliation and rekeying. Defined here
// (rather than imported) so this package has no dependency on
// internal/restore — the dependency runs the other way.
type RestoreRegistry interface {
	IsWindowRestoring(windowID string) bool
	ClaimPendingWindow(w Window) (*RestoreSnapshot, bool)
	Finalize(windowID string)
	CleanupStale(maxAge time.Duration)
}

// noopRegistry is used when the engine is constructed without a restore
// registry wired in (e.g. unit tests that don't exercise restoration).
type noopRegistry struct{}

func (noopRegistry) IsWindowRestoring(string) bool                { return false }
func (noopRegistry) ClaimPendingWindow(Window) (*RestoreSnapshot, bool) { return nil, false }
func (noopRegistry) Finalize(string)                              {}
func (noopRegistry) CleanupStale(time.Duration)                   {}
