// Package router translates typed UI requests into StateEngine and
// browser-adapter calls — spec.md §4.8. It holds both the engine and the
// browser adapter, as do the restore driver and the daemon's wiring; the
// engine itself stays free of any adapter dependency.
package router

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"spacekeeper/internal/broadcast"
	"spacekeeper/internal/browseradapter"
	"spacekeeper/internal/engine"
	"spacekeeper/internal/restore"
	"spacekeeper/pkg/logger"
)

// Kind identifies a UI request's type.
type Kind string

const (
	KindGetAllSpaces      Kind = "get_all_spaces"
	KindRenameSpace       Kind = "rename_space"
	KindCloseSpace        Kind = "close_space"
	KindSwitchToSpace     Kind = "switch_to_space"
	KindRestoreSpace      Kind = "restore_space"
	KindDeleteClosedSpace Kind = "delete_closed_space"
	KindMoveTab           Kind = "move_tab"
)

// Request is one typed UI request.
type Request struct {
	Kind           Kind
	WindowID       string
	Name           string
	PermanentID    string
	TabID          string
	TargetWindowID string
	OriginClientID string
}

// ErrorKind mirrors spec.md §7 for the wire-visible error taxonomy.
type ErrorKind string

const (
	ErrorInvalidRequest ErrorKind = "InvalidRequest"
	ErrorNotFound       ErrorKind = "NotFound"
	ErrorInvalid        ErrorKind = "Invalid"
	ErrorLockTimeout    ErrorKind = "LockTimeout"
	ErrorStorage        ErrorKind = "StorageError"
	ErrorRestoreFailed  ErrorKind = "RestoreFailed"
	ErrorConflict       ErrorKind = "Conflict"
	ErrorInternal       ErrorKind = "Internal"
)

// Response is the structured reply sent back over the request/response
// channel. Exactly one of Payload or Error is set.
type Response struct {
	Payload any            `json:"payload,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the wire shape of a failed request.
type ErrorResponse struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Router dispatches Requests. Construct with New.
type Router struct {
	engine  *engine.StateEngine
	adapter browseradapter.Adapter
	driver  *restore.Driver
	fabric  *broadcast.Fabric
	limiter *rate.Limiter
	log     *logger.Logger
}

// Options configures a Router.
type Options struct {
	Engine            *engine.StateEngine
	Adapter           browseradapter.Adapter
	Driver            *restore.Driver
	Fabric            *broadcast.Fabric
	RequestsPerSecond float64
	BurstSize         int
	Logger            *logger.Logger
}

// New constructs a Router.
func New(opts Options) *Router {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := opts.BurstSize
	if burst <= 0 {
		burst = 100
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		engine:  opts.Engine,
		adapter: opts.Adapter,
		driver:  opts.Driver,
		fabric:  opts.Fabric,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

// Dispatch handles one Request and always returns a Response (never an
// error) — failures are encoded as Response.Error per spec, and a
// separate ErrorOccurred broadcast notifies other clients.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	if !r.limiter.Allow() {
		return errorResponse(ErrorConflict, "rate limit exceeded")
	}

	resp, err := r.dispatch(ctx, req)
	if err != nil {
		logCtx := r.log.WithPermanentID(r.log.WithWindowID(ctx, req.WindowID), req.PermanentID)
		r.log.WarnContext(logCtx, fmt.Sprintf("router: %s failed: %v", req.Kind, err))
		kind, msg := classifyError(err)
		errResp := ErrorResponse{Kind: kind, Message: msg}
		r.fabric.BroadcastIncremental("ErrorOccurred", errResp)
		return Response{Error: &errResp}
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Kind {
	case KindGetAllSpaces:
		active, closed := r.engine.GetAllSpaces()
		return Response{Payload: map[string]any{"spaces": active, "closed_spaces": closed}}, nil

	case KindRenameSpace:
		permanentID, err := r.resolveWindow(req.WindowID)
		if err != nil {
			return Response{}, err
		}
		sp, err := r.engine.SetSpaceName(ctx, permanentID, req.Name)
		if err != nil {
			return Response{}, err
		}
		return Response{Payload: sp}, nil

	case KindCloseSpace:
		windows, err := r.adapter.ListWindows(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("router: close_space: list windows: %w", err)
		}
		liveURLs := urlsForWindow(windows, req.WindowID)
		if err := r.engine.CloseSpace(ctx, req.WindowID, liveURLs); err != nil {
			return Response{}, err
		}
		if err := r.adapter.CloseWindow(ctx, req.WindowID); err != nil {
			return Response{}, fmt.Errorf("router: close_space: adapter: %w", err)
		}
		return Response{Payload: map[string]string{"window_id": req.WindowID}}, nil

	case KindSwitchToSpace:
		if err := r.adapter.FocusWindow(ctx, req.WindowID); err != nil {
			return Response{}, fmt.Errorf("router: switch_to_space: %w", err)
		}
		return Response{Payload: map[string]string{"window_id": req.WindowID}}, nil

	case KindRestoreSpace:
		sp, err := r.driver.Restore(ctx, req.PermanentID)
		if err != nil {
			return Response{}, err
		}
		return Response{Payload: sp}, nil

	case KindDeleteClosedSpace:
		if err := r.engine.DeleteClosedSpace(ctx, req.PermanentID); err != nil {
			return Response{}, err
		}
		return Response{Payload: map[string]string{"permanent_id": req.PermanentID}}, nil

	case KindMoveTab:
		if err := r.adapter.SetWindowURLs(ctx, req.TargetWindowID, []string{req.TabID}); err != nil {
			return Response{}, fmt.Errorf("router: move_tab: %w", err)
		}
		// Scoped update: only the two affected windows are reconciled, not
		// a full synchronize_windows_and_spaces pass (spec Open Question,
		// resolved this way — see the expanded design notes).
		windows, err := r.adapter.ListWindows(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("router: move_tab: list windows: %w", err)
		}
		scoped := filterWindows(windows, req.TargetWindowID, req.WindowID)
		if _, err := r.engine.Reconcile(scoped); err != nil {
			return Response{}, fmt.Errorf("router: move_tab: reconcile: %w", err)
		}
		return Response{Payload: map[string]string{"tab_id": req.TabID, "target_window_id": req.TargetWindowID}}, nil

	default:
		return Response{}, fmt.Errorf("router: %w: unknown kind %q", errInvalidRequest, req.Kind)
	}
}

func (r *Router) resolveWindow(windowID string) (string, error) {
	active, _ := r.engine.GetAllSpaces()
	for id, sp := range active {
		if sp.WindowID == windowID {
			return id, nil
		}
	}
	return "", fmt.Errorf("router: resolve window: %w: %s", errInvalidRequest, windowID)
}

func urlsForWindow(windows []engine.Window, windowID string) []string {
	for _, w := range windows {
		if w.ID == windowID {
			return w.URLs
		}
	}
	return nil
}

func filterWindows(windows []engine.Window, ids ...string) []engine.Window {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			want[id] = true
		}
	}
	var out []engine.Window
	for _, w := range windows {
		if want[w.ID] {
			out = append(out, w)
		}
	}
	return out
}

func errorResponse(kind ErrorKind, msg string) Response {
	return Response{Error: &ErrorResponse{Kind: kind, Message: msg}}
}
