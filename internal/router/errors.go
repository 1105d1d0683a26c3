package router

import (
	"errors"

	"spacekeeper/internal/engine"
)

var errInvalidRequest = errors.New("invalid request")

// classifyError maps an internal error to the wire-visible ErrorKind
// taxonomy from spec.md §7.
func classifyError(err error) (ErrorKind, string) {
	switch {
	case errors.Is(err, errInvalidRequest):
		return ErrorInvalidRequest, err.Error()
	case errors.Is(err, engine.ErrNotFound):
		return ErrorNotFound, err.Error()
	case errors.Is(err, engine.ErrInvalid):
		return ErrorInvalid, err.Error()
	case errors.Is(err, engine.ErrLockTimeout):
		return ErrorLockTimeout, err.Error()
	case errors.Is(err, engine.ErrStorage):
		return ErrorStorage, err.Error()
	case errors.Is(err, engine.ErrRestoreFailed):
		return ErrorRestoreFailed, err.Error()
	case errors.Is(err, engine.ErrConflict):
		return ErrorConflict, err.Error()
	default:
		return ErrorInternal, err.Error()
	}
}
