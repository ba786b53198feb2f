// Package gameerr classifies errors crossing the game core's boundary.
// Handlers map kinds to HTTP statuses; the websocket layer maps them to
// error events sent back to the submitter.
package gameerr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation")
	ErrNotFound     = errors.New("not found")
	ErrPrecondition = errors.New("precondition failed")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal")
)

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Precondition marks a request that is well-formed but illegal in the
// room's current state (wrong phase, dead performer, exhausted ability).
func Precondition(format string, args ...any) error {
	return wrap(ErrPrecondition, format, args...)
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return wrap(ErrUnauthorized, format, args...)
}

func Internal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// HTTPStatus returns the status code for an error's kind. Unclassified
// errors are treated as internal.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrUnauthorized):
		return 401
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrPrecondition):
		return 422
	default:
		return 500
	}
}
