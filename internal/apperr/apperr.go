// Package apperr defines the error taxonomy shared by the circles services.
// Business outcomes (full room, busy speaking slot, validation) are returned as
// these sentinels and classified with errors.Is; collaborator failures are
// wrapped into ErrUnavailable so callers never see driver details.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRoomFull          = errors.New("room is full")
	ErrBusy              = errors.New("speaking slot is occupied")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidReply      = errors.New("reply target is not in this room")
	ErrRetryableConflict = errors.New("lost a uniqueness race")
	ErrUnverified        = errors.New("session is not verified")
	ErrUnauthenticated   = errors.New("missing or invalid session token")
	ErrRateLimited       = errors.New("too many requests")
	ErrUnavailable       = errors.New("collaborator unavailable")
	ErrTimeout           = errors.New("request timed out")
)

// Invalid returns an ErrInvalidInput carrying a human readable reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Unavailable wraps a collaborator failure. Context deadline errors are
// reported as ErrTimeout instead so the caller can tell them apart.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsBusinessOutcome reports whether err is an expected, typed result rather
// than an infrastructure failure.
func IsBusinessOutcome(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrRoomFull, ErrBusy, ErrEmptyMessage,
		ErrInvalidInput, ErrInvalidReply, ErrUnverified,
		ErrUnauthenticated, ErrRateLimited,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
