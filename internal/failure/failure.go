// Package failure holds the error taxonomy shared by the orchestrator
// components. Every error returned across a component boundary wraps
// exactly one of the sentinel kinds below so callers can classify it
// with errors.Is.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/caesium-cloud/pigment/internal/models"
)

var (
	// ErrValidation is returned when a request is rejected before dispatch.
	ErrValidation = errors.New("validation error")

	// ErrSlotBusy is returned when the execution slot already runs a generation.
	ErrSlotBusy = errors.New("execution slot busy")

	// ErrProvider marks a failure reported by a provider adapter.
	ErrProvider = errors.New("provider error")

	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("provider deadline exceeded")

	// ErrCancelled marks cooperative cancellation requested by a caller.
	ErrCancelled = errors.New("cancelled")

	// ErrStorage marks a job store I/O failure.
	ErrStorage = errors.New("storage error")

	// ErrNotFound is returned when a generation or output does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotTracked is returned when a generation is not running in this process.
	ErrNotTracked = errors.New("generation is not running")

	// ErrTransition is returned when a write would move a generation
	// backwards along its state machine or out of a terminal state.
	ErrTransition = errors.New("invalid status transition")

	// ErrInterrupted marks a generation whose execution was lost to a restart.
	ErrInterrupted = errors.New("generation interrupted before completion")
)

// Validation wraps a formatted message as ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Storage wraps err as ErrStorage, leaving nil untouched.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Classify maps a terminal execution error onto a status and error code.
// A nil error means success.
func Classify(err error) (models.Status, models.ErrorCode) {
	switch {
	case err == nil:
		return models.StatusCompleted, models.ErrorCodeNone
	case errors.Is(err, ErrCancelled):
		return models.StatusCancelled, models.ErrorCodeNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.StatusFailed, models.ErrorCodeTimeout
	case errors.Is(err, ErrInterrupted):
		return models.StatusFailed, models.ErrorCodeInterrupted
	case errors.Is(err, ErrStorage):
		return models.StatusFailed, models.ErrorCodeStorage
	default:
		return models.StatusFailed, models.ErrorCodeProvider
	}
}

// Message renders the persisted error message for a failed generation,
// prefixed with its code so callers never parse adapter strings.
func Message(code models.ErrorCode, err error) string {
	if err == nil || code == models.ErrorCodeNone {
		return ""
	}
	return fmt.Sprintf("%s: %v", code, err)
}
