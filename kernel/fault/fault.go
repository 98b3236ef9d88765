// Package fault defines the error kinds shared across the supervisor kernel.
//
// Every component surfaces failures as one of these sentinel errors, wrapped
// with context via fmt.Errorf("...: %w", err). Callers classify failures with
// errors.Is rather than string matching:
//
//	if errors.Is(err, fault.ErrNotFound) { ... }
//
// Propagation policy:
//   - ErrValidation, ErrNotFound, ErrConflict, ErrInvalidTransition are
//     surfaced to the caller and never auto-retried.
//   - ErrTimeout and ErrUnavailable are retryable within the configured
//     retry budget.
//   - ErrCancelled short-circuits a workflow to failed with no retry.
//   - ErrEscalated is terminal and accompanied by a handoff artifact.
package fault

import "errors"

// ErrValidation indicates malformed input, an unknown enum value, or a
// payload that does not match its registered schema.
var ErrValidation = errors.New("validation error")

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a unique-key violation or an optimistic version
// check failure. The losing writer must re-read before retrying.
var ErrConflict = errors.New("conflict")

// ErrInvalidTransition indicates a disallowed workflow stage change.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrTimeout indicates a per-stage or overall workflow deadline was exceeded.
var ErrTimeout = errors.New("timeout")

// ErrCancelled indicates the operation was cancelled from outside.
var ErrCancelled = errors.New("cancelled")

// ErrUnavailable indicates a transient collaborator or persistence failure.
var ErrUnavailable = errors.New("unavailable")

// ErrEscalated indicates a business-level terminal failure that requires
// human attention.
var ErrEscalated = errors.New("escalated")
