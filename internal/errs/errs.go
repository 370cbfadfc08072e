// Package errs defines the stable error kinds that cross component
// boundaries, per spec.md §7. Callers compare with errors.Is; the
// stakeholder channel tags each event with one of these kinds plus a
// human-readable message.
package errs

import "errors"

var (
	ErrThrottled           = errors.New("throttled")
	ErrInvalidTask         = errors.New("invalid task")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrHeldForReview       = errors.New("held for review")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrSerializationFailure = errors.New("serialization failure")
	ErrAssignmentTimeout   = errors.New("assignment timeout")
	ErrNoCompatibleWorker  = errors.New("no compatible worker")
	ErrDependencyUnready   = errors.New("dependency unready")
)
