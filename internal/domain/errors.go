package domain

import "errors"

var (
	// ErrValidation marks bad input rejected at creation time; never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a missing confirmation, job, or attempt.
	ErrNotFound = errors.New("not found")
	// ErrStaleState marks a compare-and-swap transition that lost to a
	// concurrent modification. Callers must re-read before retrying.
	ErrStaleState = errors.New("stale sync state")
	// ErrDuplicateJob marks an enqueue that found an equal-or-sooner job
	// already active for the confirmation. Not an application failure.
	ErrDuplicateJob = errors.New("duplicate sync job")
	// ErrSuspended marks a confirmation under administrative hold.
	ErrSuspended = errors.New("confirmation suspended")
	// ErrCorrupted marks a record whose verification hash no longer matches
	// its payload. Sync is blocked until the record is re-submitted.
	ErrCorrupted = errors.New("verification hash mismatch")
)

// ErrorKind classifies ERP push failures for the retry policy.
type ErrorKind string

const (
	// ErrorKindTransient covers network faults, timeouts, and 5xx responses;
	// always retryable.
	ErrorKindTransient ErrorKind = "TRANSIENT"
	// ErrorKindPermanent covers rejections the ERP will never accept, such
	// as an unknown shipment id; terminal on first occurrence.
	ErrorKindPermanent ErrorKind = "PERMANENT"
	// ErrorKindAuth covers credential failures; retryable up to a small
	// bound while an external collaborator refreshes the token.
	ErrorKindAuth ErrorKind = "AUTH"
)

func (k ErrorKind) String() string { return string(k) }
