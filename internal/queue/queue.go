package queue

import (
	"context"
	"time"
)

// JobStatus is the visibility state of a sync job.
type JobStatus string

const (
	JobPending  JobStatus = "PENDING"
	JobInFlight JobStatus = "IN_FLIGHT"
)

func (s JobStatus) String() string { return string(s) }

// Job is a scheduled sync task for a single confirmation. The queue owns the
// job lifetime exclusively: a job exists from enqueue until a terminal
// release, and at most one job is active per confirmation.
type Job struct {
	ID             string
	ConfirmationID string
	ScheduledAt    time.Time
	Attempt        int
	Status         JobStatus
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutcomeKind is the terminal classification of a processed job.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "SUCCESS"
	OutcomeRetry    OutcomeKind = "RETRY"
	OutcomeTerminal OutcomeKind = "TERMINAL"
)

// Outcome tells Release what to do with a claimed job.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration
}

func Success() Outcome  { return Outcome{Kind: OutcomeSuccess} }
func Terminal() Outcome { return Outcome{Kind: OutcomeTerminal} }

func RetryAfter(delay time.Duration) Outcome {
	return Outcome{Kind: OutcomeRetry, Delay: delay}
}

// Queue schedules and dispatches sync jobs with an
// at-most-one-in-flight-per-confirmation guarantee.
type Queue interface {
	// Enqueue schedules a job after delay. It fails with ErrDuplicateJob
	// when an in-flight or equal-or-sooner job already exists; a later
	// scheduled job is pulled forward instead.
	Enqueue(ctx context.Context, confirmationID string, delay time.Duration) (*Job, error)
	// EnqueueIfAbsent schedules a job only when no job exists for the
	// confirmation at all. Used by the repair sweep so it never pulls a
	// backed-off retry forward.
	EnqueueIfAbsent(ctx context.Context, confirmationID string, delay time.Duration) (*Job, error)
	// DequeueDue atomically claims up to maxBatch due jobs. Claimed jobs
	// are invisible to concurrent callers until released.
	DequeueDue(ctx context.Context, now time.Time, maxBatch int) ([]Job, error)
	// Release resolves a claimed job: success and terminal outcomes remove
	// it, retry reschedules it back to pending visibility.
	Release(ctx context.Context, jobID string, outcome Outcome) error
	// ReclaimStale returns in-flight jobs whose claim is older than
	// claimTimeout to pending visibility and reports them. Recovers jobs
	// orphaned by a worker that died before releasing.
	ReclaimStale(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]Job, error)
	// Remove deletes any pending job for the confirmation. Used by the
	// administrative suspend path; in-flight jobs are left to finish.
	Remove(ctx context.Context, confirmationID string) error
	// PeekDepth reports the number of pending jobs. Observability only.
	PeekDepth(ctx context.Context) (int64, error)
}
