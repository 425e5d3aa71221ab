package domain

import "time"

// SyncAttempt records a single ERP push attempt for a confirmation.
type SyncAttempt struct {
	ID                  string
	ConfirmationID      string
	AttemptNumber       int
	ErrorKind           *string
	Error               *string
	DurationMillis      int64
	StatusUpdated       bool
	UploadedAttachments int
	CreatedAt           time.Time
}

// SyncTransition is an append-only audit entry for a sync state change.
type SyncTransition struct {
	ID             string
	ConfirmationID string
	FromState      SyncState
	ToState        SyncState
	Actor          string
	CreatedAt      time.Time
}

// TransitionActor is the actor recorded on transitions applied by the
// pipeline itself.
const TransitionActor = "sync-pipeline"
