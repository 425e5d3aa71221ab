package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateConfirmationInput is the write-entry payload handed over by the
// ingestion boundary.
type CreateConfirmationInput struct {
	ShipmentID         string
	ExternalShipmentID string
	CapturedAt         time.Time
	RecipientName      string
	GPS                domain.GPSCoordinates
	SignatureRef       string
	PhotoRefs          []string
	Notes              string
}

// ConfirmationService is the write-entry point of the pipeline: it validates
// and persists confirmations, schedules their sync, and carries the
// administrative suspend/resume override.
type ConfirmationService struct {
	records  repository.ConfirmationRepository
	attempts repository.AttemptRepository
	jobs     queue.Queue
	wake     func()
	logger   *zap.Logger
}

func NewConfirmationService(
	records repository.ConfirmationRepository,
	attempts repository.AttemptRepository,
	jobs queue.Queue,
	wake func(),
	logger *zap.Logger,
) (*ConfirmationService, error) {
	if records == nil {
		return nil, fmt.Errorf("confirmation repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if wake == nil {
		wake = func() {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConfirmationService{
		records:  records,
		attempts: attempts,
		jobs:     jobs,
		wake:     wake,
		logger:   logger,
	}, nil
}

// Create validates and stores a confirmation, enqueues its sync job, and
// wakes the orchestrator for eager dispatch. Re-submitting identical
// evidence returns the already-stored record instead of a duplicate.
// Creation succeeds regardless of ERP availability; the sync outcome is
// eventually visible through the record's sync state.
func (s *ConfirmationService) Create(ctx context.Context, input CreateConfirmationInput) (*domain.ConfirmationRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	payload := domain.Payload{
		RecipientName: input.RecipientName,
		GPS:           input.GPS,
		SignatureRef:  input.SignatureRef,
		PhotoRefs:     input.PhotoRefs,
		Notes:         input.Notes,
	}

	record := &domain.ConfirmationRecord{
		ID:                 uuid.NewString(),
		ShipmentID:         input.ShipmentID,
		ExternalShipmentID: input.ExternalShipmentID,
		CapturedAt:         input.CapturedAt,
		Payload:            payload,
		SyncState:          domain.StatePending,
		VerificationHash:   domain.ComputeVerificationHash(payload, input.CapturedAt),
	}

	if err := record.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.records.GetByVerificationHash(ctx, record.VerificationHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate confirmation: %w", err)
	}

	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create confirmation: %w", err)
	}

	if err := s.enqueue(ctx, record.ID, 0); err != nil {
		// The record stands; the periodic sweep picks up confirmations
		// whose initial enqueue was lost.
		s.logger.Error("failed to enqueue sync job after create",
			zap.String("confirmationId", record.ID),
			zap.Error(err),
		)
		return record, nil
	}

	s.wake()
	return record, nil
}

// GetByID returns a confirmation together with its push attempt history.
func (s *ConfirmationService) GetByID(ctx context.Context, id string) (*domain.ConfirmationRecord, []domain.SyncAttempt, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: confirmation id is required", domain.ErrValidation)
	}

	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var attempts []domain.SyncAttempt
	if s.attempts != nil {
		attempts, err = s.attempts.GetByConfirmationID(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load attempts: %w", err)
		}
	}

	return record, attempts, nil
}

// Suspend places a confirmation under administrative hold: its pending job
// is removed and re-enqueue is rejected until Resume.
func (s *ConfirmationService) Suspend(ctx context.Context, id string) error {
	if err := s.records.SetSuspended(ctx, id, true); err != nil {
		return err
	}
	if err := s.jobs.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove pending job on suspend: %w", err)
	}

	s.logger.Info("confirmation suspended", zap.String("confirmationId", id))
	return nil
}

// Resume lifts the hold and reschedules sync when the record is still
// pending.
func (s *ConfirmationService) Resume(ctx context.Context, id string) error {
	if err := s.records.SetSuspended(ctx, id, false); err != nil {
		return err
	}

	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.SyncState != domain.StatePending {
		return nil
	}

	if err := s.enqueue(ctx, id, 0); err != nil {
		return fmt.Errorf("failed to re-enqueue on resume: %w", err)
	}

	s.wake()
	s.logger.Info("confirmation resumed", zap.String("confirmationId", id))
	return nil
}

func (s *ConfirmationService) enqueue(ctx context.Context, id string, delay time.Duration) error {
	record, err := s.records.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Suspended {
		return domain.ErrSuspended
	}

	if _, err := s.jobs.Enqueue(ctx, id, delay); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			return nil
		}
		return err
	}

	return nil
}
