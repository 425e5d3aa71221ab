package queue

import (
	"context"
	"errors"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobModel is the persistence model for the sync_jobs table. One row per
// active job; confirmation_id carries a unique index.
type JobModel struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	ConfirmationID string    `gorm:"type:uuid;not null;uniqueIndex:idx_sync_jobs_confirmation"`
	ScheduledAt    time.Time `gorm:"not null"`
	Attempt        int       `gorm:"not null;default:0"`
	Status         JobStatus `gorm:"type:varchar(20);not null"`
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (JobModel) TableName() string {
	return "sync_jobs"
}

func jobModelToDomain(m *JobModel) *Job {
	if m == nil {
		return nil
	}

	return &Job{
		ID:             m.ID,
		ConfirmationID: m.ConfirmationID,
		ScheduledAt:    m.ScheduledAt,
		Attempt:        m.Attempt,
		Status:         m.Status,
		ClaimedAt:      m.ClaimedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// GormQueue is the job-table implementation of Queue. Claims are conditional
// updates keyed on the current row status, never application-level locks, so
// the guarantee holds across processes sharing the database.
type GormQueue struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormQueue(db *gorm.DB) *GormQueue {
	return &GormQueue{db: db, now: time.Now}
}

func (q *GormQueue) Enqueue(ctx context.Context, confirmationID string, delay time.Duration) (*Job, error) {
	if delay < 0 {
		delay = 0
	}
	scheduledAt := q.now().UTC().Add(delay)

	var enqueued *JobModel
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing JobModel
		err := tx.Where("confirmation_id = ?", confirmationID).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if err == nil {
			if existing.Status == JobInFlight {
				return domain.ErrDuplicateJob
			}
			if !existing.ScheduledAt.After(scheduledAt) {
				return domain.ErrDuplicateJob
			}

			// Pull the job forward, but only if it is still pending and
			// still scheduled later than the new request.
			result := tx.Model(&JobModel{}).
				Where("id = ? AND status = ? AND scheduled_at > ?", existing.ID, JobPending, scheduledAt).
				Update("scheduled_at", scheduledAt)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return domain.ErrDuplicateJob
			}
			existing.ScheduledAt = scheduledAt
			enqueued = &existing
			return nil
		}

		model := JobModel{
			ID:             uuid.NewString(),
			ConfirmationID: confirmationID,
			ScheduledAt:    scheduledAt,
			Status:         JobPending,
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrDuplicateJob
			}
			return err
		}
		enqueued = &model
		return nil
	})
	if err != nil {
		return nil, err
	}

	return jobModelToDomain(enqueued), nil
}

func (q *GormQueue) EnqueueIfAbsent(ctx context.Context, confirmationID string, delay time.Duration) (*Job, error) {
	if delay < 0 {
		delay = 0
	}

	model := JobModel{
		ID:             uuid.NewString(),
		ConfirmationID: confirmationID,
		ScheduledAt:    q.now().UTC().Add(delay),
		Status:         JobPending,
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&JobModel{}).Where("confirmation_id = ?", confirmationID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrDuplicateJob
		}
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrDuplicateJob
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return jobModelToDomain(&model), nil
}

func (q *GormQueue) DequeueDue(ctx context.Context, now time.Time, maxBatch int) ([]Job, error) {
	if maxBatch < 1 {
		maxBatch = 1
	}
	if now.IsZero() {
		now = q.now().UTC()
	}

	var candidates []JobModel
	err := q.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", JobPending, now).
		Order("scheduled_at ASC").
		Limit(maxBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]Job, 0, len(candidates))
	for i := range candidates {
		candidate := candidates[i]

		// CAS on status: only the caller whose update lands owns the job.
		result := q.db.WithContext(ctx).
			Model(&JobModel{}).
			Where("id = ? AND status = ?", candidate.ID, JobPending).
			Updates(map[string]any{
				"status":     JobInFlight,
				"claimed_at": now,
			})
		if result.Error != nil {
			return claimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		candidate.Status = JobInFlight
		claimedAt := now
		candidate.ClaimedAt = &claimedAt
		claimed = append(claimed, *jobModelToDomain(&candidate))
	}

	return claimed, nil
}

func (q *GormQueue) Release(ctx context.Context, jobID string, outcome Outcome) error {
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeTerminal:
		result := q.db.WithContext(ctx).Delete(&JobModel{}, "id = ?", jobID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	case OutcomeRetry:
		result := q.db.WithContext(ctx).
			Model(&JobModel{}).
			Where("id = ? AND status = ?", jobID, JobInFlight).
			Updates(map[string]any{
				"status":       JobPending,
				"scheduled_at": q.now().UTC().Add(outcome.Delay),
				"attempt":      gorm.Expr("attempt + 1"),
				"claimed_at":   nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	}
	return domain.ErrValidation
}

func (q *GormQueue) ReclaimStale(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]Job, error) {
	if claimTimeout <= 0 {
		return nil, nil
	}
	if now.IsZero() {
		now = q.now().UTC()
	}
	cutoff := now.Add(-claimTimeout)

	var candidates []JobModel
	err := q.db.WithContext(ctx).
		Where("status = ? AND claimed_at <= ?", JobInFlight, cutoff).
		Order("claimed_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	reclaimed := make([]Job, 0, len(candidates))
	for i := range candidates {
		candidate := candidates[i]

		// CAS back to pending. A worker that is merely slow and releases
		// concurrently changes the status first and wins.
		result := q.db.WithContext(ctx).
			Model(&JobModel{}).
			Where("id = ? AND status = ? AND claimed_at <= ?", candidate.ID, JobInFlight, cutoff).
			Updates(map[string]any{
				"status":       JobPending,
				"scheduled_at": now,
				"claimed_at":   nil,
			})
		if result.Error != nil {
			return reclaimed, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		candidate.Status = JobPending
		candidate.ScheduledAt = now
		candidate.ClaimedAt = nil
		reclaimed = append(reclaimed, *jobModelToDomain(&candidate))
	}

	return reclaimed, nil
}

func (q *GormQueue) Remove(ctx context.Context, confirmationID string) error {
	return q.db.WithContext(ctx).
		Delete(&JobModel{}, "confirmation_id = ? AND status = ?", confirmationID, JobPending).
		Error
}

func (q *GormQueue) PeekDepth(ctx context.Context) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("status = ?", JobPending).
		Count(&count).Error
	return count, err
}
