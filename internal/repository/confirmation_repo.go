package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransitionMeta carries the side data applied together with a sync state
// transition. All fields are optional.
type TransitionMeta struct {
	LastError         *string
	Progress          *domain.PushProgress
	IncrementAttempts bool
	At                time.Time
}

type ConfirmationRepository interface {
	Create(ctx context.Context, r *domain.ConfirmationRecord) error
	GetByID(ctx context.Context, id string) (*domain.ConfirmationRecord, error)
	GetByVerificationHash(ctx context.Context, hash string) (*domain.ConfirmationRecord, error)
	Transition(ctx context.Context, id string, from, to domain.SyncState, meta TransitionMeta) error
	ListPending(ctx context.Context, limit int) ([]domain.ConfirmationRecord, error)
	SetSuspended(ctx context.Context, id string, suspended bool) error
	ListTransitions(ctx context.Context, id string) ([]domain.SyncTransition, error)
}

type GormConfirmationRepo struct {
	db *gorm.DB
}

func NewGormConfirmationRepo(db *gorm.DB) *GormConfirmationRepo {
	return &GormConfirmationRepo{db: db}
}

func (r *GormConfirmationRepo) Create(ctx context.Context, record *domain.ConfirmationRecord) error {
	model := confirmationModelFromDomain(record)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if record != nil {
		*record = *confirmationModelToDomain(model)
	}
	return nil
}

func (r *GormConfirmationRepo) GetByID(ctx context.Context, id string) (*domain.ConfirmationRecord, error) {
	var model ConfirmationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return confirmationModelToDomain(&model), nil
}

func (r *GormConfirmationRepo) GetByVerificationHash(ctx context.Context, hash string) (*domain.ConfirmationRecord, error) {
	var model ConfirmationModel
	err := r.db.WithContext(ctx).
		Where("verification_hash = ?", hash).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return confirmationModelToDomain(&model), nil
}

// Transition applies a compare-and-swap on sync_state: the update only lands
// when the row is still in the expected state, so two outcomes for the same
// record can never apply out of order. Every successful transition appends a
// sync_transitions audit row in the same transaction.
func (r *GormConfirmationRepo) Transition(ctx context.Context, id string, from, to domain.SyncState, meta TransitionMeta) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: transition %s -> %s is not permitted", domain.ErrValidation, from, to)
	}

	at := meta.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]any{"sync_state": to}
	if meta.IncrementAttempts {
		updates["sync_attempts"] = gorm.Expr("sync_attempts + 1")
		updates["last_attempt_at"] = at
	}
	if meta.LastError != nil {
		updates["last_error"] = *meta.LastError
	}
	if meta.Progress != nil {
		updates["status_updated"] = meta.Progress.StatusUpdated
		updates["uploaded_attachments"] = meta.Progress.UploadedAttachments
	}
	if to == domain.StateSynced {
		updates["synced_at"] = at
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ConfirmationModel{}).
			Where("id = ? AND sync_state = ?", id, from).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&ConfirmationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrStaleState
		}

		audit := SyncTransitionModel{
			ID:             uuid.NewString(),
			ConfirmationID: id,
			FromState:      from,
			ToState:        to,
			Actor:          domain.TransitionActor,
			CreatedAt:      at,
		}
		return tx.Create(&audit).Error
	})
}

// ListPending returns pending, non-suspended records without an in-flight
// job, oldest capture first so stragglers are not starved.
func (r *GormConfirmationRepo) ListPending(ctx context.Context, limit int) ([]domain.ConfirmationRecord, error) {
	if limit < 1 {
		limit = 50
	}

	var models []ConfirmationModel
	err := r.db.WithContext(ctx).
		Where("sync_state = ? AND suspended = ?", domain.StatePending, false).
		Where("NOT EXISTS (SELECT 1 FROM sync_jobs WHERE sync_jobs.confirmation_id = confirmations.id AND sync_jobs.status = ?)", "IN_FLIGHT").
		Order("captured_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.ConfirmationRecord, 0, len(models))
	for i := range models {
		records = append(records, *confirmationModelToDomain(&models[i]))
	}

	return records, nil
}

func (r *GormConfirmationRepo) SetSuspended(ctx context.Context, id string, suspended bool) error {
	result := r.db.WithContext(ctx).
		Model(&ConfirmationModel{}).
		Where("id = ?", id).
		Update("suspended", suspended)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormConfirmationRepo) ListTransitions(ctx context.Context, id string) ([]domain.SyncTransition, error) {
	var models []SyncTransitionModel
	err := r.db.WithContext(ctx).
		Where("confirmation_id = ?", id).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	transitions := make([]domain.SyncTransition, 0, len(models))
	for i := range models {
		transitions = append(transitions, *transitionModelToDomain(&models[i]))
	}

	return transitions, nil
}
