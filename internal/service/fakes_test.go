package service

import (
	"context"
	"sync"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/fieldtrace/syncpipe/internal/events"
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
)

type fakeConfirmationRepo struct {
	createFn          func(ctx context.Context, r *domain.ConfirmationRecord) error
	getByIDFn         func(ctx context.Context, id string) (*domain.ConfirmationRecord, error)
	getByHashFn       func(ctx context.Context, hash string) (*domain.ConfirmationRecord, error)
	transitionFn      func(ctx context.Context, id string, from, to domain.SyncState, meta repository.TransitionMeta) error
	listPendingFn     func(ctx context.Context, limit int) ([]domain.ConfirmationRecord, error)
	setSuspendedFn    func(ctx context.Context, id string, suspended bool) error
	listTransitionsFn func(ctx context.Context, id string) ([]domain.SyncTransition, error)
}

func (f *fakeConfirmationRepo) Create(ctx context.Context, r *domain.ConfirmationRecord) error {
	if f.createFn != nil {
		return f.createFn(ctx, r)
	}
	return nil
}

func (f *fakeConfirmationRepo) GetByID(ctx context.Context, id string) (*domain.ConfirmationRecord, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeConfirmationRepo) GetByVerificationHash(ctx context.Context, hash string) (*domain.ConfirmationRecord, error) {
	if f.getByHashFn != nil {
		return f.getByHashFn(ctx, hash)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeConfirmationRepo) Transition(ctx context.Context, id string, from, to domain.SyncState, meta repository.TransitionMeta) error {
	if f.transitionFn != nil {
		return f.transitionFn(ctx, id, from, to, meta)
	}
	return nil
}

func (f *fakeConfirmationRepo) ListPending(ctx context.Context, limit int) ([]domain.ConfirmationRecord, error) {
	if f.listPendingFn != nil {
		return f.listPendingFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeConfirmationRepo) SetSuspended(ctx context.Context, id string, suspended bool) error {
	if f.setSuspendedFn != nil {
		return f.setSuspendedFn(ctx, id, suspended)
	}
	return nil
}

func (f *fakeConfirmationRepo) ListTransitions(ctx context.Context, id string) ([]domain.SyncTransition, error) {
	if f.listTransitionsFn != nil {
		return f.listTransitionsFn(ctx, id)
	}
	return nil, nil
}

type fakeAttemptRepo struct {
	createFn func(ctx context.Context, a *domain.SyncAttempt) error
	getFn    func(ctx context.Context, confirmationID string) ([]domain.SyncAttempt, error)
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.SyncAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	return nil
}

func (f *fakeAttemptRepo) GetByConfirmationID(ctx context.Context, confirmationID string) ([]domain.SyncAttempt, error) {
	if f.getFn != nil {
		return f.getFn(ctx, confirmationID)
	}
	return nil, nil
}

type fakeQueue struct {
	enqueueFn         func(ctx context.Context, confirmationID string, delay time.Duration) (*queue.Job, error)
	enqueueIfAbsentFn func(ctx context.Context, confirmationID string, delay time.Duration) (*queue.Job, error)
	dequeueDueFn      func(ctx context.Context, now time.Time, maxBatch int) ([]queue.Job, error)
	releaseFn         func(ctx context.Context, jobID string, outcome queue.Outcome) error
	reclaimStaleFn    func(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]queue.Job, error)
	removeFn          func(ctx context.Context, confirmationID string) error
	peekDepthFn       func(ctx context.Context) (int64, error)
}

func (f *fakeQueue) Enqueue(ctx context.Context, confirmationID string, delay time.Duration) (*queue.Job, error) {
	if f.enqueueFn != nil {
		return f.enqueueFn(ctx, confirmationID, delay)
	}
	return &queue.Job{ID: "j1", ConfirmationID: confirmationID}, nil
}

func (f *fakeQueue) EnqueueIfAbsent(ctx context.Context, confirmationID string, delay time.Duration) (*queue.Job, error) {
	if f.enqueueIfAbsentFn != nil {
		return f.enqueueIfAbsentFn(ctx, confirmationID, delay)
	}
	return nil, domain.ErrDuplicateJob
}

func (f *fakeQueue) DequeueDue(ctx context.Context, now time.Time, maxBatch int) ([]queue.Job, error) {
	if f.dequeueDueFn != nil {
		return f.dequeueDueFn(ctx, now, maxBatch)
	}
	return nil, nil
}

func (f *fakeQueue) Release(ctx context.Context, jobID string, outcome queue.Outcome) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, jobID, outcome)
	}
	return nil
}

func (f *fakeQueue) ReclaimStale(ctx context.Context, now time.Time, claimTimeout time.Duration) ([]queue.Job, error) {
	if f.reclaimStaleFn != nil {
		return f.reclaimStaleFn(ctx, now, claimTimeout)
	}
	return nil, nil
}

func (f *fakeQueue) Remove(ctx context.Context, confirmationID string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, confirmationID)
	}
	return nil
}

func (f *fakeQueue) PeekDepth(ctx context.Context) (int64, error) {
	if f.peekDepthFn != nil {
		return f.peekDepthFn(ctx)
	}
	return 0, nil
}

type fakePusher struct {
	pushFn func(ctx context.Context, record *domain.ConfirmationRecord) (domain.PushProgress, error)
}

func (f *fakePusher) Push(ctx context.Context, record *domain.ConfirmationRecord) (domain.PushProgress, error) {
	if f.pushFn != nil {
		return f.pushFn(ctx, record)
	}
	return domain.PushProgress{}, nil
}

type fakeBreaker struct {
	allowFn         func(ctx context.Context) (bool, error)
	recordFailureFn func(ctx context.Context) (bool, error)
	recordSuccessFn func(ctx context.Context) error
}

func (f *fakeBreaker) Allow(ctx context.Context) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx)
	}
	return true, nil
}

func (f *fakeBreaker) RecordFailure(ctx context.Context) (bool, error) {
	if f.recordFailureFn != nil {
		return f.recordFailureFn(ctx)
	}
	return false, nil
}

func (f *fakeBreaker) RecordSuccess(ctx context.Context) error {
	if f.recordSuccessFn != nil {
		return f.recordSuccessFn(ctx)
	}
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) Close() error { return nil }

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	for _, e := range r.events {
		names = append(names, e.Name)
	}
	return names
}

func (r *recordingEmitter) has(name string) bool {
	for _, got := range r.names() {
		if got == name {
			return true
		}
	}
	return false
}
