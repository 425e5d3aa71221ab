package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/fieldtrace/syncpipe/internal/erp"
	"github.com/fieldtrace/syncpipe/internal/events"
	"github.com/fieldtrace/syncpipe/internal/observability"
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
	"github.com/fieldtrace/syncpipe/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCycleInterval  = 10 * time.Second
	defaultBatchSize      = 25
	defaultConcurrency    = 8
	defaultSweepBatchSize = 100
	defaultClaimTimeout   = 10 * time.Minute
)

// Pusher is the outbound ERP port consumed by the orchestrator.
type Pusher interface {
	Push(ctx context.Context, record *domain.ConfirmationRecord) (domain.PushProgress, error)
}

var _ Pusher = (*erp.Adapter)(nil)

// Orchestrator is the coordinating loop of the pipeline: it pulls due jobs,
// pushes them to the ERP, and applies the retry policy's decision through
// the job queue and record store. Multiple orchestrator processes may run
// concurrently; the queue's claim operation is the only serialization point.
type Orchestrator struct {
	records  repository.ConfirmationRepository
	attempts repository.AttemptRepository
	jobs     queue.Queue
	pusher   Pusher
	policy   *retry.Policy
	breaker  retry.Breaker
	emitter  events.Emitter
	metrics  *observability.Metrics
	logger   *zap.Logger

	interval     time.Duration
	batchSize    int
	concurrency  int
	claimTimeout time.Duration

	wakeCh      chan struct{}
	breakerOpen atomic.Bool
	now         func() time.Time
}

func NewOrchestrator(
	records repository.ConfirmationRepository,
	attempts repository.AttemptRepository,
	jobs queue.Queue,
	pusher Pusher,
	policy *retry.Policy,
	breaker retry.Breaker,
	emitter events.Emitter,
	interval time.Duration,
	batchSize int,
	concurrency int,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if records == nil {
		return nil, fmt.Errorf("confirmation repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job queue is required")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	if policy == nil {
		policy = retry.NewPolicy(0, 0, 0, 0)
	}
	if breaker == nil {
		breaker = retry.NewWindowBreaker(0, 0, 0)
	}
	if emitter == nil {
		emitter = events.NewZapEmitter(nil)
	}
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		records:      records,
		attempts:     attempts,
		jobs:         jobs,
		pusher:       pusher,
		policy:       policy,
		breaker:      breaker,
		emitter:      emitter,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
		concurrency:  concurrency,
		claimTimeout: defaultClaimTimeout,
		wakeCh:       make(chan struct{}, 1),
		now:          time.Now,
	}, nil
}

// SetClaimTimeout overrides how long an in-flight claim may go unreleased
// before the sweep hands the job back to pending. Non-positive values keep
// the default.
func (o *Orchestrator) SetClaimTimeout(timeout time.Duration) {
	if o == nil || timeout <= 0 {
		return
	}
	o.claimTimeout = timeout
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Wake triggers an immediate cycle without waiting for the next ticker
// edge. Non-blocking; a pending wake absorbs further calls.
func (o *Orchestrator) Wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until context cancellation. Cycles fire on a
// fixed interval as the safety net, and eagerly on Wake for low latency.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	o.runCycle(ctx)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.runCycle(ctx)
		case <-o.wakeCh:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	ctx = observability.WithCycleID(ctx, cycleID)
	logger := observability.WithContextLogger(o.logger, ctx)

	allowed, err := o.breaker.Allow(ctx)
	if err != nil {
		logger.Error("breaker check failed, skipping cycle", zap.Error(err))
		return
	}
	if !allowed {
		o.breakerOpen.Store(true)
		o.metrics.SetBreakerOpen(true)
		o.emit(ctx, events.EventCycleSkipped, map[string]string{"reason": "breaker_open"})
		return
	}
	if o.breakerOpen.Swap(false) {
		o.metrics.SetBreakerOpen(false)
		o.emit(ctx, events.EventBreakerClosed, nil)
	}

	o.sweep(ctx, logger)

	jobs, err := o.jobs.DequeueDue(ctx, o.now().UTC(), o.batchSize)
	if err != nil {
		logger.Error("failed to dequeue due jobs", zap.Error(err))
		return
	}
	if depth, err := o.jobs.PeekDepth(ctx); err == nil {
		o.metrics.SetQueueDepth(depth)
	}
	if len(jobs) == 0 {
		return
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			// One slow or failing job never blocks the rest of the batch.
			if err := o.processJob(groupCtx, job); err != nil {
				logger.Error("job processing failed",
					zap.String("jobId", job.ID),
					zap.String("confirmationId", job.ConfirmationID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweep repairs two kinds of stranded work: claims orphaned by a dead
// worker go back to pending, and confirmations whose enqueue was lost get a
// job. Backed-off retries keep their schedule.
func (o *Orchestrator) sweep(ctx context.Context, logger *zap.Logger) {
	reclaimed, err := o.jobs.ReclaimStale(ctx, o.now().UTC(), o.claimTimeout)
	if err != nil {
		logger.Error("stale claim sweep failed", zap.Error(err))
	}
	for i := range reclaimed {
		job := reclaimed[i]
		meta := repository.TransitionMeta{At: o.now().UTC()}
		err := o.records.Transition(ctx, job.ConfirmationID, domain.StateInFlight, domain.StatePending, meta)
		if err != nil && !errors.Is(err, domain.ErrStaleState) && !errors.Is(err, domain.ErrNotFound) {
			logger.Error("failed to reset reclaimed confirmation",
				zap.String("confirmationId", job.ConfirmationID),
				zap.Error(err),
			)
		}
		o.emit(ctx, events.EventJobReclaimed, map[string]string{
			"confirmationId": job.ConfirmationID,
			"attempt":        strconv.Itoa(job.Attempt),
		})
	}

	pending, err := o.records.ListPending(ctx, defaultSweepBatchSize)
	if err != nil {
		logger.Error("pending sweep failed", zap.Error(err))
		return
	}

	for i := range pending {
		record := pending[i]
		if _, err := o.jobs.EnqueueIfAbsent(ctx, record.ID, 0); err != nil {
			if errors.Is(err, domain.ErrDuplicateJob) {
				continue
			}
			logger.Error("failed to repair missing job",
				zap.String("confirmationId", record.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) processJob(ctx context.Context, job queue.Job) error {
	o.emit(ctx, events.EventJobClaimed, map[string]string{
		"confirmationId": job.ConfirmationID,
		"attempt":        strconv.Itoa(job.Attempt + 1),
	})

	record, err := o.records.GetByID(ctx, job.ConfirmationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Orphan job; drop it.
			return o.jobs.Release(ctx, job.ID, queue.Success())
		}
		return o.releaseForRetry(ctx, job, fmt.Errorf("failed to load confirmation: %w", err))
	}

	// Suspended or already-resolved records drop their stale jobs without
	// touching sync state.
	if record.Suspended || record.SyncState.IsTerminal() {
		return o.jobs.Release(ctx, job.ID, queue.Success())
	}

	meta := repository.TransitionMeta{IncrementAttempts: true, At: o.now().UTC()}
	if err := o.records.Transition(ctx, record.ID, domain.StatePending, domain.StateInFlight, meta); err != nil {
		if errors.Is(err, domain.ErrStaleState) {
			// Another actor moved the record first; its outcome wins.
			return o.jobs.Release(ctx, job.ID, queue.Success())
		}
		return o.releaseForRetry(ctx, job, fmt.Errorf("failed to mark in flight: %w", err))
	}
	attempt := record.SyncAttempts + 1

	o.emit(ctx, events.EventPushAttempted, map[string]string{
		"confirmationId": record.ID,
		"attempt":        strconv.Itoa(attempt),
	})

	o.metrics.IncPushInFlight()
	pushStart := o.now()
	progress, pushErr := o.pusher.Push(ctx, record)
	pushDuration := o.now().Sub(pushStart)
	o.metrics.DecPushInFlight()
	o.metrics.ObservePushDuration(pushDuration)

	o.recordAttempt(ctx, record.ID, attempt, progress, pushDuration, pushErr)

	if pushErr == nil {
		return o.finishSuccess(ctx, job, record, attempt, progress)
	}
	return o.finishFailure(ctx, job, record, attempt, progress, pushErr)
}

func (o *Orchestrator) finishSuccess(ctx context.Context, job queue.Job, record *domain.ConfirmationRecord, attempt int, progress domain.PushProgress) error {
	meta := repository.TransitionMeta{Progress: &progress, At: o.now().UTC()}
	if err := o.records.Transition(ctx, record.ID, domain.StateInFlight, domain.StateSynced, meta); err != nil {
		return fmt.Errorf("failed to mark synced: %w", err)
	}
	if err := o.jobs.Release(ctx, job.ID, queue.Success()); err != nil {
		return fmt.Errorf("failed to release job after success: %w", err)
	}

	if err := o.breaker.RecordSuccess(ctx); err != nil {
		o.logger.Warn("breaker success record failed", zap.Error(err))
	}
	o.metrics.IncPushSynced()
	o.emit(ctx, events.EventPushOutcome, map[string]string{
		"confirmationId": record.ID,
		"outcome":        "synced",
		"attempt":        strconv.Itoa(attempt),
	})

	return nil
}

func (o *Orchestrator) finishFailure(ctx context.Context, job queue.Job, record *domain.ConfirmationRecord, attempt int, progress domain.PushProgress, pushErr error) error {
	kind := erp.KindOf(pushErr)
	decision := o.policy.Decide(attempt, kind)
	lastError := pushErr.Error()
	meta := repository.TransitionMeta{
		LastError: &lastError,
		Progress:  &progress,
		At:        o.now().UTC(),
	}

	if decision.Retry {
		if err := o.records.Transition(ctx, record.ID, domain.StateInFlight, domain.StatePending, meta); err != nil {
			return fmt.Errorf("failed to mark pending for retry: %w", err)
		}
		if err := o.jobs.Release(ctx, job.ID, queue.RetryAfter(decision.Delay)); err != nil {
			return fmt.Errorf("failed to reschedule job: %w", err)
		}
		o.metrics.IncRetryScheduled(kind.String())
		o.emit(ctx, events.EventPushOutcome, map[string]string{
			"confirmationId": record.ID,
			"outcome":        "retry_scheduled",
			"errorKind":      kind.String(),
			"attempt":        strconv.Itoa(attempt),
			"delay":          decision.Delay.String(),
		})
	} else {
		if err := o.records.Transition(ctx, record.ID, domain.StateInFlight, domain.StateFailed, meta); err != nil {
			return fmt.Errorf("failed to mark failed: %w", err)
		}
		if err := o.jobs.Release(ctx, job.ID, queue.Terminal()); err != nil {
			return fmt.Errorf("failed to remove job after terminal failure: %w", err)
		}
		o.metrics.IncPushFailed(decision.Reason)
		o.emit(ctx, events.EventPushOutcome, map[string]string{
			"confirmationId": record.ID,
			"outcome":        "failed",
			"errorKind":      kind.String(),
			"reason":         decision.Reason,
			"attempt":        strconv.Itoa(attempt),
		})
	}

	opened, err := o.breaker.RecordFailure(ctx)
	if err != nil {
		o.logger.Warn("breaker failure record failed", zap.Error(err))
	}
	if opened {
		o.breakerOpen.Store(true)
		o.metrics.SetBreakerOpen(true)
		o.emit(ctx, events.EventBreakerOpened, map[string]string{
			"confirmationId": record.ID,
		})
	}

	return nil
}

// releaseForRetry puts a claimed job back with a short delay after an
// infrastructure error, before the record was moved in flight.
func (o *Orchestrator) releaseForRetry(ctx context.Context, job queue.Job, cause error) error {
	if releaseErr := o.jobs.Release(ctx, job.ID, queue.RetryAfter(o.policy.BaseDelay)); releaseErr != nil {
		return fmt.Errorf("%w (release also failed: %v)", cause, releaseErr)
	}
	return cause
}

func (o *Orchestrator) recordAttempt(ctx context.Context, confirmationID string, attemptNumber int, progress domain.PushProgress, duration time.Duration, pushErr error) {
	if o.attempts == nil {
		return
	}

	var errorKind, errorText *string
	if pushErr != nil {
		kindValue := erp.KindOf(pushErr).String()
		errValue := pushErr.Error()
		errorKind = &kindValue
		errorText = &errValue
	}

	attempt := &domain.SyncAttempt{
		ID:                  uuid.NewString(),
		ConfirmationID:      confirmationID,
		AttemptNumber:       attemptNumber,
		ErrorKind:           errorKind,
		Error:               errorText,
		DurationMillis:      duration.Milliseconds(),
		StatusUpdated:       progress.StatusUpdated,
		UploadedAttachments: progress.UploadedAttachments,
		CreatedAt:           o.now().UTC(),
	}

	if err := o.attempts.Create(ctx, attempt); err != nil {
		o.logger.Error("failed to record sync attempt",
			zap.String("confirmationId", confirmationID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) emit(ctx context.Context, name string, fields map[string]string) {
	o.emitter.Emit(ctx, events.Event{
		Name:   name,
		At:     o.now().UTC(),
		Fields: fields,
	})
}
