package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/fieldtrace/syncpipe/internal/erp"
	"github.com/fieldtrace/syncpipe/internal/events"
	"github.com/fieldtrace/syncpipe/internal/queue"
	"github.com/fieldtrace/syncpipe/internal/repository"
	"github.com/fieldtrace/syncpipe/internal/retry"
	"go.uber.org/zap"
)

type orchestratorHarness struct {
	orchestrator *Orchestrator
	repo         *fakeConfirmationRepo
	jobs         *fakeQueue
	pusher       *fakePusher
	breaker      *fakeBreaker
	emitter      *recordingEmitter
}

func newOrchestratorHarness(t *testing.T) *orchestratorHarness {
	t.Helper()

	h := &orchestratorHarness{
		repo:    &fakeConfirmationRepo{},
		jobs:    &fakeQueue{},
		pusher:  &fakePusher{},
		breaker: &fakeBreaker{},
		emitter: &recordingEmitter{},
	}

	policy := retry.NewPolicy(60*time.Second, 1200*time.Second, 5, 3)
	orchestrator, err := NewOrchestrator(
		h.repo,
		&fakeAttemptRepo{},
		h.jobs,
		h.pusher,
		policy,
		h.breaker,
		h.emitter,
		time.Minute,
		10,
		2,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	orchestrator.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	h.orchestrator = orchestrator
	return h
}

func inflightRecord(id string) *domain.ConfirmationRecord {
	payload := domain.Payload{
		RecipientName: "Jane Doe",
		GPS:           domain.GPSCoordinates{Lat: 52.5, Lon: 13.4, Accuracy: 8},
		SignatureRef:  "blob://sig-1",
	}
	capturedAt := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	return &domain.ConfirmationRecord{
		ID:                 id,
		ShipmentID:         "s1",
		ExternalShipmentID: "EXT-100",
		CapturedAt:         capturedAt,
		Payload:            payload,
		SyncState:          domain.StatePending,
		VerificationHash:   domain.ComputeVerificationHash(payload, capturedAt),
	}
}

func TestOrchestratorCycleSuccess(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")

	var mu sync.Mutex
	var transitions [][2]domain.SyncState
	var releases []queue.Outcome
	breakerSuccess := false

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1", Status: queue.JobInFlight}}, nil
	}
	h.repo.getByIDFn = func(_ context.Context, _ string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.repo.transitionFn = func(_ context.Context, _ string, from, to domain.SyncState, meta repository.TransitionMeta) error {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, [2]domain.SyncState{from, to})
		if to == domain.StateSynced {
			if meta.Progress == nil || !meta.Progress.StatusUpdated {
				t.Errorf("synced transition should carry the final progress, got %+v", meta.Progress)
			}
		}
		return nil
	}
	h.jobs.releaseFn = func(_ context.Context, jobID string, outcome queue.Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		releases = append(releases, outcome)
		return nil
	}
	h.pusher.pushFn = func(_ context.Context, r *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{StatusUpdated: true, UploadedAttachments: 1}, nil
	}
	h.breaker.recordSuccessFn = func(context.Context) error {
		breakerSuccess = true
		return nil
	}

	h.orchestrator.runCycle(context.Background())

	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want PENDING->IN_FLIGHT then IN_FLIGHT->SYNCED", len(transitions))
	}
	if transitions[0] != [2]domain.SyncState{domain.StatePending, domain.StateInFlight} {
		t.Errorf("first transition = %v", transitions[0])
	}
	if transitions[1] != [2]domain.SyncState{domain.StateInFlight, domain.StateSynced} {
		t.Errorf("second transition = %v", transitions[1])
	}
	if len(releases) != 1 || releases[0].Kind != queue.OutcomeSuccess {
		t.Fatalf("releases = %v, want a single success", releases)
	}
	if !breakerSuccess {
		t.Error("success should be recorded on the breaker")
	}
	if !h.emitter.has(events.EventPushOutcome) {
		t.Error("push outcome event should be emitted")
	}
}

func TestOrchestratorTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")
	record.SyncAttempts = 1 // this cycle runs attempt 2

	var mu sync.Mutex
	var toStates []domain.SyncState
	var release queue.Outcome

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1", Attempt: 1}}, nil
	}
	h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.repo.transitionFn = func(_ context.Context, _ string, _, to domain.SyncState, meta repository.TransitionMeta) error {
		mu.Lock()
		defer mu.Unlock()
		toStates = append(toStates, to)
		if to == domain.StatePending && meta.LastError == nil {
			t.Error("retry transition should persist the last error")
		}
		return nil
	}
	h.jobs.releaseFn = func(_ context.Context, _ string, outcome queue.Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		release = outcome
		return nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{StatusUpdated: true}, &erp.SyncError{Kind: domain.ErrorKindTransient, Message: "erp unavailable"}
	}

	h.orchestrator.runCycle(context.Background())

	if len(toStates) != 2 || toStates[1] != domain.StatePending {
		t.Fatalf("transitions ended in %v, want back to PENDING", toStates)
	}
	if release.Kind != queue.OutcomeRetry {
		t.Fatalf("release = %s, want RETRY", release.Kind)
	}
	// Attempt 2 backs off for 2x base delay plus jitter.
	if release.Delay < 120*time.Second || release.Delay >= 132*time.Second {
		t.Errorf("retry delay = %v, want within [120s, 132s)", release.Delay)
	}
}

func TestOrchestratorExhaustedAttemptsFailTerminally(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")
	record.SyncAttempts = 4 // this cycle runs the fifth and final attempt

	var mu sync.Mutex
	var finalState domain.SyncState
	var release queue.Outcome

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1", Attempt: 4}}, nil
	}
	h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.repo.transitionFn = func(_ context.Context, _ string, _, to domain.SyncState, _ repository.TransitionMeta) error {
		mu.Lock()
		defer mu.Unlock()
		finalState = to
		return nil
	}
	h.jobs.releaseFn = func(_ context.Context, _ string, outcome queue.Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		release = outcome
		return nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{}, &erp.SyncError{Kind: domain.ErrorKindTransient, Message: "erp unavailable"}
	}

	h.orchestrator.runCycle(context.Background())

	if finalState != domain.StateFailed {
		t.Fatalf("final state = %s, want FAILED after the attempt budget", finalState)
	}
	if release.Kind != queue.OutcomeTerminal {
		t.Fatalf("release = %s, want TERMINAL", release.Kind)
	}
}

func TestOrchestratorPermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")

	var mu sync.Mutex
	var finalState domain.SyncState

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1"}}, nil
	}
	h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.repo.transitionFn = func(_ context.Context, _ string, _, to domain.SyncState, _ repository.TransitionMeta) error {
		mu.Lock()
		defer mu.Unlock()
		finalState = to
		return nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{}, &erp.SyncError{Kind: domain.ErrorKindPermanent, Message: "unknown shipment"}
	}

	h.orchestrator.runCycle(context.Background())

	if finalState != domain.StateFailed {
		t.Fatalf("final state = %s, want FAILED on first permanent error", finalState)
	}
}

func TestOrchestratorOpenBreakerSkipsCycle(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	dequeued := false
	h.breaker.allowFn = func(context.Context) (bool, error) {
		return false, nil
	}
	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		dequeued = true
		return nil, nil
	}

	h.orchestrator.runCycle(context.Background())

	if dequeued {
		t.Error("open breaker must skip dequeuing entirely")
	}
	if !h.emitter.has(events.EventCycleSkipped) {
		t.Error("skipped cycle should be announced")
	}

	// Breaker closing again is announced once.
	h.breaker.allowFn = nil
	h.orchestrator.runCycle(context.Background())
	if !h.emitter.has(events.EventBreakerClosed) {
		t.Error("breaker close should be announced")
	}
}

func TestOrchestratorBreakerOpenEvent(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1"}}, nil
	}
	h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{}, &erp.SyncError{Kind: domain.ErrorKindTransient, Message: "erp unavailable"}
	}
	h.breaker.recordFailureFn = func(context.Context) (bool, error) {
		return true, nil
	}

	h.orchestrator.runCycle(context.Background())

	if !h.emitter.has(events.EventBreakerOpened) {
		t.Error("tripping failure should emit breaker_opened")
	}
}

func TestOrchestratorStaleClaimDropsJob(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	record := inflightRecord("c1")

	var release queue.Outcome
	pushed := false

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1"}}, nil
	}
	h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
		return record, nil
	}
	h.repo.transitionFn = func(context.Context, string, domain.SyncState, domain.SyncState, repository.TransitionMeta) error {
		return domain.ErrStaleState
	}
	h.jobs.releaseFn = func(_ context.Context, _ string, outcome queue.Outcome) error {
		release = outcome
		return nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		pushed = true
		return domain.PushProgress{}, nil
	}

	h.orchestrator.runCycle(context.Background())

	if pushed {
		t.Error("losing the claim race must not push")
	}
	if release.Kind != queue.OutcomeSuccess {
		t.Fatalf("release = %s, want the stale job dropped", release.Kind)
	}
}

func TestOrchestratorSkipsSuspendedAndResolvedRecords(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		mutate func(*domain.ConfirmationRecord)
	}{
		{name: "suspended", mutate: func(r *domain.ConfirmationRecord) { r.Suspended = true }},
		{name: "already synced", mutate: func(r *domain.ConfirmationRecord) { r.SyncState = domain.StateSynced }},
		{name: "already failed", mutate: func(r *domain.ConfirmationRecord) { r.SyncState = domain.StateFailed }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newOrchestratorHarness(t)
			record := inflightRecord("c1")
			tc.mutate(record)

			var release queue.Outcome
			pushed := false

			h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
				return []queue.Job{{ID: "j1", ConfirmationID: "c1"}}, nil
			}
			h.repo.getByIDFn = func(context.Context, string) (*domain.ConfirmationRecord, error) {
				return record, nil
			}
			h.jobs.releaseFn = func(_ context.Context, _ string, outcome queue.Outcome) error {
				release = outcome
				return nil
			}
			h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
				pushed = true
				return domain.PushProgress{}, nil
			}

			h.orchestrator.runCycle(context.Background())

			if pushed {
				t.Error("record must not be pushed")
			}
			if release.Kind != queue.OutcomeSuccess {
				t.Fatalf("release = %s, want the job dropped", release.Kind)
			}
		})
	}
}

func TestOrchestratorOrphanJobIsDropped(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	var release queue.Outcome
	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "gone"}}, nil
	}
	h.jobs.releaseFn = func(_ context.Context, _ string, outcome queue.Outcome) error {
		release = outcome
		return nil
	}

	h.orchestrator.runCycle(context.Background())

	if release.Kind != queue.OutcomeSuccess {
		t.Fatalf("release = %s, want orphan job removed", release.Kind)
	}
}

func TestOrchestratorSweepRepairsMissingJobs(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	var repaired []string
	h.repo.listPendingFn = func(context.Context, int) ([]domain.ConfirmationRecord, error) {
		return []domain.ConfirmationRecord{{ID: "c1"}, {ID: "c2"}}, nil
	}
	h.jobs.enqueueIfAbsentFn = func(_ context.Context, confirmationID string, delay time.Duration) (*queue.Job, error) {
		if delay != 0 {
			t.Fatalf("sweep delay = %v, want 0", delay)
		}
		if confirmationID == "c1" {
			return nil, domain.ErrDuplicateJob
		}
		repaired = append(repaired, confirmationID)
		return &queue.Job{ID: "j2", ConfirmationID: confirmationID}, nil
	}

	h.orchestrator.runCycle(context.Background())

	if len(repaired) != 1 || repaired[0] != "c2" {
		t.Fatalf("repaired = %v, want only the job-less confirmation", repaired)
	}
}

func TestOrchestratorSweepReclaimsStaleClaims(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	var mu sync.Mutex
	var transitions [][2]domain.SyncState
	h.jobs.reclaimStaleFn = func(_ context.Context, _ time.Time, claimTimeout time.Duration) ([]queue.Job, error) {
		if claimTimeout != defaultClaimTimeout {
			t.Errorf("claimTimeout = %v, want %v", claimTimeout, defaultClaimTimeout)
		}
		return []queue.Job{{ID: "j1", ConfirmationID: "c1", Status: queue.JobPending, Attempt: 2}}, nil
	}
	h.repo.transitionFn = func(_ context.Context, id string, from, to domain.SyncState, _ repository.TransitionMeta) error {
		mu.Lock()
		defer mu.Unlock()
		if id != "c1" {
			t.Errorf("transition id = %s, want c1", id)
		}
		transitions = append(transitions, [2]domain.SyncState{from, to})
		return nil
	}

	h.orchestrator.runCycle(context.Background())

	if len(transitions) == 0 || transitions[0] != [2]domain.SyncState{domain.StateInFlight, domain.StatePending} {
		t.Fatalf("transitions = %v, want IN_FLIGHT->PENDING for the reclaimed confirmation", transitions)
	}
	if !h.emitter.has(events.EventJobReclaimed) {
		t.Error("reclaiming a stale claim should emit job_reclaimed")
	}
}

func TestOrchestratorSweepReclaimToleratesConcurrentRelease(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	h.jobs.reclaimStaleFn = func(context.Context, time.Time, time.Duration) ([]queue.Job, error) {
		return []queue.Job{{ID: "j1", ConfirmationID: "c1", Status: queue.JobPending}}, nil
	}
	// The record already moved on; the reclaimed reset loses the CAS.
	h.repo.transitionFn = func(context.Context, string, domain.SyncState, domain.SyncState, repository.TransitionMeta) error {
		return domain.ErrStaleState
	}

	h.orchestrator.runCycle(context.Background())

	if !h.emitter.has(events.EventJobReclaimed) {
		t.Error("reclaim event should still be emitted")
	}
}

func TestOrchestratorConcurrentFailuresOpenBreakerOnce(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		return []queue.Job{
			{ID: "j1", ConfirmationID: "c1"},
			{ID: "j2", ConfirmationID: "c2"},
			{ID: "j3", ConfirmationID: "c3"},
			{ID: "j4", ConfirmationID: "c4"},
		}, nil
	}
	h.repo.getByIDFn = func(_ context.Context, id string) (*domain.ConfirmationRecord, error) {
		return inflightRecord(id), nil
	}
	h.pusher.pushFn = func(context.Context, *domain.ConfirmationRecord) (domain.PushProgress, error) {
		return domain.PushProgress{}, &erp.SyncError{Kind: domain.ErrorKindTransient, Message: "erp unavailable"}
	}
	// Every worker sees the breaker trip; flag writes race unless the
	// orchestrator serializes them.
	h.breaker.recordFailureFn = func(context.Context) (bool, error) {
		return true, nil
	}

	h.orchestrator.runCycle(context.Background())

	if !h.emitter.has(events.EventBreakerOpened) {
		t.Error("tripping failures should emit breaker_opened")
	}
	if !h.orchestrator.breakerOpen.Load() {
		t.Error("breaker flag should be set after the batch")
	}
}

func TestOrchestratorWakeTriggersCycle(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)
	h.orchestrator.interval = time.Hour

	var mu sync.Mutex
	cycles := 0
	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		mu.Lock()
		defer mu.Unlock()
		cycles++
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.orchestrator.Start(ctx); err != nil {
			t.Errorf("Start() error = %v", err)
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		initial := cycles
		mu.Unlock()
		if initial >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial cycle never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.orchestrator.Wake()
	deadline = time.After(2 * time.Second)
	for {
		mu.Lock()
		woken := cycles
		mu.Unlock()
		if woken >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("wake did not trigger a cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestOrchestratorBreakerErrorSkipsCycle(t *testing.T) {
	t.Parallel()

	h := newOrchestratorHarness(t)

	dequeued := false
	h.breaker.allowFn = func(context.Context) (bool, error) {
		return false, errors.New("redis down")
	}
	h.jobs.dequeueDueFn = func(context.Context, time.Time, int) ([]queue.Job, error) {
		dequeued = true
		return nil, nil
	}

	h.orchestrator.runCycle(context.Background())

	if dequeued {
		t.Error("breaker errors must fail safe and skip the cycle")
	}
}
