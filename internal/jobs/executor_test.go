package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/config"
	"github.com/kozaktomas/photo-faces/internal/database"
	"github.com/kozaktomas/photo-faces/internal/database/mock"
	"go.uber.org/zap"
)

const testType database.JobType = "test"

func newTestExecutor(t *testing.T, store *mock.MockStore, cfg Config) *Executor {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	e := NewExecutor(store, cfg, zap.NewNop())
	t.Cleanup(e.Stop)
	return e
}

func waitJob(t *testing.T, e *Executor, id string) *database.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.Wait(ctx, id, nil)
	if err != nil {
		t.Fatalf("wait for job %s: %v", id, err)
	}
	return job
}

func mustEnqueue(t *testing.T, e *Executor, req Request) *database.Job {
	t.Helper()
	job, err := e.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func mustStart(t *testing.T, e *Executor) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestExecutor_CompletesJobWithResult(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		return map[string]int{"processed": 3}, nil
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	got := waitJob(t, e, job.ID)

	if got.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("expected progress 100, got %d", got.Progress)
	}
	if string(got.Result) != `{"processed":3}` {
		t.Errorf("unexpected result %s", got.Result)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}
}

func TestExecutor_EnqueueValidation(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		return nil, nil
	})

	negative := -1
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown type", Request{Type: "nope"}},
		{"negative retries", Request{Type: testType, MaxRetries: &negative}},
		{"unencodable payload", Request{Type: testType, Payload: make(chan int)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Enqueue(context.Background(), tt.req)
			if !apperr.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestExecutor_PriorityOrder(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 1})

	var mu sync.Mutex
	var order []int
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return nil, nil
	})

	// Enqueued before Start so the worker sees all of them at once.
	var ids []string
	for _, p := range []int{0, 10, 5, 10, 0} {
		ids = append(ids, mustEnqueue(t, e, Request{Type: testType, Priority: p}).ID)
	}
	mustStart(t, e)
	for _, id := range ids {
		waitJob(t, e, id)
	}

	want := []int{10, 10, 5, 0, 0}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %d (%v)", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestExecutor_CancelPendingJobNeverRuns(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 1})

	var calls atomic.Int32
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	cancelled := mustEnqueue(t, e, Request{Type: testType, Priority: 10})
	job, ok, err := e.Cancel(context.Background(), cancelled.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok || job.Status != database.JobStatusCancelled {
		t.Fatalf("expected cancelled job, got ok=%v status=%s", ok, job.Status)
	}

	other := mustEnqueue(t, e, Request{Type: testType})
	mustStart(t, e)
	waitJob(t, e, other.ID)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected only the other job to run, got %d calls", got)
	}
	got, _ := store.GetJob(context.Background(), cancelled.ID)
	if got.Status != database.JobStatusCancelled {
		t.Errorf("expected cancelled to stick, got %s", got.Status)
	}

	// A second cancel on a terminal job is a no-op.
	_, ok, err = e.Cancel(context.Background(), cancelled.ID)
	if err != nil || ok {
		t.Errorf("expected no-op cancel, got ok=%v err=%v", ok, err)
	}
}

func TestExecutor_CancelRunningJobIsNoop(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	<-started

	got, ok, err := e.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Error("expected cancel of running job to be rejected")
	}
	if got.Status != database.JobStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}

	close(release)
	if final := waitJob(t, e, job.ID); final.Status != database.JobStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

func TestExecutor_CancelUnknownJob(t *testing.T) {
	e := newTestExecutor(t, mock.NewMockStore(), Config{})
	_, _, err := e.Cancel(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestExecutor_RetriesThenFails(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{MaxRetries: 2})

	var calls atomic.Int32
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		calls.Add(1)
		return nil, errors.New("recognizer unavailable")
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	got := waitJob(t, e, job.ID)

	if got.Status != database.JobStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Retries != 2 {
		t.Errorf("expected retries 2, got %d", got.Retries)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if len(got.Errors) != 3 {
		t.Errorf("expected one error per attempt, got %v", got.Errors)
	}
}

func TestExecutor_RetrySucceeds(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{MaxRetries: 3})

	var calls atomic.Int32
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	got := waitJob(t, e, job.ID)

	if got.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Retries != 1 {
		t.Errorf("expected retries 1, got %d", got.Retries)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "transient" {
		t.Errorf("expected transient error recorded, got %v", got.Errors)
	}
}

func TestExecutor_PermanentErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", apperr.Validation("person_id", "must be positive")},
		{"not found", apperr.NotFound("person", 7)},
		{"conflict", apperr.Conflict("face", 1, "assignment changed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mock.NewMockStore()
			e := newTestExecutor(t, store, Config{MaxRetries: 3})
			var calls atomic.Int32
			e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
				calls.Add(1)
				return nil, tt.err
			})
			mustStart(t, e)

			job := mustEnqueue(t, e, Request{Type: testType})
			got := waitJob(t, e, job.ID)
			if got.Status != database.JobStatusFailed {
				t.Errorf("expected failed, got %s", got.Status)
			}
			if got.Retries != 0 || calls.Load() != 1 {
				t.Errorf("expected a single attempt, got retries=%d calls=%d", got.Retries, calls.Load())
			}
		})
	}
}

func TestExecutor_RecoversFromPanic(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 1, MaxRetries: 3})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		if job.Priority == 1 {
			panic("boom")
		}
		return nil, nil
	})
	mustStart(t, e)

	bad := mustEnqueue(t, e, Request{Type: testType, Priority: 1})
	got := waitJob(t, e, bad.ID)
	if got.Status != database.JobStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Retries != 0 {
		t.Errorf("panics must not be retried, got %d retries", got.Retries)
	}
	if len(got.Errors) == 0 || !strings.Contains(got.Errors[0], "panicked") {
		t.Errorf("expected panic error, got %v", got.Errors)
	}

	// The worker keeps serving.
	good := mustEnqueue(t, e, Request{Type: testType})
	if final := waitJob(t, e, good.ID); final.Status != database.JobStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
}

// concurrencyTracker records the highest number of handlers running at once.
type concurrencyTracker struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (p *concurrencyTracker) handler(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
	n := p.current.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	p.current.Add(-1)
	return nil, nil
}

func TestExecutor_ConcurrencyKeySerializes(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 4})
	tracker := &concurrencyTracker{}
	e.Register(testType, tracker.handler)

	var ids []string
	for range 3 {
		ids = append(ids, mustEnqueue(t, e, Request{Type: testType, ConcurrencyKey: "person:1"}).ID)
	}
	mustStart(t, e)
	for _, id := range ids {
		if got := waitJob(t, e, id); got.Status != database.JobStatusCompleted {
			t.Errorf("job %s: expected completed, got %s", id, got.Status)
		}
	}

	if peak := tracker.peak.Load(); peak != 1 {
		t.Errorf("expected jobs with the same key to run one at a time, peak %d", peak)
	}
}

func TestExecutor_TypeCap(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 4, TypeCaps: map[database.JobType]int{testType: 1}})
	tracker := &concurrencyTracker{}
	e.Register(testType, tracker.handler)

	var other atomic.Int32
	e.Register("other", func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		other.Add(1)
		return nil, nil
	})

	var ids []string
	for range 3 {
		ids = append(ids, mustEnqueue(t, e, Request{Type: testType}).ID)
	}
	ids = append(ids, mustEnqueue(t, e, Request{Type: "other"}).ID)
	mustStart(t, e)
	for _, id := range ids {
		waitJob(t, e, id)
	}

	if peak := tracker.peak.Load(); peak != 1 {
		t.Errorf("expected type cap of 1, peak %d", peak)
	}
	if other.Load() != 1 {
		t.Error("expected uncapped type to run")
	}
}

func TestExecutor_ResourceSlots(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{Workers: 3, Resources: map[string]int{ResourceRecognizer: 1}})
	tracker := &concurrencyTracker{}
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		release, err := rep.Acquire(ctx, ResourceRecognizer)
		if err != nil {
			return nil, err
		}
		defer release()
		return tracker.handler(ctx, job, rep)
	})

	var ids []string
	for range 3 {
		ids = append(ids, mustEnqueue(t, e, Request{Type: testType}).ID)
	}
	mustStart(t, e)
	for _, id := range ids {
		waitJob(t, e, id)
	}

	if peak := tracker.peak.Load(); peak != 1 {
		t.Errorf("expected one recognizer slot in use at a time, peak %d", peak)
	}
}

func TestReporter_AcquireUnknownResourceIsUnlimited(t *testing.T) {
	e := newTestExecutor(t, mock.NewMockStore(), Config{})
	rep := &Reporter{executor: e, jobID: "x", logger: zap.NewNop()}
	release, err := rep.Acquire(context.Background(), "anything")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
}

func TestReporter_ProgressEvents(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		rep.Progress(ctx, 40, "uploading")
		rep.Progress(ctx, 150, "finishing")
		return nil, nil
	})

	job := mustEnqueue(t, e, Request{Type: testType})
	events, unsubscribe := e.Subscribe(job.ID)
	defer unsubscribe()
	mustStart(t, e)
	got := waitJob(t, e, job.ID)

	if got.Phase != "finishing" {
		t.Errorf("expected last phase stored, got %q", got.Phase)
	}

	var progress []int
	var statuses []database.JobStatus
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			switch ev.Type {
			case "progress":
				progress = append(progress, ev.Progress)
			case "status":
				statuses = append(statuses, ev.Status)
				done = ev.Status.IsTerminal()
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got progress=%v statuses=%v", progress, statuses)
		}
	}

	if len(progress) != 2 || progress[0] != 40 || progress[1] != 100 {
		t.Errorf("expected clamped progress [40 100], got %v", progress)
	}
	if len(statuses) != 2 || statuses[0] != database.JobStatusRunning || statuses[1] != database.JobStatusCompleted {
		t.Errorf("expected running then completed, got %v", statuses)
	}
}

func TestExecutor_StartRecoversPersistedJobs(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()

	stale := &database.Job{ID: "stale", Type: testType, Status: database.JobStatusRunning}
	pending := &database.Job{ID: "pending", Type: testType, Status: database.JobStatusPending}
	orphan := &database.Job{ID: "orphan", Type: "retired", Status: database.JobStatusPending}
	for _, j := range []*database.Job{stale, pending, orphan} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	e := newTestExecutor(t, store, Config{})
	var ran []string
	var mu sync.Mutex
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		mu.Lock()
		ran = append(ran, job.ID)
		mu.Unlock()
		return nil, nil
	})
	mustStart(t, e)

	if got := waitJob(t, e, "pending"); got.Status != database.JobStatusCompleted {
		t.Errorf("expected pending job to complete, got %s", got.Status)
	}
	got, _ := store.GetJob(ctx, "stale")
	if got.Status != database.JobStatusFailed {
		t.Errorf("expected stale job failed, got %s", got.Status)
	}
	if len(got.Errors) == 0 || !strings.Contains(got.Errors[0], "interrupted") {
		t.Errorf("expected interruption error, got %v", got.Errors)
	}
	got, _ = store.GetJob(ctx, "orphan")
	if got.Status != database.JobStatusPending {
		t.Errorf("expected job without handler left pending, got %s", got.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ran) != 1 || ran[0] != "pending" {
		t.Errorf("expected only the pending job to run, got %v", ran)
	}
}

func TestExecutor_StandaloneLeavesPersistedJobs(t *testing.T) {
	store := mock.NewMockStore()
	ctx := context.Background()
	for _, j := range []*database.Job{
		{ID: "server-running", Type: testType, Status: database.JobStatusRunning},
		{ID: "server-pending", Type: testType, Status: database.JobStatusPending},
	} {
		if err := store.CreateJob(ctx, j); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	e := newTestExecutor(t, store, Config{Standalone: true})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		return nil, nil
	})
	mustStart(t, e)

	own := mustEnqueue(t, e, Request{Type: testType})
	if got := waitJob(t, e, own.ID); got.Status != database.JobStatusCompleted {
		t.Errorf("expected own job to complete, got %s", got.Status)
	}
	for id, want := range map[string]database.JobStatus{
		"server-running": database.JobStatusRunning,
		"server-pending": database.JobStatusPending,
	} {
		got, _ := store.GetJob(ctx, id)
		if got.Status != want {
			t.Errorf("%s: expected %s, got %s", id, want, got.Status)
		}
	}
}

func TestExecutor_DrainWaitsForRetries(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{MaxRetries: 2})
	var calls atomic.Int32
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != database.JobStatusCompleted {
		t.Errorf("expected completed after drain, got %s", got.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestExecutor_DrainHonoursContext(t *testing.T) {
	e := newTestExecutor(t, mock.NewMockStore(), Config{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		return nil, nil
	})
	// Not started, so the job never leaves the queue.
	mustEnqueue(t, e, Request{Type: testType})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestExecutor_StartTwice(t *testing.T) {
	e := newTestExecutor(t, mock.NewMockStore(), Config{})
	mustStart(t, e)
	if err := e.Start(context.Background()); err == nil {
		t.Error("expected error on second start")
	}
}

func TestExecutor_StopRequeuesInterruptedJob(t *testing.T) {
	store := mock.NewMockStore()
	e := NewExecutor(store, Config{Workers: 1, PollInterval: 5 * time.Millisecond}, zap.NewNop())

	started := make(chan struct{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	mustStart(t, e)

	job := mustEnqueue(t, e, Request{Type: testType})
	<-started
	e.Stop()

	got, _ := store.GetJob(context.Background(), job.ID)
	if got.Status != database.JobStatusPending {
		t.Errorf("expected interrupted job back to pending, got %s", got.Status)
	}
	if got.Retries != 0 {
		t.Errorf("shutdown must not consume a retry, got %d", got.Retries)
	}
}

func TestExecutor_WaitHonoursContext(t *testing.T) {
	store := mock.NewMockStore()
	e := newTestExecutor(t, store, Config{})
	e.Register(testType, func(ctx context.Context, job *database.Job, rep *Reporter) (any, error) {
		return nil, nil
	})
	job := mustEnqueue(t, e, Request{Type: testType})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var updates int
	got, err := e.Wait(ctx, job.ID, func(*database.Job) { updates++ })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got.Status != database.JobStatusPending || updates == 0 {
		t.Errorf("expected pending job observed, got %s after %d updates", got.Status, updates)
	}
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.ExecutorConfig{
		Workers:         3,
		RecognizerSlots: 2,
		MaxRetries:      1,
		TypeCaps:        map[string]int{"clustering": 1},
	})
	if cfg.TypeCaps[TypeClustering] != 1 {
		t.Errorf("expected clustering cap 1, got %d", cfg.TypeCaps[TypeClustering])
	}
	if cfg.Resources[ResourceRecognizer] != 2 {
		t.Errorf("expected 2 recognizer slots, got %d", cfg.Resources[ResourceRecognizer])
	}
	if cfg.Workers != 3 || cfg.MaxRetries != 1 {
		t.Errorf("unexpected workers/retries: %d/%d", cfg.Workers, cfg.MaxRetries)
	}
}
