package jobs

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kozaktomas/photo-faces/internal/apperr"
	"github.com/kozaktomas/photo-faces/internal/database"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Executor drains a priority queue of jobs with a fixed pool of workers.
// Job state lives in the store; the queue only orders job ids.
type Executor struct {
	store  database.JobStore
	cfg    Config
	logger *zap.Logger
	events *broadcaster

	handlers  map[database.JobType]Handler
	resources map[string]*semaphore.Weighted
	pacer     *rate.Limiter

	mu         sync.Mutex
	queue      jobQueue
	queued     map[string]struct{}
	seq        uint64
	running    map[database.JobType]int
	activeKeys map[string]struct{}
	delayed    int // retries waiting for their backoff to expire
	changed    chan struct{}
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewExecutor creates an executor. Handlers must be registered before Start.
func NewExecutor(store database.JobStore, cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		store:      store,
		cfg:        cfg,
		logger:     logger.Named("executor"),
		events:     newBroadcaster(),
		handlers:   make(map[database.JobType]Handler),
		resources:  make(map[string]*semaphore.Weighted),
		queued:     make(map[string]struct{}),
		running:    make(map[database.JobType]int),
		activeKeys: make(map[string]struct{}),
		changed:    make(chan struct{}),
	}
	for name, n := range cfg.Resources {
		if n > 0 {
			e.resources[name] = semaphore.NewWeighted(int64(n))
		}
	}
	if cfg.BatchDelay > 0 {
		e.pacer = rate.NewLimiter(rate.Every(cfg.BatchDelay), 1)
	}
	return e
}

// Register binds a handler to a job type.
func (e *Executor) Register(jobType database.JobType, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[jobType] = handler
}

func (e *Executor) handler(jobType database.JobType) (Handler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handlers[jobType]
	return h, ok
}

// Enqueue persists a pending job and schedules it.
func (e *Executor) Enqueue(ctx context.Context, req Request) (*database.Job, error) {
	if _, ok := e.handler(req.Type); !ok {
		return nil, apperr.Validation("type", "unknown job type %q", req.Type)
	}

	maxRetries := e.cfg.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, apperr.Validation("max_retries", "must not be negative")
		}
		maxRetries = *req.MaxRetries
	}

	var payload json.RawMessage
	if req.Payload != nil {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, apperr.Validation("payload", "could not encode payload: %v", err)
		}
		payload = data
	}

	job := &database.Job{
		ID:             uuid.NewString(),
		Type:           req.Type,
		Status:         database.JobStatusPending,
		Priority:       req.Priority,
		MaxRetries:     maxRetries,
		ConcurrencyKey: req.ConcurrencyKey,
		Payload:        payload,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	e.push(e.newItem(job))
	e.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("priority", job.Priority))
	return job, nil
}

func (e *Executor) newItem(job *database.Job) *queueItem {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitialInterval
	b.MaxInterval = e.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	return &queueItem{
		jobID:    job.ID,
		jobType:  job.Type,
		priority: job.Priority,
		key:      job.ConcurrencyKey,
		backoff:  b,
	}
}

// Cancel cancels a job that is still pending. Once a job has started, cancel is a
// no-op and the returned bool is false.
func (e *Executor) Cancel(ctx context.Context, id string) (*database.Job, bool, error) {
	ok, err := e.store.TransitionJob(ctx, id, []database.JobStatus{database.JobStatusPending}, database.JobStatusCancelled)
	if err != nil {
		return nil, false, fmt.Errorf("cancel job: %w", err)
	}
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get job: %w", err)
	}
	if ok {
		e.logger.Info("job cancelled", zap.String("job_id", id))
		e.events.send(Event{JobID: id, Type: "status", Status: database.JobStatusCancelled, Progress: job.Progress, Message: "Job cancelled by user"})
	}
	return job, ok, nil
}

// Subscribe returns a channel of events for one job and a function to stop listening.
func (e *Executor) Subscribe(jobID string) (<-chan Event, func()) {
	ch := e.events.add(jobID)
	return ch, func() { e.events.remove(jobID, ch) }
}

// Start recovers persisted jobs and launches the workers.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("executor already started")
	}
	e.started = true
	e.mu.Unlock()

	if !e.cfg.Standalone {
		if err := e.recover(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for range e.cfg.Workers {
		e.wg.Add(1)
		go e.worker(runCtx)
	}
	e.logger.Info("executor started", zap.Int("workers", e.cfg.Workers))
	return nil
}

// Stop stops taking new jobs and waits for running ones to return.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// recover fails jobs left running by a previous process and re-queues pending ones.
func (e *Executor) recover(ctx context.Context) error {
	stale, err := e.store.ListJobs(ctx, database.JobFilter{Status: database.JobStatusRunning})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range stale {
		if _, err := e.store.FinishJob(ctx, job.ID, database.JobStatusFailed, nil, []string{"interrupted: executor restarted"}); err != nil {
			return fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		e.logger.Warn("failed stale running job", zap.String("job_id", job.ID))
	}

	pending, err := e.store.ListJobs(ctx, database.JobFilter{Status: database.JobStatusPending})
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	// ListJobs returns newest first; keep FIFO order within a priority.
	for i := len(pending) - 1; i >= 0; i-- {
		if _, ok := e.handler(pending[i].Type); !ok {
			e.logger.Warn("no handler for pending job", zap.String("job_id", pending[i].ID), zap.String("type", string(pending[i].Type)))
			continue
		}
		e.push(e.newItem(&pending[i]))
	}
	return nil
}

func (e *Executor) push(item *queueItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.queued[item.jobID]; dup {
		return
	}
	e.queued[item.jobID] = struct{}{}
	if item.seq == 0 {
		e.seq++
		item.seq = e.seq
	}
	heap.Push(&e.queue, item)
	e.signalLocked()
}

// signalLocked wakes every waiting worker.
func (e *Executor) signalLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Executor) eligibleLocked(item *queueItem) bool {
	if limit, ok := e.cfg.TypeCaps[item.jobType]; ok && limit > 0 && e.running[item.jobType] >= limit {
		return false
	}
	if item.key != "" {
		if _, busy := e.activeKeys[item.key]; busy {
			return false
		}
	}
	return true
}

// popEligibleLocked returns the highest priority job whose caps allow it to run.
func (e *Executor) popEligibleLocked() *queueItem {
	var skipped []*queueItem
	var found *queueItem
	for e.queue.Len() > 0 {
		item := heap.Pop(&e.queue).(*queueItem)
		if e.eligibleLocked(item) {
			delete(e.queued, item.jobID)
			found = item
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&e.queue, item)
	}
	return found
}

func (e *Executor) take(ctx context.Context) (*queueItem, bool) {
	for {
		e.mu.Lock()
		if item := e.popEligibleLocked(); item != nil {
			e.running[item.jobType]++
			if item.key != "" {
				e.activeKeys[item.key] = struct{}{}
			}
			e.mu.Unlock()
			return item, true
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-changed:
		}
	}
}

func (e *Executor) release(item *queueItem) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running[item.jobType]--
	if item.key != "" {
		delete(e.activeKeys, item.key)
	}
	e.signalLocked()
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		item, ok := e.take(ctx)
		if !ok {
			return
		}
		e.execute(ctx, item)
		e.release(item)
	}
}

func (e *Executor) execute(ctx context.Context, item *queueItem) {
	// Bookkeeping must survive shutdown of the worker context.
	bg := context.WithoutCancel(ctx)
	log := e.logger.With(zap.String("job_id", item.jobID), zap.String("type", string(item.jobType)))

	ok, err := e.store.TransitionJob(bg, item.jobID, []database.JobStatus{database.JobStatusPending}, database.JobStatusRunning)
	if err != nil {
		log.Error("failed to start job", zap.Error(err))
		return
	}
	if !ok {
		log.Debug("job no longer pending, skipping")
		return
	}

	job, err := e.store.GetJob(bg, item.jobID)
	if err != nil {
		log.Error("failed to load job", zap.Error(err))
		return
	}
	e.events.send(Event{JobID: job.ID, Type: "status", Status: database.JobStatusRunning, Progress: job.Progress})

	handler, ok := e.handler(job.Type)
	if !ok {
		e.fail(bg, job, nil, fmt.Errorf("no handler for job type %q", job.Type))
		return
	}

	rep := &Reporter{executor: e, jobID: job.ID, logger: log}
	started := time.Now()
	result, runErr := e.invoke(ctx, handler, job, rep)

	switch {
	case runErr == nil:
		e.complete(bg, job, result)
		log.Info("job completed", zap.Duration("elapsed", time.Since(started)))
	case ctx.Err() != nil:
		// Shutdown: leave the job pending for the next start without spending a retry.
		if _, err := e.store.RequeueJob(bg, job.ID, job.Retries, "interrupted by shutdown"); err != nil {
			log.Error("failed to requeue interrupted job", zap.Error(err))
		}
	case e.retryable(runErr) && job.Retries < job.MaxRetries:
		e.retry(bg, item, job, runErr)
	default:
		e.fail(bg, job, result, runErr)
	}
}

// invoke runs the handler, turning a panic into an error so the worker survives.
func (e *Executor) invoke(ctx context.Context, handler Handler, job *database.Job, rep *Reporter) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", r), zap.Stack("stack"))
			result = nil
			err = backoff.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return handler(ctx, job, rep)
}

func (e *Executor) retryable(err error) bool {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	return !apperr.IsPermanent(err)
}

func (e *Executor) complete(ctx context.Context, job *database.Job, result any) {
	data, err := encodeResult(result)
	if err != nil {
		e.fail(ctx, job, nil, err)
		return
	}
	ok, err := e.store.FinishJob(ctx, job.ID, database.JobStatusCompleted, data, nil)
	if err != nil {
		e.logger.Error("failed to complete job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		e.logger.Warn("job no longer running, result discarded", zap.String("job_id", job.ID))
		return
	}
	e.events.send(Event{JobID: job.ID, Type: "status", Status: database.JobStatusCompleted, Progress: 100})
}

func (e *Executor) fail(ctx context.Context, job *database.Job, result any, runErr error) {
	data, _ := encodeResult(result)
	ok, err := e.store.FinishJob(ctx, job.ID, database.JobStatusFailed, data, []string{runErr.Error()})
	if err != nil {
		e.logger.Error("failed to record job failure", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !ok {
		e.logger.Warn("job no longer running, failure discarded", zap.String("job_id", job.ID))
		return
	}
	e.logger.Warn("job failed", zap.String("job_id", job.ID), zap.Int("retries", job.Retries), zap.Error(runErr))
	e.events.send(Event{JobID: job.ID, Type: "status", Status: database.JobStatusFailed, Progress: job.Progress, Message: runErr.Error()})
}

func (e *Executor) retry(ctx context.Context, item *queueItem, job *database.Job, runErr error) {
	ok, err := e.store.RequeueJob(ctx, job.ID, job.Retries+1, runErr.Error())
	if err != nil || !ok {
		e.logger.Error("failed to requeue job", zap.String("job_id", job.ID), zap.Bool("requeued", ok), zap.Error(err))
		return
	}

	delay := item.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = e.cfg.RetryMaxInterval
	}
	e.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("retry", job.Retries+1),
		zap.Int("max_retries", job.MaxRetries),
		zap.Duration("delay", delay),
		zap.Error(runErr))
	e.events.send(Event{JobID: job.ID, Type: "status", Status: database.JobStatusPending, Progress: job.Progress, Message: runErr.Error()})

	e.mu.Lock()
	e.delayed++
	e.mu.Unlock()
	time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.delayed--
		stopped := e.stopped
		e.mu.Unlock()
		if !stopped {
			e.push(item)
		}
	})
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return data, nil
}

// Drain blocks until nothing is queued, running or waiting for a retry.
func (e *Executor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if e.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue.Len() > 0 || e.delayed > 0 {
		return false
	}
	for _, n := range e.running {
		if n > 0 {
			return false
		}
	}
	return true
}

// Wait polls the store until the job reaches a terminal state.
// onUpdate, when set, is called with every observed state.
func (e *Executor) Wait(ctx context.Context, id string, onUpdate func(*database.Job)) (*database.Job, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		job, err := e.store.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if onUpdate != nil {
			onUpdate(job)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
