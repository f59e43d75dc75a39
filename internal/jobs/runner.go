package jobs

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"council/internal/observability"
)

// Handler executes one job type's work. progress reports completion
// percentage (0-100); handlers are expected to call it at natural batch
// boundaries, and to poll ctx.Err() at the same boundaries for cooperative
// cancellation (spec §4.6 "Tools are obliged to poll check_job_cancelled").
type Handler interface {
	Run(ctx context.Context, job *Job, progress func(pct int)) (*Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *Job, progress func(pct int)) (*Result, error)

func (f HandlerFunc) Run(ctx context.Context, job *Job, progress func(pct int)) (*Result, error) {
	return f(ctx, job, progress)
}

// Event is a runner notification, delivered to Subscribe listeners for SSE
// fan-out (spec §4.6 Notifications).
type Event struct {
	Kind string // "status" | "result" | "progress"
	Job  *Job
}

// CreateOptions bundles a CreateAndEnqueue call's parameters.
type CreateOptions struct {
	Type           string
	ConversationID string
	Payload        []byte
	IdempotencyKey string // empty => derived from Type+ConversationID+Payload
	MaxAttempts    int    // 0 => 3
	TimeoutSeconds int    // 0 => per-type default
	ForceNew       bool
}

// Runner is the persistent queue's worker pool: it claims runnable jobs,
// enforces per-job-type concurrency caps, retries with exponential backoff,
// and notifies listeners of state changes, grounded in the teacher's
// internal/orchestrator/handler.go dispatch-and-classify loop generalized
// from one Kafka consumer to an N-worker in-process scheduler.
type Runner struct {
	store *Store

	mu       sync.Mutex
	handlers map[string]Handler
	typeSems map[string]*semaphore.Weighted
	cancels  map[string]context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []func(Event)

	workerSlots *semaphore.Weighted
	wake        chan struct{}
	stop        chan struct{}
	wg          sync.WaitGroup

	pollInterval time.Duration
}

// NewRunner constructs a Runner with `workers` concurrent execution slots,
// capped at 8 per spec §4.6 ("N workers, default 1, capped at 8"). Both the
// global worker pool and each job type's concurrency cap are enforced with
// semaphore.Weighted's non-blocking TryAcquire, rather than a buffered
// channel used as a counting semaphore.
func NewRunner(store *Store, workers int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if workers > 8 {
		workers = 8
	}
	return &Runner{
		store:        store,
		handlers:     map[string]Handler{},
		typeSems:     map[string]*semaphore.Weighted{},
		cancels:      map[string]context.CancelFunc{},
		workerSlots:  semaphore.NewWeighted(int64(workers)),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		pollInterval: 2 * time.Second,
	}
}

// RegisterHandler binds a tool plugin's execution to a job_type. A type with
// no handler (never registered, or removed by Unregister) has its job
// creation rejected per spec §4.7.
func (r *Runner) RegisterHandler(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Unregister removes a job type's handler, e.g. when its plugin is disabled.
func (r *Runner) Unregister(jobType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, jobType)
}

// HasHandler reports whether jobType currently has a registered handler.
func (r *Runner) HasHandler(jobType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Subscribe registers a listener notified on every status change, result
// write, and 5%-progress-bucket crossing.
func (r *Runner) Subscribe(fn func(Event)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Runner) notify(ev Event) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, fn := range r.listeners {
		fn(ev)
	}
}

func (r *Runner) semFor(jobType string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.typeSems[jobType]
	if !ok {
		sem = semaphore.NewWeighted(int64(concurrencyFor(jobType)))
		r.typeSems[jobType] = sem
	}
	return sem
}

// Start performs crash recovery (§4.6: requeue running->queued, then enqueue
// persisted queued IDs in insertion order — ListRunnable already returns
// them oldest-first) and launches the dispatch loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.store.RequeueAllRunning(ctx); err != nil {
		return err
	}
	r.wg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop signals the dispatch loop to exit and waits for in-flight jobs'
// goroutines to return. It does not cancel running jobs; use Cancel for that.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.dispatch(ctx)
		case <-r.wake:
			r.dispatch(ctx)
		}
	}
}

// dispatch lists runnable jobs and spawns one goroutine per job whose
// type-semaphore and global worker slot it can acquire without blocking;
// jobs it can't currently staff are left queued for the next tick.
func (r *Runner) dispatch(ctx context.Context) {
	jobs, err := r.store.ListRunnable(ctx, 64)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("jobs: list runnable failed")
		return
	}
	for _, job := range jobs {
		r.mu.Lock()
		h, ok := r.handlers[job.Type]
		r.mu.Unlock()
		if !ok {
			continue // disabled/unregistered tool: leave queued rather than silently drop
		}
		if !r.workerSlots.TryAcquire(1) {
			return // no global capacity this tick
		}
		sem := r.semFor(job.Type)
		if !sem.TryAcquire(1) {
			r.workerSlots.Release(1)
			continue // per-type cap reached; try other jobs
		}
		claimed, err := r.store.ClaimQueued(ctx, job.ID)
		if err != nil || !claimed {
			sem.Release(1)
			r.workerSlots.Release(1)
			continue
		}
		r.wg.Add(1)
		go r.run(job, h, sem)
	}
}

func (r *Runner) run(job *Job, h Handler, sem *semaphore.Weighted) {
	defer r.wg.Done()
	defer func() { sem.Release(1); r.workerSlots.Release(1) }()

	jobCtx, cancel := context.WithTimeout(context.Background(), timeoutFor(job.Type, job.TimeoutSeconds))
	r.mu.Lock()
	r.cancels[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, job.ID)
		r.mu.Unlock()
	}()

	job.Status = StatusRunning
	r.notify(Event{Kind: "status", Job: job})

	lastBucket := -1
	progress := func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		bucket := pct / 5
		_ = r.store.SetProgress(context.Background(), job.ID, pct)
		if bucket != lastBucket {
			lastBucket = bucket
			job.Progress = pct
			r.notify(Event{Kind: "progress", Job: job})
		}
	}

	result, err := h.Run(jobCtx, job, progress)

	// A job canceled mid-run already transitioned to StatusCanceled in the
	// store (Cancel sets it before signaling); terminal-state stickiness
	// means Finish below must not overwrite it.
	current, getErr := r.store.Get(context.Background(), job.ID)
	if getErr == nil && current.Status == StatusCanceled {
		r.notify(Event{Kind: "status", Job: current})
		return
	}

	if err != nil {
		retryable := job.Attempts < job.MaxAttempts && (isTransientError(err) || jobCtx.Err() != nil)
		if retryable {
			runAfter := time.Now().UTC().Add(backoff(job.Attempts))
			if reqErr := r.store.Requeue(context.Background(), job.ID, runAfter); reqErr != nil {
				observability.LoggerWithTrace(context.Background()).Warn().Err(reqErr).Str("job_id", job.ID).Msg("jobs: requeue failed")
			}
			return
		}
		if finErr := r.store.Finish(context.Background(), job.ID, StatusFailed, result, err.Error()); finErr != nil {
			observability.LoggerWithTrace(context.Background()).Warn().Err(finErr).Str("job_id", job.ID).Msg("jobs: finish(failed) failed")
		}
		job.Status, job.Error = StatusFailed, err.Error()
		r.notify(Event{Kind: "status", Job: job})
		return
	}

	if result == nil {
		result = &Result{OK: true}
	}
	if finErr := r.store.Finish(context.Background(), job.ID, StatusSucceeded, result, ""); finErr != nil {
		observability.LoggerWithTrace(context.Background()).Warn().Err(finErr).Str("job_id", job.ID).Msg("jobs: finish(succeeded) failed")
	}
	job.Status, job.Result = StatusSucceeded, result
	r.notify(Event{Kind: "result", Job: job})
}

// CreateAndEnqueue creates a new job, reusing an existing active job or a
// still-fresh succeeded one under the same idempotency key unless ForceNew
// is set (spec §4.6 Idempotency and reuse). The returned bool reports reuse.
func (r *Runner) CreateAndEnqueue(ctx context.Context, opts CreateOptions) (*Job, bool, error) {
	key := opts.IdempotencyKey
	if key == "" {
		key = IdempotencyKey(opts.Type, opts.ConversationID, opts.Payload)
	}
	if !opts.ForceNew {
		if existing, found, err := r.store.FindReusable(ctx, opts.Type, key); err != nil {
			return nil, false, err
		} else if found {
			return existing, true, nil
		}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &Job{
		ID:             newID(),
		Type:           opts.Type,
		ConversationID: opts.ConversationID,
		Payload:        opts.Payload,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: key,
		TimeoutSeconds: opts.TimeoutSeconds,
	}
	if err := r.store.Create(ctx, job); err != nil {
		return nil, false, err
	}
	r.notify(Event{Kind: "status", Job: job})
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return job, false, nil
}

// Cancel marks a job canceled and signals its in-flight context, if any.
// Cancellation is cooperative: the handler's own cancellation-point checks
// (ctx.Err()) determine how quickly execution actually stops (spec §4.6).
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	if err := r.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Cancelled is the natural-granularity cancellation check tools poll at
// batch boundaries, mirroring the retriever's shouldCancel func() bool idiom.
func Cancelled(ctx context.Context) bool { return ctx.Err() != nil }
