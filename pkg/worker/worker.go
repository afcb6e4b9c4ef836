package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/queue"
	"github.com/jdziat/durable-etl/pkg/runner"
	"github.com/jdziat/durable-etl/pkg/schedule"
	"github.com/jdziat/durable-etl/pkg/security"
)

// ErrNoQueues is returned by Start when the worker was given no queues.
var ErrNoQueues = errors.New("etl: worker has no queues")

// Worker delivers jobs of this host's queues to task processes.
type Worker struct {
	queue  *queue.Queue
	config WorkerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorker creates a new worker for the given queue.
func NewWorker(q *queue.Queue, opts ...WorkerOption) *Worker {
	cfg := WorkerConfig{
		PollInterval:      100 * time.Millisecond,
		WorkerID:          uuid.New().String(),
		SchedulerInterval: time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        time.Minute,
		HeartbeatInterval: time.Minute,
		StaleLockInterval: time.Minute,
		StaleLockAge:      time.Minute,
		OrphanAge:         5 * time.Minute,
		ReconcileInterval: runner.DefaultReconcileInterval,
	}

	for _, opt := range opts {
		opt.ApplyWorker(&cfg)
	}

	// Set default retry configs if not specified
	if cfg.StorageRetry == nil {
		defaultCfg := DefaultRetryConfig()
		cfg.StorageRetry = &defaultCfg
	}
	if cfg.DequeueRetry == nil {
		dequeueCfg := DefaultDequeueRetryConfig()
		cfg.DequeueRetry = &dequeueCfg
	}
	if cfg.Reconciler == nil {
		interval := cfg.ReconcileInterval
		cfg.Reconciler = ReconcileFunc(func(ctx context.Context, env config.TaskEnv) error {
			return runner.Reconcile(ctx, q.Store(), env, interval)
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:  q,
		config: cfg,
		logger: logger.With("worker_id", cfg.WorkerID, "host_id", q.HostID()),
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// Start attaches to every configured queue and processes jobs until ctx is
// cancelled. In-flight task processes are stopped on cancellation and their
// jobs returned to pending.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.config.Queues) == 0 {
		return ErrNoQueues
	}
	if w.config.Spawner == nil {
		s, err := NewExecSpawner()
		if err != nil {
			return err
		}
		w.config.Spawner = s
	}

	names := make([]string, 0, len(w.config.Queues))
	for name := range w.config.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	namespaced := make([]string, 0, len(names))
	for _, name := range names {
		release, err := w.queue.AttachWorker(name)
		if err != nil {
			return fmt.Errorf("attach worker to %q: %w", name, err)
		}
		defer release()
		namespaced = append(namespaced, w.queue.NamespacedQueue(name))
	}

	w.logger.Info("worker started", "queues", namespaced)

	if w.config.EnableScheduler {
		w.wg.Add(1)
		go w.runScheduler(ctx, namespaced)
	}
	if w.config.StaleLockInterval > 0 {
		w.wg.Add(1)
		go w.every(ctx, w.config.StaleLockInterval, w.releaseStaleLocks)
	}
	if w.config.OrphanSweepInterval > 0 {
		w.wg.Add(1)
		go w.every(ctx, w.config.OrphanSweepInterval, w.sweepOrphans)
	}

	for i, name := range names {
		w.wg.Add(1)
		go w.pollQueue(ctx, namespaced[i], w.config.Queues[name])
	}

	<-ctx.Done()
	w.wg.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

// pollQueue dequeues only while the queue has a free slot, so a job is never
// locked without a task process to run it.
func (w *Worker) pollQueue(ctx context.Context, queueName string, concurrency int) {
	defer w.wg.Done()

	slots := make(chan struct{}, security.ClampConcurrency(concurrency))
	var running sync.WaitGroup
	defer running.Wait()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for len(slots) < cap(slots) {
			job, err := w.dequeueWithRetry(ctx, []string{queueName})
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					w.logger.Error("failed to dequeue after retries", "queue", queueName, "error", err)
				}
				break
			}
			if job == nil {
				break
			}

			slots <- struct{}{}
			running.Add(1)
			go func() {
				defer running.Done()
				defer func() { <-slots }()
				w.processJob(ctx, job)
			}()
		}
	}
}

// dequeueWithRetry attempts to dequeue a job with exponential backoff on failure.
func (w *Worker) dequeueWithRetry(ctx context.Context, queues []string) (*core.Job, error) {
	var job *core.Job
	err := retryWithBackoff(ctx, *w.config.DequeueRetry, func() error {
		var dequeueErr error
		job, dequeueErr = w.queue.Storage().Dequeue(ctx, queues, w.config.WorkerID)
		return dequeueErr
	})
	return job, err
}

// outcome is what one delivery ended with.
type outcome struct {
	code       core.ExitCode
	err        error
	reconciled bool
}

func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	startTime := time.Now()
	log := w.logger.With("job_id", job.ID, "queue", job.Queue, "attempt", job.Attempt)

	// Bookkeeping must survive shutdown so the job is not left running.
	bookCtx := context.WithoutCancel(ctx)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job)

	if job.EtlContextID == nil {
		if _, err := w.queue.MaterializeScheduledJob(ctx, job); err != nil {
			cancelHeartbeat()
			log.Error("failed to create context for scheduled job", "error", err)
			w.handleError(bookCtx, job, core.ExitFatal, err)
			return
		}
	}
	log = log.With("etl_context_id", *job.EtlContextID)

	w.queue.CallStartHooks(ctx, job)
	w.queue.Emit(&core.TaskStarted{Job: job, Timestamp: startTime})

	out := w.execute(ctx, job, log)
	cancelHeartbeat()

	if ctx.Err() != nil && out.code != core.ExitDone {
		// Shutting down: hand the job back without judging the attempt.
		now := time.Now()
		w.failWithRetry(bookCtx, job.ID, "worker shut down", &now)
		log.Info("task interrupted by shutdown")
		return
	}

	if out.code == core.ExitDone && out.err == nil {
		if err := w.completeWithRetry(bookCtx, job.ID); err != nil {
			if lostJob(err) {
				log.Warn("job lock lost before completion", "error", err)
			} else {
				log.Error("failed to complete job after retries", "error", err)
			}
			return
		}
		if out.reconciled {
			w.queue.Emit(&core.DuplicateReconciled{Job: job, Status: core.EtlStatusDone, Timestamp: time.Now()})
		}
		w.queue.CallCompleteHooks(ctx, job)
		w.queue.Emit(&core.TaskCompleted{Job: job, Duration: time.Since(startTime), Timestamp: time.Now()})
		log.Info("task completed", "duration", time.Since(startTime))
		return
	}

	w.handleError(bookCtx, job, out.code, out.err)
}

// execute spawns the task process and settles duplicate deliveries.
func (w *Worker) execute(ctx context.Context, job *core.Job, log *slog.Logger) outcome {
	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	env := config.TaskEnv{
		DatabaseEnvironment: w.queue.Environment(),
		EtlContextID:        *job.EtlContextID,
		HostID:              w.queue.HostID(),
	}

	code, err := w.config.Spawner.Spawn(runCtx, env)
	if err != nil {
		log.Error("task process failed", "error", err)
		return outcome{code: core.ExitFatal, err: err}
	}
	log.Debug("task process exited", "exit_code", code.String())

	switch code {
	case core.ExitDone:
		return outcome{code: code}
	case core.ExitCouldNotAcquireInitialEventLock:
		log.Info("duplicate delivery, waiting for the original execution")
		if err := w.config.Reconciler.Reconcile(runCtx, env); err != nil {
			w.emitReconciled(ctx, job)
			return outcome{code: code, err: err}
		}
		return outcome{code: core.ExitDone, reconciled: true}
	default:
		return outcome{code: code, err: &core.ExitError{EtlContextID: env.EtlContextID, Code: code}}
	}
}

// emitReconciled reports a duplicate delivery that did not settle as DONE.
func (w *Worker) emitReconciled(ctx context.Context, job *core.Job) {
	status := core.EtlStatusError
	sctx := etlctx.With(context.WithoutCancel(ctx), etlctx.ExecutionContext{Environment: w.queue.Environment()})
	if s, err := w.queue.Store().GetEtlStatus(sctx, *job.EtlContextID); err == nil {
		status = s
	}
	w.queue.Emit(&core.DuplicateReconciled{Job: job, Status: status, Timestamp: time.Now()})
}

// completeWithRetry marks a job complete, retrying transient failures.
func (w *Worker) completeWithRetry(ctx context.Context, jobID string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Complete(ctx, jobID, w.config.WorkerID)
	})
}

// runHeartbeat periodically extends the job lock while the task runs.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.Job) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.queue.Storage().Heartbeat(ctx, job.ID, w.config.WorkerID)
			})
			if lostJob(err) {
				w.logger.Warn("job lock lost, stopping heartbeat", "job_id", job.ID, "error", err)
				return
			}
			if err != nil {
				w.logger.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			} else {
				w.logger.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

// handleError retries a failed delivery while job.Attempt <= job.MaxRetries,
// so MaxRetries counts retries after the first attempt.
func (w *Worker) handleError(ctx context.Context, job *core.Job, code core.ExitCode, err error) {
	// Check for NoRetry
	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.fail(ctx, job, code, err)
		return
	}

	if job.Attempt > job.MaxRetries {
		w.fail(ctx, job, code, err)
		return
	}

	delay := w.calculateBackoff(job.Attempt)
	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) {
		delay = retryAfter.Delay
	}
	retryAt := time.Now().Add(delay)
	w.failWithRetry(ctx, job.ID, err.Error(), &retryAt)
	w.queue.CallRetryHooks(ctx, job, job.Attempt, err)
	w.queue.Emit(&core.TaskRetrying{Job: job, Attempt: job.Attempt, Error: err, NextRunAt: retryAt, Timestamp: time.Now()})
	w.logger.Warn("task failed, retrying",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"exit_code", code.String(),
		"retry_at", retryAt,
		"error", err)
}

func (w *Worker) fail(ctx context.Context, job *core.Job, code core.ExitCode, err error) {
	w.failWithRetry(ctx, job.ID, err.Error(), nil)
	w.queue.CallFailHooks(ctx, job, err)
	w.queue.Emit(&core.TaskFailed{Job: job, Error: err, ExitCode: code, Timestamp: time.Now()})
	w.logger.Error("task failed",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"exit_code", code.String(),
		"error", err)
}

// failWithRetry marks a job as failed with retry on transient storage failures.
func (w *Worker) failWithRetry(ctx context.Context, jobID string, errMsg string, retryAt *time.Time) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.queue.Storage().Fail(ctx, jobID, w.config.WorkerID, errMsg, retryAt)
	})
	switch {
	case lostJob(err):
		w.logger.Warn("job no longer owned, leaving it to its current owner", "job_id", jobID, "error", err)
	case err != nil:
		w.logger.Error("failed to mark job as failed after retries", "job_id", jobID, "error", err)
	}
}

func (w *Worker) calculateBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return w.config.BackoffMax
	}
	backoff := w.config.BackoffBase * (1 << attempt)
	if backoff > w.config.BackoffMax {
		backoff = w.config.BackoffMax
	}
	return backoff
}

// runScheduler fires due schedules of this worker's queues. Schedules are
// claimed with SKIP LOCKED, so several workers may run it.
func (w *Worker) runScheduler(ctx context.Context, queues []string) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.fireSchedules(ctx, queues, time.Now())
		}
	}
}

func (w *Worker) fireSchedules(ctx context.Context, queues []string, now time.Time) {
	claimed := make(map[string]*core.Schedule)
	jobs, err := w.queue.Storage().FireDueSchedules(ctx, queues, now, func(s *core.Schedule) (time.Time, error) {
		sched, err := schedule.Parse(s.Cron)
		if err != nil {
			return time.Time{}, err
		}
		claimed[s.ID] = s
		return sched.Next(now), nil
	})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to fire schedules", "error", err)
		}
		return
	}

	for _, job := range jobs {
		var sched *core.Schedule
		if job.ScheduleID != nil {
			sched = claimed[*job.ScheduleID]
		}
		w.queue.Emit(&core.ScheduleFired{Schedule: sched, JobID: job.ID, Timestamp: now})
		w.logger.Info("schedule fired", "queue", job.Queue, "job_id", job.ID)
	}
}

// every runs fn on each tick of interval until ctx ends.
func (w *Worker) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (w *Worker) releaseStaleLocks(ctx context.Context) {
	n, err := w.queue.Storage().ReleaseStaleLocks(ctx, w.config.StaleLockAge)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to release stale locks", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("released stale job locks", "count", n)
	}
}

func (w *Worker) sweepOrphans(ctx context.Context) {
	n, err := w.queue.SweepOrphans(ctx, w.config.OrphanAge)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("orphan sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		w.logger.Info("resubmitted orphaned contexts", "count", n)
	}
}
