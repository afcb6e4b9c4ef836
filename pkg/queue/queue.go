package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/registry"
	"github.com/jdziat/durable-etl/pkg/schedule"
	"github.com/jdziat/durable-etl/pkg/security"
	"github.com/jdziat/durable-etl/pkg/storage"
)

const tracerName = "github.com/jdziat/durable-etl/pkg/queue"

// State is the lifecycle state of a queue name on this Queue.
type State int

const (
	Unregistered State = iota
	Registered
	Working
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Working:
		return "working"
	default:
		return "unregistered"
	}
}

type registeredQueue struct {
	opts    QueueOptions
	workers int
}

// TaskHandle identifies a submitted task.
type TaskHandle struct {
	EtlContextID int64
	JobID        string
}

// Queue submits tasks for one database environment and one host.
type Queue struct {
	store    *eventstore.Store
	storage  core.Storage
	registry *registry.Registry
	env      string
	hostID   string
	tracer   trace.Tracer
	logger   *slog.Logger

	mu     sync.RWMutex
	queues map[string]*registeredQueue

	// Hooks
	onStart    []func(context.Context, *core.Job)
	onComplete []func(context.Context, *core.Job)
	onFail     []func(context.Context, *core.Job, error)
	onRetry    []func(context.Context, *core.Job, int, error)

	// Event stream
	eventSubs []chan core.QueueEvent
}

// NewOption configures a Queue.
type NewOption func(*Queue)

// WithStorage replaces the default GORM job backend.
func WithStorage(s core.Storage) NewOption {
	return func(q *Queue) {
		q.storage = s
	}
}

// WithRegistry sets the worker registry used to validate worker refs.
func WithRegistry(r *registry.Registry) NewOption {
	return func(q *Queue) {
		q.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) NewOption {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates a Queue that writes to env and namespaces every queue name
// with hostID.
func New(store *eventstore.Store, env, hostID string, opts ...NewOption) (*Queue, error) {
	if err := security.ValidateHostID(hostID); err != nil {
		return nil, fmt.Errorf("%w: %q", err, hostID)
	}
	q := &Queue{
		store:    store,
		registry: registry.Default,
		env:      env,
		hostID:   hostID,
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
		queues:   make(map[string]*registeredQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.storage == nil {
		q.storage = storage.NewGormStorage(store.DB(), env)
	}
	return q, nil
}

// Storage returns the job backend.
func (q *Queue) Storage() core.Storage {
	return q.storage
}

// Store returns the event store.
func (q *Queue) Store() *eventstore.Store {
	return q.store
}

// Registry returns the worker registry.
func (q *Queue) Registry() *registry.Registry {
	return q.registry
}

// Environment returns the database environment.
func (q *Queue) Environment() string {
	return q.env
}

// HostID returns the host identity used for namespacing.
func (q *Queue) HostID() string {
	return q.hostID
}

// NamespacedQueue returns the backend queue name for name on this host.
func (q *Queue) NamespacedQueue(name string) string {
	return q.hostID + security.QueueNamespaceSeparator + name
}

// RegisterQueue moves name from Unregistered to Registered. Registering
// again with identical options is a no-op.
func (q *Queue) RegisterQueue(name string, opts QueueOptions) error {
	if err := security.ValidateQueueName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}
	opts.Retries = security.ClampRetries(opts.Retries)

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.queues[name]; ok {
		if existing.opts != opts {
			return fmt.Errorf("%w: %q", core.ErrIncompatibleQueueOptions, name)
		}
		return nil
	}
	q.queues[name] = &registeredQueue{opts: opts}
	return nil
}

// State reports the lifecycle state of name.
func (q *Queue) State(name string) State {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rq, ok := q.queues[name]
	switch {
	case !ok:
		return Unregistered
	case rq.workers > 0:
		return Working
	default:
		return Registered
	}
}

// Queues returns the registered queue names in sorted order.
func (q *Queue) Queues() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	names := make([]string, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttachWorker marks name as Working until the returned release func is
// called.
func (q *Queue) AttachWorker(name string) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq, ok := q.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrQueueNotRegistered, name)
	}
	rq.workers++

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			rq.workers--
			q.mu.Unlock()
		})
	}, nil
}

func (q *Queue) queueOptions(name string) (QueueOptions, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rq, ok := q.queues[name]
	if !ok {
		return QueueOptions{}, fmt.Errorf("%w: %q", core.ErrQueueNotRegistered, name)
	}
	return rq.opts, nil
}

func (q *Queue) resolveOptions(name string, opts []Option) (*Options, error) {
	qopts, err := q.queueOptions(name)
	if err != nil {
		return nil, err
	}
	options := NewOptions()
	if qopts.Retries > 0 {
		options.MaxRetries = qopts.Retries
	}
	options.ExpireIn = qopts.ExpireIn
	for _, opt := range opts {
		opt.Apply(options)
	}
	return options, nil
}

func (q *Queue) validate(d *core.TaskDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := security.ValidateQueueName(d.Queue); err != nil {
		return fmt.Errorf("%w: queue %q: %w", core.ErrInvalidTaskDescriptor, d.Queue, err)
	}
	if q.registry != nil && !q.registry.Has(d.WorkerRef) {
		return fmt.Errorf("%w: %w: %q", core.ErrInvalidTaskDescriptor, core.ErrWorkerNotFound, d.WorkerRef)
	}
	return nil
}

// QueueTask creates the task's ETL context, dispatches its :INITIAL event
// and submits the job, all in one transaction. When ctx already carries a
// transaction for this environment the submission joins it.
func (q *Queue) QueueTask(ctx context.Context, d core.TaskDescriptor, opts ...Option) (TaskHandle, error) {
	if err := q.validate(&d); err != nil {
		return TaskHandle{}, err
	}
	options, err := q.resolveOptions(d.Queue, opts)
	if err != nil {
		return TaskHandle{}, err
	}

	ns := q.NamespacedQueue(d.Queue)
	ctx, span := q.tracer.Start(ctx, "queue.QueueTask", trace.WithAttributes(
		attribute.String("etl.queue", ns),
		attribute.String("etl.worker_ref", d.WorkerRef),
	))
	defer span.End()

	now := time.Now()
	meta, err := core.MergeMeta(d.InitialEvent.Meta, core.EventMeta{
		WorkerRef:   d.WorkerRef,
		HostID:      q.hostID,
		Queue:       ns,
		SendOptions: options.sendOptions(now),
	})
	if err != nil {
		return TaskHandle{}, fmt.Errorf("%w: %w", core.ErrInvalidTaskDescriptor, err)
	}

	var handle TaskHandle
	err = q.inTransaction(ctx, func(ctx context.Context) error {
		id, err := q.store.SpawnContext(ctx, d.SourceID, d.ParentContextID)
		if err != nil {
			return err
		}

		_, err = q.store.Dispatch(ctx, &core.Event{
			EtlContextID: id,
			Type:         d.InitialEvent.Type,
			Payload:      d.InitialEvent.Payload,
			Meta:         meta,
		})
		if err != nil {
			return err
		}

		job := &core.Job{
			ID:           uuid.New().String(),
			Queue:        ns,
			EtlContextID: &id,
			WorkerRef:    d.WorkerRef,
			SourceID:     d.SourceID,
			Priority:     options.Priority,
			MaxRetries:   options.MaxRetries,
			Timeout:      options.ExpireIn,
			RunAt:        options.runAt(now),
			Status:       core.StatusPending,
		}
		if err := q.storage.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		if err := q.store.SetEtlTaskID(ctx, id, job.ID); err != nil {
			return err
		}
		handle = TaskHandle{EtlContextID: id, JobID: job.ID}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TaskHandle{}, err
	}

	span.SetAttributes(
		attribute.Int64("etl.context_id", handle.EtlContextID),
		attribute.String("etl.job_id", handle.JobID),
	)
	q.logger.Debug("task queued",
		"etl_context_id", handle.EtlContextID,
		"job_id", handle.JobID,
		"queue", ns)
	return handle, nil
}

// inTransaction joins an ambient transaction for q.env or opens one.
func (q *Queue) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ec, err := etlctx.Current(ctx); err == nil && ec.Tx != nil && ec.Environment == q.env {
		return fn(ctx)
	}
	return q.store.DB().RunInTransaction(ctx, q.env, fn)
}

// ScheduleTask registers a recurring submission of d on cronExpr. The queue
// holds at most one schedule; scheduling again replaces it. No context is
// created now: the worker creates a fresh context and :INITIAL event each
// time the schedule fires.
func (q *Queue) ScheduleTask(ctx context.Context, d core.TaskDescriptor, cronExpr string, opts ...Option) error {
	if err := q.validate(&d); err != nil {
		return err
	}
	if d.ParentContextID != nil {
		return fmt.Errorf("%w: scheduled tasks cannot have a parent context", core.ErrInvalidTaskDescriptor)
	}
	sched, err := schedule.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrInvalidTaskDescriptor, err)
	}
	options, err := q.resolveOptions(d.Queue, opts)
	if err != nil {
		return err
	}

	template, err := json.Marshal(&core.Event{
		Type:    d.InitialEvent.Type,
		Payload: d.InitialEvent.Payload,
		Meta:    d.InitialEvent.Meta,
	})
	if err != nil {
		return fmt.Errorf("encode initial event template: %w", err)
	}

	return q.storage.UpsertSchedule(ctx, &core.Schedule{
		Queue:        q.NamespacedQueue(d.Queue),
		Cron:         cronExpr,
		WorkerRef:    d.WorkerRef,
		InitialEvent: datatypes.JSON(template),
		SourceID:     d.SourceID,
		Priority:     options.Priority,
		MaxRetries:   options.MaxRetries,
		Timeout:      options.ExpireIn,
		NextRunAt:    sched.Next(time.Now()),
	})
}

// Unschedule removes the schedule of queue name.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	return q.storage.DeleteSchedule(ctx, q.NamespacedQueue(name))
}

// SweepOrphans finds OPEN contexts of this host whose :INITIAL committed at
// least olderThan ago but that never received a job, and submits the
// missing job from the send options recorded in the :INITIAL meta. It
// returns the number of jobs submitted.
func (q *Queue) SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	gdb, err := q.store.DB().Get(ctx, q.env)
	if err != nil {
		return 0, err
	}

	var orphans []core.EtlContext
	err = gdb.WithContext(ctx).
		Table("etl_contexts AS c").
		Select("c.*").
		Joins("JOIN event_store AS e ON e.event_id = c.initial_event_id").
		Where("c.etl_task_id IS NULL").
		Where("c.etl_status = ?", core.EtlStatusOpen).
		Where("c._created_timestamp < ?", time.Now().Add(-olderThan)).
		Where(datatypes.JSONQuery("e.meta").Equals(q.hostID, "host_id")).
		Order("c.etl_context_id ASC").
		Find(&orphans).Error
	if err != nil {
		return 0, fmt.Errorf("find orphaned contexts: %w", err)
	}

	swept := 0
	for _, c := range orphans {
		ok, err := q.resubmit(ctx, c.EtlContextID)
		if err != nil {
			q.logger.Warn("orphan resubmit failed", "etl_context_id", c.EtlContextID, "error", err)
			continue
		}
		if ok {
			swept++
		}
	}
	return swept, nil
}

func (q *Queue) resubmit(ctx context.Context, etlContextID int64) (bool, error) {
	submitted := false
	err := q.store.DB().RunInTransaction(ctx, q.env, func(ctx context.Context) error {
		tx := etlctx.Tx(ctx)

		var c core.EtlContext
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("etl_context_id = ? AND etl_task_id IS NULL", etlContextID).
			First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		initial, err := q.store.GetInitialEvent(ctx, etlContextID)
		if err != nil {
			return err
		}
		meta, err := initial.DecodeMeta()
		if err != nil {
			return err
		}
		if meta.WorkerRef == "" || meta.Queue == "" {
			return fmt.Errorf("initial event of context %d has no submission meta", etlContextID)
		}

		job := &core.Job{
			ID:           uuid.New().String(),
			Queue:        meta.Queue,
			EtlContextID: &etlContextID,
			WorkerRef:    meta.WorkerRef,
			SourceID:     c.SourceID,
			MaxRetries:   DefaultTaskRetries,
			Status:       core.StatusPending,
		}
		if so := meta.SendOptions; so != nil {
			job.Priority = so.Priority
			job.MaxRetries = so.MaxRetries
			job.Timeout = so.ExpireIn
		}
		if err := q.storage.Enqueue(ctx, job); err != nil {
			return err
		}
		if err := q.store.SetEtlTaskID(ctx, etlContextID, job.ID); err != nil {
			return err
		}
		submitted = true
		q.logger.Info("resubmitted orphaned context", "etl_context_id", etlContextID, "job_id", job.ID)
		return nil
	})
	return submitted, err
}

// MaterializeScheduledJob creates the ETL context and :INITIAL event for a
// job produced by a schedule and attaches them to the job. A job that already
// carries a context is returned unchanged, so redelivery is safe.
func (q *Queue) MaterializeScheduledJob(ctx context.Context, job *core.Job) (int64, error) {
	if job.EtlContextID != nil {
		return *job.EtlContextID, nil
	}
	if len(job.InitialEvent) == 0 {
		return 0, fmt.Errorf("%w: job %s has neither a context nor an initial event template",
			core.ErrInvalidTaskDescriptor, job.ID)
	}

	var template core.Event
	if err := json.Unmarshal(job.InitialEvent, &template); err != nil {
		return 0, fmt.Errorf("decode initial event template of job %s: %w", job.ID, err)
	}
	meta, err := core.MergeMeta(template.Meta, core.EventMeta{
		WorkerRef: job.WorkerRef,
		HostID:    q.hostID,
		Queue:     job.Queue,
		SendOptions: &core.SendOptions{
			Priority:   job.Priority,
			MaxRetries: job.MaxRetries,
			ExpireIn:   job.Timeout,
		},
	})
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.store.DB().RunInTransaction(ctx, q.env, func(ctx context.Context) error {
		var row core.Job
		err := etlctx.Tx(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", job.ID).
			First(&row).Error
		if err != nil {
			return fmt.Errorf("lock job %s: %w", job.ID, err)
		}
		if row.EtlContextID != nil {
			id = *row.EtlContextID
			return nil
		}

		if id, err = q.store.SpawnContext(ctx, job.SourceID, nil); err != nil {
			return err
		}
		_, err = q.store.Dispatch(ctx, &core.Event{
			EtlContextID: id,
			Type:         template.Type,
			Payload:      template.Payload,
			Meta:         meta,
		})
		if err != nil {
			return err
		}
		if err := q.storage.AttachContext(ctx, job.ID, id); err != nil {
			return err
		}
		return q.store.SetEtlTaskID(ctx, id, job.ID)
	})
	if err != nil {
		return 0, err
	}
	job.EtlContextID = &id
	return id, nil
}

// OnTaskStart registers a callback for when a worker spawns a task.
func (q *Queue) OnTaskStart(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onStart = append(q.onStart, fn)
	q.mu.Unlock()
}

// OnTaskComplete registers a callback for when a task exits DONE.
func (q *Queue) OnTaskComplete(fn func(context.Context, *core.Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

// OnTaskFail registers a callback for when a task fails permanently.
func (q *Queue) OnTaskFail(fn func(context.Context, *core.Job, error)) {
	q.mu.Lock()
	q.onFail = append(q.onFail, fn)
	q.mu.Unlock()
}

// OnRetry registers a callback for when a task is retried.
func (q *Queue) OnRetry(fn func(context.Context, *core.Job, int, error)) {
	q.mu.Lock()
	q.onRetry = append(q.onRetry, fn)
	q.mu.Unlock()
}

// Events returns a channel for receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.QueueEvent {
	ch := make(chan core.QueueEvent, 100)
	q.mu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (q *Queue) Unsubscribe(ch <-chan core.QueueEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers. Slow subscribers miss events.
func (q *Queue) Emit(e core.QueueEvent) {
	q.mu.RLock()
	subs := make([]chan core.QueueEvent, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onStart))
	copy(hooks, q.onStart)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, job *core.Job) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, job *core.Job, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, err)
	}
}

// CallRetryHooks calls all registered retry hooks.
func (q *Queue) CallRetryHooks(ctx context.Context, job *core.Job, attempt int, err error) {
	q.mu.RLock()
	hooks := make([]func(context.Context, *core.Job, int, error), len(q.onRetry))
	copy(hooks, q.onRetry)
	q.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, job, attempt, err)
	}
}
