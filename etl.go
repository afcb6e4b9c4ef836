// Package etl runs ETL processes as durable, event-sourced tasks.
//
// This is the main package users should import. It re-exports the public
// types of the pkg/ packages and adds Engine, which wires a database
// environment, the event store and a host-namespaced queue together.
//
// Basic usage:
//
//	cfg, _ := etl.LoadConfig()
//	engine, _ := etl.Open(ctx, cfg, "prod", hostID)
//	defer engine.Close()
//
//	etl.MustRegister("census:load", func(ctx context.Context, ev *etl.Event) (*etl.Event, error) {
//	    return etl.NewEvent("census:FINAL", nil)
//	})
//	engine.Queue.RegisterQueue("census", etl.QueueOptions{})
//
//	ev, _ := etl.NewEvent("census:INITIAL", map[string]int{"year": 2020})
//	engine.Submit(ctx, etl.TaskDescriptor{Queue: "census", WorkerRef: "census:load", InitialEvent: ev})
//
//	engine.NewWorker(etl.WorkerQueue("census")).Start(ctx)
package etl

import (
	"context"
	"errors"
	"time"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/queue"
	"github.com/jdziat/durable-etl/pkg/registry"
	"github.com/jdziat/durable-etl/pkg/security"
	"github.com/jdziat/durable-etl/pkg/subtask"
	"github.com/jdziat/durable-etl/pkg/worker"
)

// Type aliases for the public API.
type (
	// Event is one immutable row of the event log.
	Event = core.Event

	// EventKind is the lifecycle role of an event type.
	EventKind = core.EventKind

	// EventMeta is the engine bookkeeping stored in an event's meta.
	EventMeta = core.EventMeta

	// EtlContext is one logical ETL process.
	EtlContext = core.EtlContext

	// EtlStatus is the computed lifecycle state of an ETL context.
	EtlStatus = core.EtlStatus

	// Source classifies contexts for the source-type queries.
	Source = core.Source

	// TaskDescriptor is a request to run a worker as a new ETL process.
	TaskDescriptor = core.TaskDescriptor

	// Job is a durable delivery of a task to a worker pool.
	Job = core.Job

	// ExitCode is the status a task process reports to its worker.
	ExitCode = core.ExitCode

	// ExecutionContext is the ambient state of a running task.
	ExecutionContext = etlctx.ExecutionContext

	// Config is the engine configuration.
	Config = config.Config

	// Store is the event log.
	Store = eventstore.Store

	// Queue submits tasks to host-namespaced queues.
	Queue = queue.Queue

	// QueueOptions are the defaults of a registered queue.
	QueueOptions = queue.QueueOptions

	// TaskHandle identifies a submitted task.
	TaskHandle = queue.TaskHandle

	// Option modifies per-submission send options.
	Option = queue.Option

	// Worker processes queued tasks.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.WorkerOption

	// Sub describes one child task of a fan-out.
	Sub = subtask.Sub

	// NoRetryError marks an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError marks an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError
)

// Context statuses.
const (
	EtlStatusOpen  = core.EtlStatusOpen
	EtlStatusDone  = core.EtlStatusDone
	EtlStatusError = core.EtlStatusError
)

// Task process exit codes.
const (
	ExitDone                            = core.ExitDone
	ExitFatal                           = core.ExitFatal
	ExitCouldNotAcquireInitialEventLock = core.ExitCouldNotAcquireInitialEventLock
	ExitWorkerThrewError                = core.ExitWorkerThrewError
	ExitWorkerDidNotReturnFinalEvent    = core.ExitWorkerDidNotReturnFinalEvent
)

// Security limits
const (
	MaxEventTypeLength  = security.MaxEventTypeLength
	MaxPayloadSize      = security.MaxPayloadSize
	MaxRetries          = security.MaxRetries
	MaxConcurrency      = security.MaxConcurrency
	MaxQueueNameLength  = security.MaxQueueNameLength
	MaxSubtaskKeyLength = security.MaxSubtaskKeyLength
)

// Error variables
var (
	ErrInvalidTaskDescriptor   = core.ErrInvalidTaskDescriptor
	ErrInvalidFirstEvent       = core.ErrInvalidFirstEvent
	ErrDuplicateInitialEvent   = core.ErrDuplicateInitialEvent
	ErrContextAlreadyFinalized = core.ErrContextAlreadyFinalized
	ErrNoContext               = core.ErrNoContext
	ErrMissingRequiredField    = core.ErrMissingRequiredField
	ErrQueueNotRegistered      = core.ErrQueueNotRegistered
	ErrWorkerNotFound          = core.ErrWorkerNotFound
	ErrDuplicateDeliveryFailed = core.ErrDuplicateDeliveryFailed
	ErrSubtaskFailed           = core.ErrSubtaskFailed
	ErrAwaitInTransaction      = core.ErrAwaitInTransaction
)

// Engine bundles the collaborators of one database environment on one host.
type Engine struct {
	Env   string
	DB    *db.Manager
	Store *eventstore.Store
	Queue *queue.Queue
}

// Open connects to env, bootstrapping its schema, and returns an Engine
// submitting to queues namespaced with hostID. Handlers are resolved through
// the default registry.
func Open(ctx context.Context, cfg *Config, env, hostID string) (*Engine, error) {
	dbm := db.NewManager(cfg)
	if err := dbm.Migrate(ctx, env); err != nil {
		_ = dbm.Close()
		return nil, err
	}
	store := eventstore.New(dbm)
	q, err := queue.New(store, env, hostID)
	if err != nil {
		return nil, errors.Join(err, store.Close(), dbm.Close())
	}
	return &Engine{Env: env, DB: dbm, Store: store, Queue: q}, nil
}

// Context binds the engine's database environment to ctx.
func (e *Engine) Context(ctx context.Context) context.Context {
	if ec, err := etlctx.Current(ctx); err == nil {
		ec.Environment = e.Env
		return etlctx.With(ctx, ec)
	}
	return etlctx.With(ctx, etlctx.ExecutionContext{Environment: e.Env})
}

// Submit queues a task on the engine's environment.
func (e *Engine) Submit(ctx context.Context, d TaskDescriptor, opts ...Option) (TaskHandle, error) {
	return e.Queue.QueueTask(e.Context(ctx), d, opts...)
}

// Schedule submits d on every match of cronExpr. The queue holds at most one
// schedule; scheduling again replaces it.
func (e *Engine) Schedule(ctx context.Context, d TaskDescriptor, cronExpr string, opts ...Option) error {
	return e.Queue.ScheduleTask(e.Context(ctx), d, cronExpr, opts...)
}

// Status returns the status of a context.
func (e *Engine) Status(ctx context.Context, etlContextID int64) (EtlStatus, error) {
	return e.Store.GetEtlStatus(e.Context(ctx), etlContextID)
}

// Await blocks until the context's :FINAL event is committed.
func (e *Engine) Await(ctx context.Context, etlContextID int64) (*Event, error) {
	return e.Store.AwaitFinalEvent(e.Context(ctx), etlContextID)
}

// NewWorker creates a worker for the engine's queue.
func (e *Engine) NewWorker(opts ...WorkerOption) *Worker {
	return worker.NewWorker(e.Queue, opts...)
}

// Close stops the event store's listeners and closes every database pool.
func (e *Engine) Close() error {
	return errors.Join(e.Store.Close(), e.DB.Close())
}

// LoadConfig reads the configuration from ETL_CONFIG_FILE and the environment.
func LoadConfig() (*Config, error) {
	return config.Load()
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(eventType string, payload any) (*Event, error) {
	return core.NewEvent(eventType, payload)
}

// ClassifyEventType maps an event type onto its lifecycle role.
func ClassifyEventType(eventType string) EventKind {
	return core.ClassifyEventType(eventType)
}

// Register binds a handler to a worker ref in the default registry.
func Register(ref string, fn any) error {
	return registry.Register(ref, fn)
}

// MustRegister is Register that panics on error.
func MustRegister(ref string, fn any) {
	registry.MustRegister(ref, fn)
}

// Current returns the execution context of the running task.
func Current(ctx context.Context) (ExecutionContext, error) {
	return etlctx.Current(ctx)
}

// RunSubtask submits a child task under key, at most once per parent, and
// decodes the payload of its :FINAL event.
func RunSubtask[T any](ctx context.Context, q *Queue, key string, d TaskDescriptor, opts ...Option) (T, error) {
	return subtask.Run[T](ctx, q, q.Store(), key, d, opts...)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Send option functions

// Priority sets the task priority (higher = runs first).
func Priority(p int) Option {
	return queue.Priority(p)
}

// Retries sets how many times a failed delivery is retried.
func Retries(n int) Option {
	return queue.Retries(n)
}

// ExpireIn bounds how long one attempt may run.
func ExpireIn(d time.Duration) Option {
	return queue.ExpireIn(d)
}

// Delay schedules the task to run after a duration.
func Delay(d time.Duration) Option {
	return queue.Delay(d)
}

// At schedules the task to run at a specific time.
func At(t time.Time) Option {
	return queue.At(t)
}

// Worker option functions

// Concurrency sets the concurrency for a queue.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WithScheduler enables the scheduler in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// WorkerQueue adds a queue to process.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return worker.WorkerQueue(name, opts...)
}
