package worker

import (
	"log/slog"
	"time"

	"github.com/jdziat/durable-etl/pkg/security"
)

// DefaultConcurrency is the number of task processes a queue runs at once
// unless Concurrency says otherwise.
const DefaultConcurrency = 10

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Queues          map[string]int // queue name (not namespaced) -> concurrency
	PollInterval    time.Duration
	WorkerID        string
	EnableScheduler bool

	SchedulerInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	HeartbeatInterval time.Duration
	StaleLockInterval time.Duration // 0 disables the stale lock sweep
	StaleLockAge      time.Duration

	// OrphanSweepInterval enables Queue.SweepOrphans; 0 disables it.
	OrphanSweepInterval time.Duration
	OrphanAge           time.Duration

	ReconcileInterval time.Duration

	Spawner    Spawner
	Reconciler Reconciler
	Logger     *slog.Logger

	StorageRetry *RetryConfig
	DequeueRetry *RetryConfig
}

// Concurrency sets the concurrency of every queue configured so far, or of
// one queue when passed to WorkerQueue. Values are clamped to
// [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		clamped := security.ClampConcurrency(n)
		for k := range c.Queues {
			c.Queues[k] = clamped
		}
	})
}

// WorkerQueue adds a queue to process. Options apply to that queue only.
func WorkerQueue(name string, opts ...WorkerOption) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if c.Queues == nil {
			c.Queues = make(map[string]int)
		}
		sub := &WorkerConfig{Queues: map[string]int{name: DefaultConcurrency}}
		for _, opt := range opts {
			opt.ApplyWorker(sub)
		}
		c.Queues[name] = sub.Queues[name]
	})
}

// WithScheduler enables the schedule loop in the worker.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// SchedulerInterval sets how often due schedules are fired.
func SchedulerInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.SchedulerInterval = d
	})
}

// Backoff sets the retry delay of failed tasks: base doubled per attempt,
// capped at max.
func Backoff(base, max time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.BackoffBase = base
		c.BackoffMax = max
	})
}

// PollInterval sets how often idle queues are polled.
func PollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.PollInterval = d
	})
}

// WorkerID sets the lock owner id. Defaults to a random uuid.
func WorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.WorkerID = id
	})
}

// HeartbeatInterval sets how often a running job's lock is extended.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.HeartbeatInterval = d
	})
}

// StaleLocks configures the sweep that returns jobs with an expired lock to
// pending. An interval of 0 disables it.
func StaleLocks(interval, age time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StaleLockInterval = interval
		c.StaleLockAge = age
	})
}

// OrphanSweep configures the sweep that submits jobs for contexts left
// without one. An interval of 0 disables it.
func OrphanSweep(interval, age time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.OrphanSweepInterval = interval
		c.OrphanAge = age
	})
}

// ReconcileInterval sets how often a duplicate delivery re-probes the
// :INITIAL lock.
func ReconcileInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.ReconcileInterval = d
	})
}

// WithSpawner replaces the process spawner.
func WithSpawner(s Spawner) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Spawner = s
	})
}

// WithReconciler replaces how duplicate deliveries are settled.
func WithReconciler(r Reconciler) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Reconciler = r
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}

// WithStorageRetry sets the retry policy for job bookkeeping writes.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.StorageRetry = &cfg
	})
}

// WithDequeueRetry sets the retry policy for polling.
func WithDequeueRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.DequeueRetry = &cfg
	})
}

// WithRetryAttempts sets the attempt count of the storage retry policy,
// keeping its other defaults.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes every storage and dequeue call a single attempt.
func DisableRetry() WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		cfg.MaxAttempts = 1
		storage, dequeue := cfg, cfg
		c.StorageRetry = &storage
		c.DequeueRetry = &dequeue
	})
}
