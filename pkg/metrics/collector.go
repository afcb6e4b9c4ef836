package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/durable-etl/pkg/core"
)

const namespace = "etl"

// DefaultSnapshotInterval is how often job counts are refreshed.
const DefaultSnapshotInterval = 15 * time.Second

// Source is the queue a Collector observes.
type Source interface {
	Events() <-chan core.QueueEvent
	Unsubscribe(ch <-chan core.QueueEvent)
	Storage() core.Storage
}

// Collector turns queue events and job counts into Prometheus metrics.
type Collector struct {
	source   Source
	registry *prometheus.Registry
	interval time.Duration
	logger   *slog.Logger

	started    *prometheus.CounterVec
	completed  *prometheus.CounterVec
	failed     *prometheus.CounterVec
	retried    *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	scheduled  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	jobs       *prometheus.GaugeVec

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Collector.
type Option interface {
	apply(*Collector)
}

type optionFunc func(*Collector)

func (f optionFunc) apply(c *Collector) { f(c) }

// WithSnapshotInterval sets how often job counts are refreshed.
func WithSnapshotInterval(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		c.interval = d
	})
}

// WithRegistry registers the metrics on r instead of a private registry.
func WithRegistry(r *prometheus.Registry) Option {
	return optionFunc(func(c *Collector) {
		c.registry = r
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Collector) {
		c.logger = l
	})
}

// New creates a Collector and registers its metrics.
func New(source Source, opts ...Option) (*Collector, error) {
	c := &Collector{
		source:   source,
		interval: DefaultSnapshotInterval,
		logger:   slog.Default(),
		ready:    make(chan struct{}),

		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Task processes spawned.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Deliveries that ended with the context DONE.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Deliveries that failed with no retries left.",
		}, []string{"queue", "exit_code"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Deliveries rescheduled after a failure.",
		}, []string{"queue"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deliveries_total",
			Help:      "Duplicate deliveries settled against the original execution.",
		}, []string{"queue", "status"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedules_fired_total",
			Help:      "Jobs produced by cron schedules.",
		}, []string{"queue"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of successful deliveries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
		}, []string{"queue"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs per queue and status at the last snapshot.",
		}, []string{"queue", "status"}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	for _, m := range []prometheus.Collector{
		c.started, c.completed, c.failed, c.retried,
		c.duplicates, c.scheduled, c.duration, c.jobs,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start consumes queue events and refreshes job counts until ctx ends.
func (c *Collector) Start(ctx context.Context) {
	events := c.source.Events()
	defer c.source.Unsubscribe(events)

	c.readyOnce.Do(func() { close(c.ready) })

	c.Snapshot(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			c.handleEvent(e)
		case <-ticker.C:
			c.Snapshot(ctx)
		}
	}
}

func (c *Collector) handleEvent(e core.QueueEvent) {
	switch ev := e.(type) {
	case *core.TaskStarted:
		c.started.WithLabelValues(ev.Job.Queue).Inc()
	case *core.TaskCompleted:
		c.completed.WithLabelValues(ev.Job.Queue).Inc()
		c.duration.WithLabelValues(ev.Job.Queue).Observe(ev.Duration.Seconds())
	case *core.TaskFailed:
		c.failed.WithLabelValues(ev.Job.Queue, ev.ExitCode.String()).Inc()
	case *core.TaskRetrying:
		c.retried.WithLabelValues(ev.Job.Queue).Inc()
	case *core.DuplicateReconciled:
		c.duplicates.WithLabelValues(ev.Job.Queue, string(ev.Status)).Inc()
	case *core.ScheduleFired:
		if ev.Schedule != nil {
			c.scheduled.WithLabelValues(ev.Schedule.Queue).Inc()
		}
	}
}

// Snapshot refreshes the job gauges from storage.
func (c *Collector) Snapshot(ctx context.Context) {
	counts, err := c.source.Storage().CountByQueue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("snapshot job counts", "error", err)
		}
		return
	}
	c.jobs.Reset()
	for queueName, byStatus := range counts {
		for status, n := range byStatus {
			c.jobs.WithLabelValues(queueName, string(status)).Set(float64(n))
		}
	}
}
