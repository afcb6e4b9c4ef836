package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/durable-etl/pkg/metrics"
	"github.com/jdziat/durable-etl/pkg/queue"
	"github.com/jdziat/durable-etl/pkg/worker"
)

type workerFlags struct {
	queues      []string
	concurrency int
	retries     int
	scheduler   bool
	orphanSweep time.Duration
	metricsAddr string
}

func newWorkerCommand(app *App, g *globalFlags) *cobra.Command {
	f := &workerFlags{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued tasks for this host",
		Long: `
Polls the host-namespaced queues given with --queue and runs every delivery in
a separate "run-task" process of this binary. Queue names accept an optional
concurrency suffix, e.g. --queue census=4.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), app, g, f)
		},
	}
	flags := cmd.Flags()
	flags.StringArrayVarP(&f.queues, "queue", "q", nil, "queue to process, name[=concurrency] (repeatable)")
	flags.IntVar(&f.concurrency, "concurrency", 0, "default concurrency per queue")
	flags.IntVar(&f.retries, "retries", queue.DefaultTaskRetries, "default retries for tasks on these queues")
	flags.BoolVar(&f.scheduler, "scheduler", true, "fire due cron schedules")
	flags.DurationVar(&f.orphanSweep, "orphan-sweep", time.Minute, "how often to resubmit orphaned contexts (0 disables)")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

// parseQueueFlag splits "name=concurrency".
func parseQueueFlag(s string) (string, int, error) {
	name, n, ok := strings.Cut(s, "=")
	if name == "" {
		return "", 0, fmt.Errorf("invalid --queue %q", s)
	}
	if !ok {
		return name, 0, nil
	}
	c, err := strconv.Atoi(n)
	if err != nil || c <= 0 {
		return "", 0, fmt.Errorf("invalid concurrency in --queue %q", s)
	}
	return name, c, nil
}

func runWorker(ctx context.Context, app *App, g *globalFlags, f *workerFlags) error {
	s, err := openSession(app, g)
	if err != nil {
		return err
	}
	defer s.Close()

	host, _, err := s.hostID(ctx, g)
	if err != nil {
		return err
	}
	q, err := queue.New(s.store, g.env, host, queue.WithRegistry(app.Registry), queue.WithLogger(app.Logger))
	if err != nil {
		return err
	}

	concurrency := f.concurrency
	if concurrency == 0 {
		concurrency = s.cfg.Worker.Concurrency
	}
	if concurrency == 0 {
		concurrency = worker.DefaultConcurrency
	}

	opts := []worker.WorkerOption{
		worker.WithScheduler(f.scheduler),
		worker.OrphanSweep(f.orphanSweep, 5*time.Minute),
		worker.WithLogger(app.Logger),
	}
	for _, raw := range f.queues {
		name, n, err := parseQueueFlag(raw)
		if err != nil {
			return err
		}
		if n == 0 {
			n = concurrency
		}
		if err := q.RegisterQueue(name, queue.QueueOptions{Retries: f.retries}); err != nil {
			return err
		}
		opts = append(opts, worker.WorkerQueue(name, worker.Concurrency(n)))
	}

	wc := s.cfg.Worker
	if wc.PollInterval > 0 {
		opts = append(opts, worker.PollInterval(wc.PollInterval))
	}
	if wc.LockPollInterval > 0 {
		opts = append(opts, worker.ReconcileInterval(wc.LockPollInterval))
	}
	if wc.StaleLockInterval > 0 {
		age := wc.StaleLockAge
		if age <= 0 {
			age = time.Minute
		}
		opts = append(opts, worker.StaleLocks(wc.StaleLockInterval, age))
	}

	if f.metricsAddr != "" {
		stop, err := serveMetrics(ctx, app, q, f.metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	app.Logger.Info("worker starting",
		"environment", g.env,
		"host_id", host,
		"queues", f.queues)

	err = worker.NewWorker(q, opts...).Start(ctx)
	if errors.Is(err, context.Canceled) {
		app.Logger.Info("worker stopped")
		return nil
	}
	return err
}

// serveMetrics runs the collector and its HTTP endpoint until stop is called.
func serveMetrics(ctx context.Context, app *App, q *queue.Queue, addr string) (func(), error) {
	collector, err := metrics.New(q, metrics.WithLogger(app.Logger))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	go collector.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()

	return func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
