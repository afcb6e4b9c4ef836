package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/datatypes"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/queue"
)

type submitFlags struct {
	queue     string
	workerRef string
	eventType string
	payload   string
	sourceID  int64
	priority  int
	retries   int
	expireIn  time.Duration
	delay     time.Duration
	cron      string
}

func newSubmitCommand(app *App, g *globalFlags) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task, or schedule it with --cron",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, app, g, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.queue, "queue", "q", "", "queue name (namespaced with this host's id)")
	flags.StringVarP(&f.workerRef, "worker", "w", "", "worker reference")
	flags.StringVarP(&f.eventType, "type", "t", "", "initial event type (default <worker>:INITIAL)")
	flags.StringVarP(&f.payload, "payload", "p", "", "initial event payload, JSON")
	flags.Int64Var(&f.sourceID, "source", 0, "source id")
	flags.IntVar(&f.priority, "priority", 0, "priority, higher runs first")
	flags.IntVar(&f.retries, "retries", -1, "retries after the first attempt (default: queue default)")
	flags.DurationVar(&f.expireIn, "expire-in", 0, "kill an attempt after this long")
	flags.DurationVar(&f.delay, "delay", 0, "run after this delay")
	flags.StringVar(&f.cron, "cron", "", "schedule on this cron expression instead of submitting once")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func (f *submitFlags) descriptor() (core.TaskDescriptor, error) {
	typ := f.eventType
	if typ == "" {
		typ = f.workerRef + core.SuffixInitial
	}
	ev := &core.Event{Type: typ}
	if f.payload != "" {
		if !json.Valid([]byte(f.payload)) {
			return core.TaskDescriptor{}, fmt.Errorf("--payload is not valid JSON")
		}
		ev.Payload = datatypes.JSON(f.payload)
	}
	d := core.TaskDescriptor{
		Queue:        f.queue,
		WorkerRef:    f.workerRef,
		InitialEvent: ev,
	}
	if f.sourceID > 0 {
		d.SourceID = &f.sourceID
	}
	return d, nil
}

func (f *submitFlags) options() []queue.Option {
	var opts []queue.Option
	if f.priority != 0 {
		opts = append(opts, queue.Priority(f.priority))
	}
	if f.retries >= 0 {
		opts = append(opts, queue.Retries(f.retries))
	}
	if f.expireIn > 0 {
		opts = append(opts, queue.ExpireIn(f.expireIn))
	}
	if f.delay > 0 {
		opts = append(opts, queue.Delay(f.delay))
	}
	return opts
}

func runSubmit(cmd *cobra.Command, app *App, g *globalFlags, f *submitFlags) error {
	ctx := cmd.Context()
	d, err := f.descriptor()
	if err != nil {
		return err
	}

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
	if err := q.RegisterQueue(f.queue, queue.QueueOptions{}); err != nil {
		return err
	}

	ctx = etlctx.With(ctx, etlctx.ExecutionContext{Environment: g.env})
	if f.cron != "" {
		return schedule(ctx, cmd, q, d, f)
	}

	h, err := q.QueueTask(ctx, d, f.options()...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "etl_context_id=%d job_id=%s queue=%s\n", h.EtlContextID, h.JobID, q.NamespacedQueue(f.queue))
	return nil
}

func schedule(ctx context.Context, cmd *cobra.Command, q *queue.Queue, d core.TaskDescriptor, f *submitFlags) error {
	if err := q.ScheduleTask(ctx, d, f.cron, f.options()...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scheduled queue=%s cron=%q\n", q.NamespacedQueue(f.queue), f.cron)
	return nil
}
