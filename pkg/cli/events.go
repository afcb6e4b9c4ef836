package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/durable-etl/pkg/etlctx"
)

type eventsFlags struct {
	since    int64
	follow   bool
	interval time.Duration
}

func newEventsCommand(app *App, g *globalFlags) *cobra.Command {
	f := &eventsFlags{}
	cmd := &cobra.Command{
		Use:   "events <etl-context-id>",
		Short: "Print the events of a context and its descendants as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid etl context id %q", args[0])
			}
			return runEvents(cmd, app, g, f, id)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&f.since, "since", 0, "only events with a larger event id")
	flags.BoolVarP(&f.follow, "follow", "f", false, "keep printing new events until interrupted")
	flags.DurationVar(&f.interval, "interval", time.Second, "poll interval with --follow")
	return cmd
}

func runEvents(cmd *cobra.Command, app *App, g *globalFlags, f *eventsFlags, id int64) error {
	s, err := openSession(app, g)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := etlctx.With(cmd.Context(), etlctx.ExecutionContext{Environment: g.env})
	enc := json.NewEncoder(cmd.OutOrStdout())
	since := f.since

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		events, err := s.store.QueryEvents(ctx, since, id)
		if err != nil {
			return err
		}
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return err
			}
			since = events[i].EventID
		}
		if !f.follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newStatusCommand(app *App, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [namespaced-queue]",
		Short: "Show jobs with the status of their contexts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(app, g)
			if err != nil {
				return err
			}
			defer s.Close()

			var queueName string
			if len(args) == 1 {
				queueName = args[0]
			}
			ctx := etlctx.With(cmd.Context(), etlctx.ExecutionContext{Environment: g.env})
			rows, err := s.store.QueueStatus(ctx, queueName)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tQUEUE\tJOB STATUS\tATTEMPT\tCONTEXT\tETL STATUS\tWORKER")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					r.JobID, r.Queue, r.JobStatus, r.Attempt, optID(r.EtlContextID), optStr(r.EtlStatus), r.WorkerRef)
			}
			return w.Flush()
		},
	}
}

func optID(p *int64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatInt(*p, 10)
}

func optStr(p *string) string {
	if p == nil {
		return "-"
	}
	return *p
}
