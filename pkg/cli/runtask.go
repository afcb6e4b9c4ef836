package cli

import (
	"github.com/spf13/cobra"

	"github.com/jdziat/durable-etl/pkg/runner"
	"github.com/jdziat/durable-etl/pkg/worker"
)

func newRunTaskCommand(app *App, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:    worker.RunTaskCommand,
		Short:  "Run one task delivery (started by the worker)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(app, g)
			if err != nil {
				app.Logger.Error("open task session", "error", err)
				return &exitCodeError{code: 1}
			}
			defer s.Close()

			code := runner.Main(cmd.Context(), runner.Deps{
				Store:    s.store,
				Registry: app.Registry,
				Logger:   app.Logger,
			})
			if code != 0 {
				return &exitCodeError{code: code}
			}
			return nil
		},
	}
}
