package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/hostid"
	"github.com/jdziat/durable-etl/pkg/registry"
)

// DefaultEnvironment is the database environment used when neither --env
// nor ETL_ENVIRONMENT is set.
const DefaultEnvironment = "default"

// App holds what the commands share.
type App struct {
	// Registry resolves worker refs for run-task. Defaults to registry.Default.
	Registry *registry.Registry
	Logger   *slog.Logger
	Stdout   io.Writer
	Stderr   io.Writer
}

func (a *App) defaults() {
	if a.Registry == nil {
		a.Registry = registry.Default
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}
}

// exitCodeError makes Execute return a specific process status.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type globalFlags struct {
	configFile string
	env        string
	hostIDFile string
}

// NewRootCommand builds the etlctl command tree.
func NewRootCommand(app *App) *cobra.Command {
	app.defaults()
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "etlctl",
		Short:         "Run and inspect durable ETL tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&g.configFile, "config", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	flags.StringVar(&g.env, "env", config.GetEnvStr("ETL_ENVIRONMENT", DefaultEnvironment), "database environment")
	flags.StringVar(&g.hostIDFile, "host-id-file", "", "host id file (overrides "+config.EnvHostIDFile+")")

	root.AddCommand(
		newWorkerCommand(app, g),
		newRunTaskCommand(app, g),
		newSubmitCommand(app, g),
		newEventsCommand(app, g),
		newStatusCommand(app, g),
		newMigrateCommand(app, g),
		newHostIDCommand(app, g),
	)
	return root
}

// Execute runs the command line and returns the process exit status.
func Execute(ctx context.Context, app *App, args []string) int {
	root := NewRootCommand(app)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	app.Logger.Error("command failed", "error", err)
	return 1
}

// session is an open configuration, database manager and event store.
type session struct {
	cfg   *config.Config
	dbm   *db.Manager
	store *eventstore.Store
}

func openSession(app *App, g *globalFlags) (*session, error) {
	if g.configFile != "" {
		if err := os.Setenv(config.EnvConfigFile, g.configFile); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dbm := db.NewManager(cfg, db.WithLogger(app.Logger))
	store := eventstore.New(dbm, eventstore.WithLogger(app.Logger))
	return &session{cfg: cfg, dbm: dbm, store: store}, nil
}

func (s *session) Close() error {
	return errors.Join(s.store.Close(), s.dbm.Close())
}

// hostID loads the host id, generating it on first use.
func (s *session) hostID(ctx context.Context, g *globalFlags) (string, string, error) {
	path := g.hostIDFile
	if path == "" {
		path = s.cfg.HostIDFile
	}
	path, err := hostid.Resolve(path)
	if err != nil {
		return "", "", err
	}
	id, _, err := hostid.Load(ctx, path)
	if err != nil {
		return "", "", err
	}
	return id, path, nil
}
