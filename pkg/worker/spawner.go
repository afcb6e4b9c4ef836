package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
)

// RunTaskCommand is the subcommand the default spawner passes to the
// current executable.
const RunTaskCommand = "run-task"

// Spawner starts one task process for a delivery and waits for its exit
// code. A non-nil error means the process could not be run to completion;
// the code is then ExitFatal.
type Spawner interface {
	Spawn(ctx context.Context, env config.TaskEnv) (core.ExitCode, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, env config.TaskEnv) (core.ExitCode, error)

// Spawn implements Spawner.
func (f SpawnFunc) Spawn(ctx context.Context, env config.TaskEnv) (core.ExitCode, error) {
	return f(ctx, env)
}

// ExecSpawner fork/execs a task process.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string // added to the parent environment before the task contract
	Stdout io.Writer
	Stderr io.Writer

	// WaitDelay bounds how long Spawn waits for output after the process
	// is killed on cancellation.
	WaitDelay time.Duration
}

// NewExecSpawner returns a spawner that re-runs the current executable with
// the run-task subcommand.
func NewExecSpawner() (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{
		Path:      path,
		Args:      []string{RunTaskCommand},
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		WaitDelay: 10 * time.Second,
	}, nil
}

// Spawn implements Spawner. The process is killed when ctx ends.
func (s *ExecSpawner) Spawn(ctx context.Context, env config.TaskEnv) (core.ExitCode, error) {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), env.Environ()...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.WaitDelay = s.WaitDelay

	err := cmd.Run()
	if err == nil {
		return core.ExitDone, nil
	}
	if ctx.Err() != nil {
		return core.ExitFatal, fmt.Errorf("task process for context %d stopped: %w", env.EtlContextID, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return core.ExitFatal, fmt.Errorf("task process for context %d: %w", env.EtlContextID, err)
		}
		return core.ExitCode(code), nil
	}
	return core.ExitFatal, fmt.Errorf("spawn task process: %w", err)
}

// Reconciler settles a delivery whose task process could not take the
// :INITIAL lock. nil means the original execution reached DONE.
type Reconciler interface {
	Reconcile(ctx context.Context, env config.TaskEnv) error
}

// ReconcileFunc adapts a function to Reconciler.
type ReconcileFunc func(ctx context.Context, env config.TaskEnv) error

// Reconcile implements Reconciler.
func (f ReconcileFunc) Reconcile(ctx context.Context, env config.TaskEnv) error {
	return f(ctx, env)
}
