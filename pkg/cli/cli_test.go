package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-etl/pkg/cli"
	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/registry"
)

type harness struct {
	reg    *registry.Registry
	hostID string
	dir    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("ETL_DATABASE_CLITEST_URL",
		fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(dir, "etl.db")))

	reg := registry.New()
	reg.MustRegister("census:load", func(ctx context.Context, ev *core.Event) (*core.Event, error) {
		return core.NewEvent("census:FINAL", map[string]int{"rows": 3})
	})
	reg.MustRegister("census:broken", func(ctx context.Context, ev *core.Event) (*core.Event, error) {
		return nil, errors.New("source unavailable")
	})
	return &harness{reg: reg, dir: dir}
}

// run executes etlctl with args and returns the exit status and stdout.
func (h *harness) run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.App{
		Registry: h.reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stdout:   &out,
		Stderr:   io.Discard,
	}
	base := []string{"--env", "clitest", "--host-id-file", filepath.Join(h.dir, "host-id")}
	code := cli.Execute(context.Background(), app, append(append([]string{args[0]}, base...), args[1:]...))
	return code, out.String()
}

var contextIDPattern = regexp.MustCompile(`etl_context_id=(\d+)`)

func (h *harness) submit(t *testing.T, args ...string) string {
	t.Helper()
	code, out := h.run(t, append([]string{"submit", "--queue", "census", "--worker", "census:load",
		"--payload", `{"year":2020}`}, args...)...)
	require.Equal(t, 0, code, out)
	m := contextIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

func eventTypes(t *testing.T, out string) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var ev core.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		types = append(types, ev.Type)
	}
	return types
}

func TestHostID_Stable(t *testing.T) {
	h := newHarness(t)

	code, first := h.run(t, "host-id")
	require.Equal(t, 0, code)
	code, second := h.run(t, "host-id")
	require.Equal(t, 0, code)

	assert.NotEmpty(t, strings.TrimSpace(first))
	assert.Equal(t, first, second)

	code, withPath := h.run(t, "host-id", "--path")
	require.Equal(t, 0, code)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(withPath), filepath.Join(h.dir, "host-id")))
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	code, out := h.run(t, "migrate")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "environment=clitest")
}

func TestMigrate_UnknownEnvironment(t *testing.T) {
	h := newHarness(t)
	var out bytes.Buffer
	app := &cli.App{Registry: h.reg, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Stdout: &out}
	assert.Equal(t, 1, cli.Execute(context.Background(), app, []string{"migrate", "--env", "nope"}))
}

func TestSubmitThenEvents(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)

	code, out := h.run(t, "events", id)
	require.Equal(t, 0, code)
	assert.Equal(t, []string{"census:load:INITIAL"}, eventTypes(t, out))
}

func TestSubmit_CustomType(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "--type", "census:INITIAL", "--retries", "0", "--priority", "5")

	_, out := h.run(t, "events", id)
	assert.Equal(t, []string{"census:INITIAL"}, eventTypes(t, out))
}

func TestSubmit_InvalidPayload(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run(t, "submit", "--queue", "census", "--worker", "census:load", "--payload", "{nope")
	assert.Equal(t, 1, code)
}

func TestSubmit_MissingFlags(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run(t, "submit", "--queue", "census")
	assert.Equal(t, 1, code)
}

func TestSubmit_UnregisteredWorker(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run(t, "submit", "--queue", "census", "--worker", "census:missing")
	assert.Equal(t, 1, code)
}

func TestSubmit_Cron(t *testing.T) {
	h := newHarness(t)
	code, out := h.run(t, "submit", "--queue", "census", "--worker", "census:load", "--cron", "@daily")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `cron="@daily"`)

	code, _ = h.run(t, "submit", "--queue", "census", "--worker", "census:load", "--cron", "not a cron")
	assert.Equal(t, 1, code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t)

	code, out := h.run(t, "status")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "JOB STATUS")
	assert.Contains(t, lines[1], "pending")
	assert.Contains(t, lines[1], id)
	assert.Contains(t, lines[1], "census:load")
}

func TestRunTask(t *testing.T) {
	h := newHarness(t)
	_, hostOut := h.run(t, "host-id")
	id := h.submit(t)

	t.Setenv(config.EnvDatabaseEnvironment, "clitest")
	t.Setenv(config.EnvEtlContextID, id)
	t.Setenv(config.EnvHostID, strings.TrimSpace(hostOut))

	code, _ := h.run(t, "run-task")
	require.Equal(t, 0, code)

	_, out := h.run(t, "events", id)
	assert.Equal(t, []string{"census:load:INITIAL", "census:FINAL"}, eventTypes(t, out))

	// A second delivery finds the context DONE.
	code, _ = h.run(t, "run-task")
	assert.Equal(t, 0, code)
}

func TestRunTask_WorkerFails(t *testing.T) {
	h := newHarness(t)
	_, hostOut := h.run(t, "host-id")
	code, out := h.run(t, "submit", "--queue", "census", "--worker", "census:broken")
	require.Equal(t, 0, code, out)
	id := contextIDPattern.FindStringSubmatch(out)[1]

	t.Setenv(config.EnvDatabaseEnvironment, "clitest")
	t.Setenv(config.EnvEtlContextID, id)
	t.Setenv(config.EnvHostID, strings.TrimSpace(hostOut))

	code, _ = h.run(t, "run-task")
	assert.Equal(t, int(core.ExitWorkerThrewError), code)
}

func TestRunTask_MissingEnvironment(t *testing.T) {
	h := newHarness(t)
	t.Setenv(config.EnvDatabaseEnvironment, "")
	t.Setenv(config.EnvEtlContextID, "")
	t.Setenv(config.EnvHostID, "")

	code, _ := h.run(t, "run-task")
	assert.Equal(t, int(core.ExitFatal), code)
}

func TestWorker_RequiresQueue(t *testing.T) {
	h := newHarness(t)
	code, _ := h.run(t, "worker")
	assert.Equal(t, 1, code)
}
