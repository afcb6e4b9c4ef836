// Package testdb opens throwaway database environments for tests.
//
// By default every call gets a fresh SQLite file. Set TEST_DATABASE_URL to run
// against an existing PostgreSQL database, or ETL_TESTCONTAINERS=1 to start a
// disposable PostgreSQL container (skipped under -short).
package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/db"
)

// Env is the database environment name tests use.
const Env = "test"

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// Postgres reports whether tests are configured to use PostgreSQL.
func Postgres() bool {
	return os.Getenv("TEST_DATABASE_URL") != "" || os.Getenv("ETL_TESTCONTAINERS") == "1"
}

// SkipIfNotPostgres skips tests that need row locks or LISTEN/NOTIFY.
func SkipIfNotPostgres(t *testing.T) {
	t.Helper()
	if !Postgres() {
		t.Skip("TEST_DATABASE_URL / ETL_TESTCONTAINERS not set, skipping PostgreSQL-specific test")
	}
	if os.Getenv("TEST_DATABASE_URL") == "" && testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
}

// Config returns a configuration with a single environment named Env.
func Config(t *testing.T) *config.Config {
	t.Helper()
	dbc := config.Database{MaxOpenConns: 8}

	switch {
	case os.Getenv("TEST_DATABASE_URL") != "":
		dbc.Driver = config.DriverPostgres
		dbc.URL = os.Getenv("TEST_DATABASE_URL")
	case os.Getenv("ETL_TESTCONTAINERS") == "1" && !testing.Short():
		dbc.Driver = config.DriverPostgres
		dbc.URL = containerDSN(t)
	default:
		path := filepath.Join(t.TempDir(), "etl.db")
		dbc.Driver = config.DriverSQLite
		dbc.URL = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	return &config.Config{Environments: map[string]config.Database{Env: dbc}}
}

// Manager returns a Manager whose Env environment is bootstrapped and empty.
// PostgreSQL tables are truncated before and after the test.
func Manager(t *testing.T) *db.Manager {
	t.Helper()
	m := db.NewManager(Config(t), db.WithGormConfig(&gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}))

	gdb, err := m.Get(context.Background(), Env)
	require.NoError(t, err, "open test database")

	if db.IsPostgres(gdb) {
		truncate(t, gdb)
	}
	t.Cleanup(func() {
		if db.IsPostgres(gdb) {
			truncate(t, gdb)
		}
		_ = m.Close()
	})
	return m
}

func truncate(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	err := gdb.Exec("TRUNCATE event_store, etl_jobs, etl_schedules, etl_contexts, etl_sources RESTART IDENTITY CASCADE").Error
	require.NoError(t, err, "truncate test tables")
}

// containerDSN starts one PostgreSQL container per test binary. It is reaped
// by testcontainers when the process exits.
func containerDSN(t *testing.T) string {
	t.Helper()
	containerOnce.Do(func() {
		ctx := context.Background()
		ctr, err := postgrescontainer.Run(ctx,
			"postgres:16-alpine",
			postgrescontainer.WithDatabase("etl"),
			postgrescontainer.WithUsername("etl"),
			postgrescontainer.WithPassword("etl"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(120*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr, "start postgres container")
	return containerURL
}
