package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db/migrations"
	"gorm.io/gorm"
)

// MigrationsTable is the golang-migrate bookkeeping table.
const MigrationsTable = "etl_schema_migrations"

// GLOB is case-sensitive in SQLite, matching ClassifyEventType.
var sqliteInitialIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_event_store_initial
ON event_store (etl_context_id) WHERE type GLOB '*` + core.SuffixInitial + `'`

const sqliteQueueStatusView = `CREATE VIEW IF NOT EXISTS etl_queue_status AS
SELECT j.id AS job_id, j.queue AS queue, j.status AS job_status, j.attempt AS attempt,
       j.etl_context_id AS etl_context_id, c.etl_status AS etl_status,
       j.worker_ref AS worker_ref, j.created_at AS created_at
FROM etl_jobs j
LEFT JOIN etl_contexts c ON c.etl_context_id = j.etl_context_id`

// bootstrap brings the schema up to date. PostgreSQL runs the embedded
// migrations under golang-migrate's advisory lock; SQLite is migrated from
// the gorm models.
func bootstrap(ctx context.Context, db *gorm.DB) error {
	if IsPostgres(db) {
		return migrateUp(ctx, db)
	}
	return autoMigrate(ctx, db)
}

func autoMigrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(
		&core.Source{},
		&core.EtlContext{},
		&core.Event{},
		&core.Job{},
		&core.Schedule{},
	); err != nil {
		return err
	}
	for _, ddl := range []string{sqliteInitialIndex, sqliteQueueStatusView} {
		if err := db.Exec(ddl).Error; err != nil {
			return err
		}
	}
	return nil
}

// withMigrator runs fn with a golang-migrate instance on a dedicated
// connection from db's pool. The connection goes back to the pool afterwards.
func withMigrator(ctx context.Context, db *gorm.DB, fn func(*migrate.Migrate) error) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}

	driver, err := migratepg.WithConnection(ctx, conn, &migratepg.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	return fn(m)
}

func migrateUp(ctx context.Context, db *gorm.DB) error {
	return withMigrator(ctx, db, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version of env. SQLite
// environments are migrated from models and always report version 0.
func (m *Manager) MigrationVersion(ctx context.Context, env string) (version uint, dirty bool, err error) {
	db, err := m.Get(ctx, env)
	if err != nil {
		return 0, false, err
	}
	if !IsPostgres(db) {
		return 0, false, nil
	}
	err = withMigrator(ctx, db, func(mg *migrate.Migrate) error {
		var verr error
		version, dirty, verr = mg.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

// Migrate makes sure env's schema is bootstrapped.
func (m *Manager) Migrate(ctx context.Context, env string) error {
	_, err := m.Get(ctx, env)
	return err
}
