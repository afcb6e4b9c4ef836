package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Manager hands out per-environment connection pools.
type Manager struct {
	cfg        *config.Config
	gormConfig *gorm.Config
	logger     *slog.Logger

	mu          sync.Mutex
	dbs         map[string]*gorm.DB
	initialized map[string]bool
	group       singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithGormConfig sets the gorm.Config used when opening pools.
func WithGormConfig(c *gorm.Config) Option {
	return func(m *Manager) {
		m.gormConfig = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a Manager for the environments in cfg.
func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg,
		gormConfig:  &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)},
		logger:      slog.Default(),
		dbs:         make(map[string]*gorm.DB),
		initialized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the configuration the manager was built from.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Get returns the pool for env, opening it and bootstrapping the schema on
// first use.
func (m *Manager) Get(ctx context.Context, env string) (*gorm.DB, error) {
	m.mu.Lock()
	db, ok := m.dbs[env]
	ready := ok && m.initialized[env]
	m.mu.Unlock()
	if ready {
		return db.WithContext(ctx), nil
	}

	v, err, _ := m.group.Do(env, func() (any, error) {
		return m.initialize(env)
	})
	if err != nil {
		return nil, err
	}
	return v.(*gorm.DB).WithContext(ctx), nil
}

func (m *Manager) initialize(env string) (*gorm.DB, error) {
	m.mu.Lock()
	db, ok := m.dbs[env]
	done := m.initialized[env]
	m.mu.Unlock()
	if done {
		return db, nil
	}

	if !ok {
		var err error
		db, err = m.open(env)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.dbs[env] = db
		m.mu.Unlock()
	}

	// Not bound to any caller's context: an abandoned first caller must not
	// fail the initialization the others are waiting on.
	if err := bootstrap(context.Background(), db); err != nil {
		return nil, fmt.Errorf("bootstrap schema for %q: %w", env, err)
	}

	m.mu.Lock()
	m.initialized[env] = true
	m.mu.Unlock()

	m.logger.Info("database environment ready", "environment", env, "dialect", db.Dialector.Name())
	return db, nil
}

func (m *Manager) open(env string) (*gorm.DB, error) {
	if m.cfg == nil {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownEnvironment, env)
	}
	dbc, ok := m.cfg.Environments[env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownEnvironment, env)
	}

	var dialector gorm.Dialector
	switch dbc.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(dbc.URL)
	case config.DriverSQLite:
		dialector = sqlite.Open(dbc.URL)
	default:
		return nil, fmt.Errorf("environment %q: unsupported driver %q", env, dbc.Driver)
	}

	db, err := gorm.Open(dialector, m.gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open %q (%s): %w", env, config.MaskDatabaseURL(dbc.URL), err)
	}

	pc, err := poolFromDatabase(dbc)
	if err != nil {
		return nil, fmt.Errorf("environment %q: %w", env, err)
	}
	if err := ConfigurePool(db, pc); err != nil {
		return nil, err
	}
	return db, nil
}

// GetConnection returns the ambient transaction when one is bound for env,
// otherwise the pool for env.
func (m *Manager) GetConnection(ctx context.Context, env string) (*gorm.DB, error) {
	if tx := ambientTx(ctx, env); tx != nil {
		return tx, nil
	}
	return m.Get(ctx, env)
}

// RunInTransaction begins a transaction on env, binds it into the execution
// context passed to fn, and commits if fn returns nil. Any error or panic
// from fn rolls the transaction back; panics are re-raised.
func (m *Manager) RunInTransaction(ctx context.Context, env string, fn func(ctx context.Context) error) (err error) {
	if etlctx.InTransaction(ctx) {
		return core.ErrNestedTransactionNotSupported
	}

	db, err := m.Get(ctx, env)
	if err != nil {
		return err
	}

	tx := db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", tx.Error)
	}

	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback().Error; rbErr != nil && !errors.Is(rbErr, gorm.ErrInvalidTransaction) {
				m.logger.Warn("rollback failed", "environment", env, "error", rbErr)
			}
		}
	}()

	ec, _ := etlctx.Current(ctx)
	ec.Environment = env
	ec.Tx = tx

	if err := etlctx.Run(ctx, ec, fn); err != nil {
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Atomic runs fn on the ambient transaction for env if there is one,
// otherwise inside a new short transaction.
func (m *Manager) Atomic(ctx context.Context, env string, fn func(tx *gorm.DB) error) error {
	if tx := ambientTx(ctx, env); tx != nil {
		return fn(tx)
	}
	db, err := m.Get(ctx, env)
	if err != nil {
		return err
	}
	return db.Transaction(fn)
}

// Close closes every open pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for env, db := range m.dbs {
		sqlDB, err := db.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", env, err))
		}
		delete(m.dbs, env)
		delete(m.initialized, env)
	}
	return errors.Join(errs...)
}

// IsPostgres reports whether db speaks PostgreSQL.
func IsPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

func ambientTx(ctx context.Context, env string) *gorm.DB {
	ec, err := etlctx.Current(ctx)
	if err != nil || ec.Tx == nil || ec.Environment != env {
		return nil
	}
	return ec.Tx.WithContext(ctx)
}
