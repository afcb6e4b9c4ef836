package db

import (
	"fmt"
	"time"

	"github.com/jdziat/durable-etl/pkg/config"
	"gorm.io/gorm"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections to the database.
	// Default: 25
	MaxOpenConns int

	// MaxIdleConns is the maximum number of connections in the idle pool.
	// Default: 10
	MaxIdleConns int

	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	// Default: 5 minutes
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is the maximum amount of time a connection may be idle.
	// Default: 1 minute
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns the pool settings used when nothing is configured.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// HighConcurrencyPoolConfig suits hosts running many queue workers.
// Every task process holds one connection open for its whole life, so size
// this to the sum of worker concurrency across the host.
func HighConcurrencyPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    100,
		MaxIdleConns:    25,
		ConnMaxLifetime: 10 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
	}
}

// ResourceConstrainedPoolConfig suits task processes and small databases.
func ResourceConstrainedPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 3 * time.Minute,
		ConnMaxIdleTime: 30 * time.Second,
	}
}

// PresetPoolConfig resolves a preset name from configuration.
func PresetPoolConfig(name string) (PoolConfig, error) {
	switch name {
	case "", "default":
		return DefaultPoolConfig(), nil
	case "high_concurrency":
		return HighConcurrencyPoolConfig(), nil
	case "resource_constrained":
		return ResourceConstrainedPoolConfig(), nil
	default:
		return PoolConfig{}, fmt.Errorf("unknown pool preset %q", name)
	}
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns sets the maximum number of open connections.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxOpenConns = n
	})
}

// MaxIdleConns sets the maximum number of idle connections.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxIdleConns = n
	})
}

// ConnMaxLifetime sets the maximum connection lifetime.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxLifetime = d
	})
}

// ConnMaxIdleTime sets the maximum idle time for connections.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxIdleTime = d
	})
}

// poolFromDatabase merges a configured environment over its preset.
func poolFromDatabase(d config.Database) (PoolConfig, error) {
	pc, err := PresetPoolConfig(d.PoolPreset)
	if err != nil {
		return pc, err
	}
	var opts []PoolOption
	if d.MaxOpenConns > 0 {
		opts = append(opts, MaxOpenConns(d.MaxOpenConns))
	}
	if d.MaxIdleConns > 0 {
		opts = append(opts, MaxIdleConns(d.MaxIdleConns))
	}
	if d.ConnMaxLifetime > 0 {
		opts = append(opts, ConnMaxLifetime(d.ConnMaxLifetime))
	}
	if d.ConnMaxIdleTime > 0 {
		opts = append(opts, ConnMaxIdleTime(d.ConnMaxIdleTime))
	}
	for _, opt := range opts {
		opt.applyPool(&pc)
	}
	return pc, nil
}

// ConfigurePool applies pool configuration to a GORM database connection.
func ConfigurePool(db *gorm.DB, base PoolConfig, opts ...PoolOption) error {
	cfg := base
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return nil
}
