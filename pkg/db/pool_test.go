package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/durable-etl/pkg/config"
)

func TestPresetPoolConfig(t *testing.T) {
	cfg, err := PresetPoolConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPoolConfig(), cfg)

	cfg, err = PresetPoolConfig("high_concurrency")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.MaxOpenConns)

	cfg, err = PresetPoolConfig("resource_constrained")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 30*time.Second, cfg.ConnMaxIdleTime)

	_, err = PresetPoolConfig("turbo")
	assert.Error(t, err)
}

func TestPoolFromDatabase(t *testing.T) {
	cfg, err := poolFromDatabase(config.Database{
		PoolPreset:   "resource_constrained",
		MaxOpenConns: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 3*time.Minute, cfg.ConnMaxLifetime)
}

func TestConfigurePool(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = ConfigurePool(db, DefaultPoolConfig(),
		MaxOpenConns(30),
		MaxIdleConns(15),
		ConnMaxLifetime(7*time.Minute),
		ConnMaxIdleTime(90*time.Second),
	)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 30, sqlDB.Stats().MaxOpenConnections)
}
