package db_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/internal/testdb"
)

func countContexts(t *testing.T, m *db.Manager) int64 {
	t.Helper()
	gdb, err := m.Get(context.Background(), testdb.Env)
	require.NoError(t, err)
	var n int64
	require.NoError(t, gdb.Model(&core.EtlContext{}).Count(&n).Error)
	return n
}

func TestManager_UnknownEnvironment(t *testing.T) {
	m := db.NewManager(&config.Config{})
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, core.ErrUnknownEnvironment)
}

func TestManager_ConcurrentGetSharesOnePool(t *testing.T) {
	m := db.NewManager(testdb.Config(t))
	t.Cleanup(func() { _ = m.Close() })

	var wg sync.WaitGroup
	pools := make([]*gorm.DB, 8)
	for i := range pools {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gdb, err := m.Get(context.Background(), testdb.Env)
			if assert.NoError(t, err) {
				pools[i] = gdb
			}
		}(i)
	}
	wg.Wait()

	first, err := pools[0].DB()
	require.NoError(t, err)
	for _, p := range pools[1:] {
		require.NotNil(t, p)
		other, err := p.DB()
		require.NoError(t, err)
		assert.Same(t, first, other)
	}
}

func TestRunInTransaction_Commit(t *testing.T) {
	m := testdb.Manager(t)
	ctx := context.Background()

	err := m.RunInTransaction(ctx, testdb.Env, func(ctx context.Context) error {
		tx, err := m.GetConnection(ctx, testdb.Env)
		require.NoError(t, err)
		return tx.Create(&core.EtlContext{EtlStatus: core.EtlStatusOpen}).Error
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), countContexts(t, m))
}

func TestRunInTransaction_ErrorRollsBack(t *testing.T) {
	m := testdb.Manager(t)
	boom := errors.New("boom")

	err := m.RunInTransaction(context.Background(), testdb.Env, func(ctx context.Context) error {
		tx, err := m.GetConnection(ctx, testdb.Env)
		require.NoError(t, err)
		require.NoError(t, tx.Create(&core.EtlContext{EtlStatus: core.EtlStatusOpen}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), countContexts(t, m))
}

func TestRunInTransaction_PanicRollsBackAndRepanics(t *testing.T) {
	m := testdb.Manager(t)

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.RunInTransaction(context.Background(), testdb.Env, func(ctx context.Context) error {
			tx, _ := m.GetConnection(ctx, testdb.Env)
			tx.Create(&core.EtlContext{EtlStatus: core.EtlStatusOpen})
			panic("kaboom")
		})
	})
	assert.Equal(t, int64(0), countContexts(t, m))
}

func TestRunInTransaction_NestedRejected(t *testing.T) {
	m := testdb.Manager(t)

	err := m.RunInTransaction(context.Background(), testdb.Env, func(ctx context.Context) error {
		return m.RunInTransaction(ctx, testdb.Env, func(context.Context) error {
			return nil
		})
	})
	assert.ErrorIs(t, err, core.ErrNestedTransactionNotSupported)
}

func TestRunInTransaction_KeepsCallerContextID(t *testing.T) {
	m := testdb.Manager(t)
	ctx := etlctx.With(context.Background(), etlctx.ExecutionContext{Environment: testdb.Env, EtlContextID: 9})

	err := m.RunInTransaction(ctx, testdb.Env, func(ctx context.Context) error {
		id, err := etlctx.RequireContextID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(9), id)
		assert.True(t, etlctx.InTransaction(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, etlctx.InTransaction(ctx))
}

func TestAtomic_ReusesAmbientTransaction(t *testing.T) {
	m := testdb.Manager(t)
	boom := errors.New("boom")

	err := m.RunInTransaction(context.Background(), testdb.Env, func(ctx context.Context) error {
		require.NoError(t, m.Atomic(ctx, testdb.Env, func(tx *gorm.DB) error {
			return tx.Create(&core.EtlContext{EtlStatus: core.EtlStatusOpen}).Error
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), countContexts(t, m), "atomic work joined the rolled back transaction")

	require.NoError(t, m.Atomic(context.Background(), testdb.Env, func(tx *gorm.DB) error {
		return tx.Create(&core.EtlContext{EtlStatus: core.EtlStatusOpen}).Error
	}))
	assert.Equal(t, int64(1), countContexts(t, m))
}

func TestQuery_BatchOnOneConnection(t *testing.T) {
	m := testdb.Manager(t)
	ctx := context.Background()

	results, err := m.Query(ctx, testdb.Env,
		db.Q("INSERT INTO etl_sources (name, type) VALUES (?, ?)", "census", "acs"),
		db.Q("SELECT name, type FROM etl_sources WHERE type = ?", "acs"),
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, results[1], 1)
	assert.Equal(t, "census", results[1][0]["name"])
}

func TestQuery_InsideTransaction(t *testing.T) {
	m := testdb.Manager(t)
	ctx := etlctx.With(context.Background(), etlctx.ExecutionContext{Environment: testdb.Env})

	var results [][]map[string]any
	err := m.RunInTransaction(ctx, testdb.Env, func(ctx context.Context) error {
		var err error
		results, err = m.Query(ctx, testdb.Env,
			db.Q("INSERT INTO etl_sources (name, type) VALUES (?, ?)", "census", "dec"),
			db.Q("SELECT name FROM etl_sources WHERE type = ?", "dec"),
		)
		return err
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Len(t, results[1], 1)
	assert.Equal(t, "census", results[1][0]["name"])

	err = m.RunInTransaction(ctx, testdb.Env, func(ctx context.Context) error {
		results, err = m.Query(ctx, testdb.Env,
			db.Q("SELECT 1"),
			db.Q("SELECT * FROM no_such_table"),
		)
		return err
	})
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestStreamRows(t *testing.T) {
	m := testdb.Manager(t)
	ctx := context.Background()

	gdb, err := m.Get(ctx, testdb.Env)
	require.NoError(t, err)
	sources := make([]core.Source, 1203)
	for i := range sources {
		sources[i] = core.Source{Name: fmt.Sprintf("s%04d", i), Type: "bulk"}
	}
	require.NoError(t, gdb.CreateInBatches(sources, 200).Error)

	t.Run("yields every row across batches", func(t *testing.T) {
		n := 0
		for row, err := range m.StreamRows(ctx, testdb.Env, "SELECT name FROM etl_sources WHERE type = ? ORDER BY source_id", []any{"bulk"}, 500) {
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("s%04d", n), row["name"])
			n++
		}
		assert.Equal(t, 1203, n)
	})

	t.Run("early break releases the stream", func(t *testing.T) {
		n := 0
		for _, err := range m.StreamRows(ctx, testdb.Env, "SELECT name FROM etl_sources", nil, 0) {
			require.NoError(t, err)
			n++
			if n == 10 {
				break
			}
		}
		assert.Equal(t, 10, n)

		// The pool is still usable afterwards.
		var count int64
		require.NoError(t, gdb.Model(&core.Source{}).Count(&count).Error)
		assert.Equal(t, int64(1203), count)
	})

	t.Run("errors are yielded", func(t *testing.T) {
		var got error
		for _, err := range m.StreamRows(ctx, testdb.Env, "SELECT * FROM no_such_table", nil, 10) {
			got = err
		}
		assert.Error(t, got)
	})
}

func TestMigrationVersion_PostgreSQL(t *testing.T) {
	testdb.SkipIfNotPostgres(t)
	m := testdb.Manager(t)

	version, dirty, err := m.MigrationVersion(context.Background(), testdb.Env)
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(3), version)
}
