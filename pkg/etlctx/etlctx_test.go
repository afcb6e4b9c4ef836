package etlctx

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCurrent_NoContext(t *testing.T) {
	_, err := Current(context.Background())
	assert.ErrorIs(t, err, core.ErrNoContext)

	_, err = RequireDatabaseEnvironment(context.Background())
	assert.ErrorIs(t, err, core.ErrNoContext)

	_, err = RequireContextID(context.Background())
	assert.ErrorIs(t, err, core.ErrNoContext)
}

func TestRun_BindsForExtentOfFn(t *testing.T) {
	base := context.Background()
	err := Run(base, ExecutionContext{Environment: "dev", EtlContextID: 5}, func(ctx context.Context) error {
		env, err := RequireDatabaseEnvironment(ctx)
		require.NoError(t, err)
		assert.Equal(t, "dev", env)

		id, err := RequireContextID(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), id)
		return nil
	})
	require.NoError(t, err)

	_, err = Current(base)
	assert.ErrorIs(t, err, core.ErrNoContext)
}

func TestRun_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := Run(context.Background(), ExecutionContext{Environment: "dev"}, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRequire_MissingFields(t *testing.T) {
	ctx := With(context.Background(), ExecutionContext{})

	_, err := RequireDatabaseEnvironment(ctx)
	assert.ErrorIs(t, err, core.ErrMissingRequiredField)

	_, err = RequireContextID(ctx)
	assert.ErrorIs(t, err, core.ErrMissingRequiredField)
}

func TestChild(t *testing.T) {
	parent := With(context.Background(), ExecutionContext{
		Environment:  "dev",
		EtlContextID: 10,
		Tx:           &gorm.DB{},
	})

	child, err := Child(parent, 11)
	require.NoError(t, err)
	assert.Equal(t, "dev", child.Environment)
	assert.Equal(t, int64(11), child.EtlContextID)
	assert.Equal(t, int64(10), child.ParentContextID)
	assert.Nil(t, child.Tx)

	// Parent binding is untouched.
	cur, err := Current(parent)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cur.EtlContextID)
	assert.True(t, InTransaction(parent))
}

func TestRun_ConcurrentInvocationsAreIsolated(t *testing.T) {
	base := With(context.Background(), ExecutionContext{Environment: "dev", EtlContextID: 1})

	var wg sync.WaitGroup
	for i := int64(2); i < 12; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			ec, err := Child(base, id)
			if !assert.NoError(t, err) {
				return
			}
			_ = Run(base, ec, func(ctx context.Context) error {
				got, err := RequireContextID(ctx)
				assert.NoError(t, err)
				assert.Equal(t, id, got)
				return nil
			})
		}(i)
	}
	wg.Wait()

	id, err := RequireContextID(base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestCurrent_ReturnsCopy(t *testing.T) {
	ctx := With(context.Background(), ExecutionContext{Environment: "dev", EtlContextID: 3})
	ec, err := Current(ctx)
	require.NoError(t, err)
	ec.EtlContextID = 100

	again, err := Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.EtlContextID)
}
