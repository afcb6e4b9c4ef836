package hostid_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/hostid"
)

func TestLoad_GeneratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", hostid.FileName)

	id, generated, err := hostid.Load(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEmpty(t, id)

	again, generated, err := hostid.Load(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, id, again)
}

func TestLoad_ConcurrentCallersAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), hostid.FileName)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := hostid.Load(context.Background(), path)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestRead_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), hostid.FileName)
	require.NoError(t, os.WriteFile(path, []byte("not a host id!\n"), 0o600))

	_, err := hostid.Read(path)
	assert.ErrorIs(t, err, core.ErrInvalidHostID)

	_, _, err = hostid.Load(context.Background(), path)
	assert.ErrorIs(t, err, core.ErrInvalidHostID)
}

func TestRead_TrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), hostid.FileName)
	require.NoError(t, os.WriteFile(path, []byte("  dev-laptop-01\n"), 0o600))

	id, err := hostid.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-laptop-01", id)
}

func TestResolve(t *testing.T) {
	got, err := hostid.Resolve("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)
}
