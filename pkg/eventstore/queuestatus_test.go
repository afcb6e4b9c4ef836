package eventstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/internal/testdb"
)

func TestQueueStatusView(t *testing.T) {
	s, m, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, ":INITIAL", nil)

	gdb, err := m.Get(ctx, testdb.Env)
	require.NoError(t, err)
	require.NoError(t, gdb.Create(&core.Job{
		ID:           "job-1",
		Queue:        "host__census",
		EtlContextID: &id,
		WorkerRef:    "census:load",
		Status:       core.StatusPending,
	}).Error)
	require.NoError(t, gdb.Create(&core.Job{
		ID:        "job-2",
		Queue:     "host__other",
		WorkerRef: "other:load",
		Status:    core.StatusPending,
	}).Error)

	rows, err := s.QueueStatus(ctx, "host__census")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "job-1", rows[0].JobID)
	assert.Equal(t, core.StatusPending, rows[0].JobStatus)
	require.NotNil(t, rows[0].EtlStatus)
	assert.Equal(t, "OPEN", *rows[0].EtlStatus)

	all, err := s.QueueStatus(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
