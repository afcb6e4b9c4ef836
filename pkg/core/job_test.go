package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus_Values(t *testing.T) {
	assert.Equal(t, JobStatus("pending"), StatusPending)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
}

func TestJob_Scheduled(t *testing.T) {
	job := &Job{ID: "one-shot"}
	assert.False(t, job.Scheduled())

	sid := "sched-1"
	job.ScheduleID = &sid
	assert.True(t, job.Scheduled())
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "etl_jobs", Job{}.TableName())
	assert.Equal(t, "etl_schedules", Schedule{}.TableName())
	assert.Equal(t, "etl_contexts", EtlContext{}.TableName())
	assert.Equal(t, "event_store", Event{}.TableName())
	assert.Equal(t, "etl_sources", Source{}.TableName())
}

func TestExitCode_String(t *testing.T) {
	tests := []struct {
		code ExitCode
		want string
	}{
		{ExitDone, "DONE"},
		{ExitFatal, "FATAL"},
		{ExitCouldNotAcquireInitialEventLock, "COULD_NOT_ACQUIRE_INITIAL_EVENT_LOCK"},
		{ExitWorkerThrewError, "WORKER_THREW_ERROR"},
		{ExitWorkerDidNotReturnFinalEvent, "WORKER_DID_NOT_RETURN_FINAL_EVENT"},
		{ExitCode(9), "EXIT_9"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.String())
		})
	}
}
