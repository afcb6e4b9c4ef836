package core

import (
	"context"
	"time"
)

// Starter is the interface for starting workers.
type Starter interface {
	Start(ctx context.Context) error
}

// Storage defines the durable queue backend.
type Storage interface {
	// Job lifecycle
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queues []string, workerID string) (*Job, error)
	Complete(ctx context.Context, jobID string, workerID string) error
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error

	// AttachContext records the ETL context created for a scheduled job on delivery.
	AttachContext(ctx context.Context, jobID string, etlContextID int64) error

	// Locking
	Heartbeat(ctx context.Context, jobID string, workerID string) error
	ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error)

	// Scheduling
	UpsertSchedule(ctx context.Context, s *Schedule) error
	DeleteSchedule(ctx context.Context, queue string) error
	GetSchedules(ctx context.Context, queues []string) ([]*Schedule, error)
	// FireDueSchedules claims schedules due at now, advances them with next
	// and inserts one job per claimed schedule. Returns the inserted jobs.
	FireDueSchedules(ctx context.Context, queues []string, now time.Time, next func(*Schedule) (time.Time, error)) ([]*Job, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	CountByQueue(ctx context.Context) (map[string]map[JobStatus]int64, error)
}
