package core

import "time"

// QueueEvent is the interface for all queue observer events.
type QueueEvent interface {
	queueEventMarker()
}

// TaskStarted is emitted when a worker spawns a task process.
type TaskStarted struct {
	Job       *Job
	Timestamp time.Time
}

func (*TaskStarted) queueEventMarker() {}

// TaskCompleted is emitted when a task process exits DONE.
type TaskCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*TaskCompleted) queueEventMarker() {}

// TaskFailed is emitted when a task fails permanently.
type TaskFailed struct {
	Job       *Job
	Error     error
	ExitCode  ExitCode
	Timestamp time.Time
}

func (*TaskFailed) queueEventMarker() {}

// TaskRetrying is emitted when a failed task is rescheduled.
type TaskRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	NextRunAt time.Time
	Timestamp time.Time
}

func (*TaskRetrying) queueEventMarker() {}

// DuplicateReconciled is emitted when a duplicate delivery has been settled
// against the original execution.
type DuplicateReconciled struct {
	Job       *Job
	Status    EtlStatus
	Timestamp time.Time
}

func (*DuplicateReconciled) queueEventMarker() {}

// ScheduleFired is emitted when a cron schedule produces a job.
type ScheduleFired struct {
	Schedule  *Schedule
	JobID     string
	Timestamp time.Time
}

func (*ScheduleFired) queueEventMarker() {}
