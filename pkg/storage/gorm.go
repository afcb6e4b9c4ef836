package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/security"
)

// DefaultLockDuration is how long a dequeued job stays locked without a
// heartbeat.
const DefaultLockDuration = 5 * time.Minute

var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

// GormStorage implements core.Storage on one database environment.
type GormStorage struct {
	dbm *db.Manager
	env string
}

// NewGormStorage creates a storage bound to env.
func NewGormStorage(dbm *db.Manager, env string) *GormStorage {
	return &GormStorage{dbm: dbm, env: env}
}

// Environment returns the database environment the storage writes to.
func (s *GormStorage) Environment() string {
	return s.env
}

// conn joins the ambient transaction when there is one.
func (s *GormStorage) conn(ctx context.Context) (*gorm.DB, error) {
	return s.dbm.GetConnection(ctx, s.env)
}

// pool never joins the ambient transaction.
func (s *GormStorage) pool(ctx context.Context) (*gorm.DB, error) {
	gdb, err := s.dbm.Get(ctx, s.env)
	if err != nil {
		return nil, err
	}
	return gdb.WithContext(ctx), nil
}

// Enqueue adds a job to the queue.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.Queue == "" {
		return core.ErrInvalidQueueName
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return conn.Create(job).Error
}

// Dequeue fetches and locks the next available job in queues.
// On PostgreSQL rows locked by a concurrent dequeue are skipped.
func (s *GormStorage) Dequeue(ctx context.Context, queues []string, workerID string) (*core.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	gdb, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}

	var job core.Job
	now := time.Now()
	lockUntil := now.Add(DefaultLockDuration)

	err = gdb.Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(skipLocked).
			Where("queue IN ?", queues).
			Where("status = ?", core.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC").
			First(&job)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		job.Status = core.StatusRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.LastHeartbeatAt = &now
		job.StartedAt = &now
		job.Attempt++

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Complete marks a job as successfully completed.
// Validates that the worker owns the job before completing.
func (s *GormStorage) Complete(ctx context.Context, jobID string, workerID string) error {
	gdb, err := s.pool(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	result := gdb.Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"completed_at": now,
			"locked_by":    "",
			"locked_until": nil,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail marks a job as failed, or pending again at retryAt when retryAt is
// set. Validates that the worker owns the job.
// Error messages are sanitized before storage.
func (s *GormStorage) Fail(ctx context.Context, jobID string, workerID string, errMsg string, retryAt *time.Time) error {
	gdb, err := s.pool(ctx)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"last_error":   security.SanitizeErrorMessage(errMsg),
		"locked_by":    "",
		"locked_until": nil,
	}
	if retryAt != nil {
		updates["status"] = core.StatusPending
		updates["run_at"] = retryAt
	} else {
		updates["status"] = core.StatusFailed
		updates["completed_at"] = time.Now()
	}

	result := gdb.Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// AttachContext records the ETL context created for a scheduled job.
func (s *GormStorage) AttachContext(ctx context.Context, jobID string, etlContextID int64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	result := conn.Model(&core.Job{}).
		Where("id = ?", jobID).
		Update("etl_context_id", etlContextID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("attach context: job %s not found", jobID)
	}
	return nil
}

// Heartbeat extends the lock on a running job.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	gdb, err := s.pool(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	result := gdb.Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"locked_until":      now.Add(DefaultLockDuration),
			"last_heartbeat_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseStaleLocks returns running jobs whose lock expired more than
// staleDuration ago to pending.
func (s *GormStorage) ReleaseStaleLocks(ctx context.Context, staleDuration time.Duration) (int64, error) {
	gdb, err := s.pool(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-staleDuration)
	result := gdb.Model(&core.Job{}).
		Where("status = ?", core.StatusRunning).
		Where("locked_until < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"locked_by":    "",
			"locked_until": nil,
		})
	return result.RowsAffected, result.Error
}

// UpsertSchedule creates the schedule for s.Queue or replaces it.
func (s *GormStorage) UpsertSchedule(ctx context.Context, sched *core.Schedule) error {
	if sched.Queue == "" {
		return core.ErrInvalidQueueName
	}
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return conn.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "queue"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"cron", "worker_ref", "initial_event", "source_id",
			"priority", "max_retries", "timeout", "next_run_at", "updated_at",
		}),
	}).Create(sched).Error
}

// DeleteSchedule removes the schedule for queue. Missing schedules are not an
// error.
func (s *GormStorage) DeleteSchedule(ctx context.Context, queue string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return conn.Where("queue = ?", queue).Delete(&core.Schedule{}).Error
}

// GetSchedules returns the schedules of queues, or every schedule when queues
// is empty.
func (s *GormStorage) GetSchedules(ctx context.Context, queues []string) ([]*core.Schedule, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := conn.Order("queue ASC")
	if len(queues) > 0 {
		q = q.Where("queue IN ?", queues)
	}
	var out []*core.Schedule
	err = q.Find(&out).Error
	return out, err
}

// FireDueSchedules claims every schedule of queues due at now, inserts one
// job for each, and advances next_run_at with next. Schedules locked by a
// concurrent scheduler are skipped on PostgreSQL.
func (s *GormStorage) FireDueSchedules(ctx context.Context, queues []string, now time.Time, next func(*core.Schedule) (time.Time, error)) ([]*core.Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	gdb, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}

	var fired []*core.Job
	err = gdb.Transaction(func(tx *gorm.DB) error {
		var due []*core.Schedule
		err := tx.Clauses(skipLocked).
			Where("queue IN ?", queues).
			Where("next_run_at <= ?", now).
			Order("next_run_at ASC").
			Find(&due).Error
		if err != nil {
			return err
		}

		for _, sched := range due {
			nextRun, err := next(sched)
			if err != nil {
				return fmt.Errorf("schedule %s: %w", sched.Queue, err)
			}

			job := &core.Job{
				ID:           uuid.New().String(),
				Queue:        sched.Queue,
				ScheduleID:   &sched.ID,
				WorkerRef:    sched.WorkerRef,
				InitialEvent: sched.InitialEvent,
				SourceID:     sched.SourceID,
				Priority:     sched.Priority,
				MaxRetries:   sched.MaxRetries,
				Timeout:      sched.Timeout,
				Status:       core.StatusPending,
			}
			if err := tx.Create(job).Error; err != nil {
				return err
			}

			err = tx.Model(&core.Schedule{}).
				Where("id = ?", sched.ID).
				Updates(map[string]any{
					"next_run_at": nextRun,
					"last_run_at": now,
				}).Error
			if err != nil {
				return err
			}
			fired = append(fired, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fired, nil
}

// GetJob retrieves a job by ID. A missing job returns nil, nil.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var job core.Job
	err = conn.First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobsByStatus retrieves jobs by status, oldest first.
func (s *GormStorage) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var jobList []*core.Job
	err = conn.Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// CountByQueue returns job counts grouped by queue and status.
func (s *GormStorage) CountByQueue(ctx context.Context) (map[string]map[core.JobStatus]int64, error) {
	gdb, err := s.pool(ctx)
	if err != nil {
		return nil, err
	}
	type row struct {
		Queue  string
		Status string
		Count  int64
	}
	var rows []row
	err = gdb.Model(&core.Job{}).
		Select("queue, status, count(*) as count").
		Group("queue, status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[core.JobStatus]int64)
	for _, r := range rows {
		byStatus, ok := out[r.Queue]
		if !ok {
			byStatus = make(map[core.JobStatus]int64)
			out[r.Queue] = byStatus
		}
		byStatus[core.JobStatus(r.Status)] += r.Count
	}
	return out, nil
}

var _ core.Storage = (*GormStorage)(nil)
