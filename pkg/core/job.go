package core

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the current state of a queued job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is a durable delivery of one ETL task to a worker pool.
// One-shot jobs carry EtlContextID; scheduled jobs carry the INITIAL event
// template instead and get their context when first delivered.
type Job struct {
	ID              string         `gorm:"primaryKey;size:36"`
	Queue           string         `gorm:"index;size:255;not null"`
	EtlContextID    *int64         `gorm:"index"`
	ScheduleID      *string        `gorm:"index;size:36"`
	WorkerRef       string         `gorm:"size:1024;not null"`
	InitialEvent    datatypes.JSON // scheduled jobs only
	SourceID        *int64
	Priority        int           `gorm:"index;default:0"`
	Status          JobStatus     `gorm:"index;size:20;default:'pending'"`
	Attempt         int           `gorm:"default:0"`
	MaxRetries      int           `gorm:"not null"`
	Timeout         time.Duration // 0 means no limit
	LastError       string        `gorm:"type:text"`
	RunAt           *time.Time    `gorm:"index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time  `gorm:"autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime"`
	LockedBy        string     `gorm:"size:255"`
	LockedUntil     *time.Time `gorm:"index"`
	LastHeartbeatAt *time.Time
}

// TableName implements gorm's tabler.
func (Job) TableName() string { return "etl_jobs" }

// Scheduled reports whether the job was produced by a cron schedule.
func (j *Job) Scheduled() bool {
	return j.ScheduleID != nil
}

// Schedule is a recurring task submission. The context cannot exist before a
// recurrence fires, so the INITIAL event template and source id live here.
type Schedule struct {
	ID           string         `gorm:"primaryKey;size:36"`
	Queue        string         `gorm:"uniqueIndex;size:255;not null"`
	Cron         string         `gorm:"size:255;not null"`
	WorkerRef    string         `gorm:"size:1024;not null"`
	InitialEvent datatypes.JSON `gorm:"not null"`
	SourceID     *int64
	Priority     int `gorm:"default:0"`
	MaxRetries   int `gorm:"not null"`
	Timeout      time.Duration
	NextRunAt    time.Time `gorm:"index"`
	LastRunAt    *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName implements gorm's tabler.
func (Schedule) TableName() string { return "etl_schedules" }
