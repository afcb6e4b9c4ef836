package core

import "time"

// EtlStatus is the computed lifecycle state of an ETL context.
type EtlStatus string

const (
	EtlStatusOpen  EtlStatus = "OPEN"
	EtlStatusDone  EtlStatus = "DONE"
	EtlStatusError EtlStatus = "ERROR"
)

// NextEtlStatus returns the status a context moves to after ev is appended.
// Any event after an ERROR re-opens the context; FINAL closes it for good.
func NextEtlStatus(ev *Event) EtlStatus {
	switch {
	case ev.Kind() == KindFinal:
		return EtlStatusDone
	case ev.Kind() == KindError || ev.Error:
		return EtlStatusError
	default:
		return EtlStatusOpen
	}
}

// EtlContext is one logical ETL process.
type EtlContext struct {
	EtlContextID    int64     `gorm:"column:etl_context_id;primaryKey;autoIncrement" json:"etl_context_id"`
	ParentContextID *int64    `gorm:"column:parent_context_id;index" json:"parent_context_id,omitempty"`
	SourceID        *int64    `gorm:"column:source_id;index" json:"source_id,omitempty"`
	InitialEventID  *int64    `gorm:"column:initial_event_id" json:"initial_event_id,omitempty"`
	LatestEventID   *int64    `gorm:"column:latest_event_id" json:"latest_event_id,omitempty"`
	EtlTaskID       *string   `gorm:"column:etl_task_id;size:36;index" json:"etl_task_id,omitempty"`
	EtlStatus       EtlStatus `gorm:"column:etl_status;size:16;index;not null;default:'OPEN'" json:"etl_status"`
	CreatedAt       time.Time `gorm:"column:_created_timestamp;autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"_created_timestamp"`
	UpdatedAt       time.Time `gorm:"column:_modified_timestamp;autoUpdateTime;not null;default:CURRENT_TIMESTAMP" json:"_modified_timestamp"`
}

// TableName implements gorm's tabler.
func (EtlContext) TableName() string { return "etl_contexts" }

// Source classifies the data source an ETL context loads.
type Source struct {
	SourceID  int64     `gorm:"column:source_id;primaryKey;autoIncrement" json:"source_id"`
	Name      string    `gorm:"column:name;size:255;not null" json:"name"`
	Type      string    `gorm:"column:type;size:255;index;not null" json:"type"`
	CreatedAt time.Time `gorm:"column:_created_timestamp;autoCreateTime;not null;default:CURRENT_TIMESTAMP" json:"_created_timestamp"`
}

// TableName implements gorm's tabler.
func (Source) TableName() string { return "etl_sources" }

// QueueStatus is one row of the etl_queue_status view.
type QueueStatus struct {
	JobID        string    `gorm:"column:job_id" json:"job_id"`
	Queue        string    `gorm:"column:queue" json:"queue"`
	JobStatus    JobStatus `gorm:"column:job_status" json:"job_status"`
	Attempt      int       `gorm:"column:attempt" json:"attempt"`
	EtlContextID *int64    `gorm:"column:etl_context_id" json:"etl_context_id,omitempty"`
	EtlStatus    *string   `gorm:"column:etl_status" json:"etl_status,omitempty"`
	WorkerRef    string    `gorm:"column:worker_ref" json:"worker_ref"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}
