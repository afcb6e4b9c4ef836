// Package storage provides the durable job backend used by the task queue.
//
// GormStorage keeps jobs and cron schedules in the etl_jobs and
// etl_schedules tables of one database environment. Writes made while an
// ambient transaction is bound for that environment join the transaction,
// so a job row commits or rolls back together with the ETL context and
// :INITIAL event it belongs to.
//
// The Storage interface is defined in pkg/core.
package storage
