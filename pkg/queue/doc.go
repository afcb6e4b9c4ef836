// Package queue provides the task submission side of the ETL engine.
//
// A Queue is bound to one database environment and one host id. Every
// queue name it hands to the job backend is prefixed with the host id, so
// machines sharing a database never run each other's tasks.
//
// QueueTask creates the ETL context, dispatches the :INITIAL event and
// inserts the job in a single transaction. ScheduleTask stores a cron
// schedule whose :INITIAL template is materialized each time it fires.
package queue
