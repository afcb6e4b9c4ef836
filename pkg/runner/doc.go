// Package runner executes a single task delivery inside a spawned process.
//
// A queue worker forks the process with DATABASE_ENVIRONMENT, ETL_CONTEXT_ID
// and HOST_ID set. Main reads them, Run locks the context's :INITIAL event row
// with FOR UPDATE SKIP LOCKED, invokes the registered worker under the
// execution context and records the outcome as a :FINAL or :ERROR event.
// The process exit status tells the queue worker what happened:
//
//	0  DONE
//	1  FATAL (bad environment, database unreachable)
//	3  COULD_NOT_ACQUIRE_INITIAL_EVENT_LOCK
//	4  WORKER_THREW_ERROR
//	5  WORKER_DID_NOT_RETURN_FINAL_EVENT
//
// Reconcile settles exit 3 by waiting for the holder of the lock to finish.
package runner
