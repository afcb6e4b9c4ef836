// Package worker polls ETL queues and runs each delivery in its own task
// process.
//
// This package includes:
//   - Worker: dequeues jobs and spawns task processes
//   - Spawner and Reconciler: how a delivery is run and how duplicates settle
//   - WorkerOption: per-queue concurrency, sweeps and retry policy
//   - The schedule loop for recurring tasks
//
// Most users should import the root package github.com/jdziat/durable-etl
// which creates workers through Engine.NewWorker.
package worker
