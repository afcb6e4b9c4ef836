// Package cli builds the etlctl command tree.
//
// The same binary acts as queue worker and as task process: the worker
// re-executes it with the run-task subcommand for every delivery.
package cli
