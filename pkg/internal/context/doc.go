// Package context holds the context.Context key and record used to carry the
// database environment, ETL context id and active transaction through a task.
//
// This is an internal package; handlers use pkg/etlctx instead.
package context
