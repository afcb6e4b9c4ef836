// Package eventstore is the append-only event log of ETL contexts.
//
// Every operation resolves its database environment from the ambient
// execution context (pkg/etlctx) and, inside db.Manager.RunInTransaction,
// joins the ambient transaction. Dispatch enforces the lifecycle:
//
//   - the first event of a context must be :INITIAL
//   - a context has at most one :INITIAL
//   - nothing may follow a :FINAL
//
// The context row is locked for the duration of the check and insert, so
// concurrent dispatchers to one context are serialized.
//
// Final-event listeners fire only for committed events. PostgreSQL uses a
// trigger plus LISTEN/NOTIFY; other dialects poll.
package eventstore
