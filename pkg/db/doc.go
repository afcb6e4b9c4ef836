// Package db is the transactional database access layer.
//
// A Manager owns one pooled *gorm.DB per database environment. The first Get
// for an environment opens the pool and bootstraps the schema; concurrent
// callers share that single in-flight initialization.
//
// Transactions cooperate with the ambient execution context (pkg/etlctx):
// RunInTransaction binds its transaction into the context it hands to fn, and
// every helper in this package (GetConnection, Atomic, Query, StreamRows)
// reuses that transaction when called inside it. Nesting RunInTransaction is
// rejected with core.ErrNestedTransactionNotSupported.
package db
