// Package core provides the fundamental types and interfaces for the etl package.
//
// This package contains:
//   - EtlContext, Event and Source data models with GORM annotations
//   - Job and Schedule models for the durable queue backend
//   - Storage interface defining the queue persistence contract
//   - TaskDescriptor validation and worker exit codes
//   - Observer events for queue monitoring
//   - Error types for task processing
//
// Most users should import the root package github.com/jdziat/durable-etl
// instead of this package directly.
package core
