// Package security provides validation, sanitization, and limits for the etl package.
//
// This package includes:
//   - Input validation for queue names, host ids, event types and subtask keys
//   - Payload size limits for event payload and meta documents
//   - Error message sanitization before job errors are stored
//   - Clamping functions for retries and worker concurrency
package security
