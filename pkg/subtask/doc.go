// Package subtask lets a running task submit child tasks and wait for them
// without submitting twice when the parent itself is retried.
//
// Run records a :SUBTASK_QUEUED marker in the parent's own event log in the
// same transaction that submits the child. A retried parent finds the marker
// and waits on the existing child instead of submitting a new one. When the
// child's :FINAL commits, a :SUBTASK_DONE marker is appended to the parent.
//
// RunAll runs several subtasks concurrently with a fan-out strategy.
package subtask
