package core

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors
var (
	ErrInvalidTaskDescriptor         = errors.New("etl: invalid task descriptor")
	ErrInvalidFirstEvent             = errors.New("etl: first event of an ETL context must be :INITIAL")
	ErrDuplicateInitialEvent         = errors.New("etl: ETL context already has an :INITIAL event")
	ErrContextAlreadyFinalized       = errors.New("etl: ETL context already has a :FINAL event")
	ErrNestedTransactionNotSupported = errors.New("etl: nested transactions are not supported")
	ErrMissingRequiredField          = errors.New("etl: execution context is missing a required field")
	ErrNoContext                     = errors.New("etl: no execution context bound")
	ErrInvalidQueueName              = errors.New("etl: invalid queue name")
	ErrQueueNameTooLong              = errors.New("etl: queue name too long")
	ErrInvalidWorkerRef              = errors.New("etl: invalid worker reference")
	ErrIncompatibleQueueOptions      = errors.New("etl: queue already registered with different options")
	ErrQueueNotRegistered            = errors.New("etl: queue not registered")
	ErrPayloadTooLarge               = errors.New("etl: event payload exceeds size limit")
	ErrInvalidEventType              = errors.New("etl: invalid event type")
	ErrInvalidHostID                 = errors.New("etl: invalid host id")
	ErrInvalidSubtaskKey             = errors.New("etl: invalid subtask key")
)

// Lookup errors
var (
	ErrEtlContextNotFound = errors.New("etl: ETL context not found")
	ErrNoInitialEvent     = errors.New("etl: ETL context has no :INITIAL event")
	ErrNoFinalEvent       = errors.New("etl: ETL context has no terminal event")
	ErrUnknownEnvironment = errors.New("etl: unknown database environment")
	ErrWorkerNotFound     = errors.New("etl: no worker registered for reference")
	ErrJobNotOwned        = errors.New("etl: job not owned by this worker")
)

// Execution errors
var (
	ErrDuplicateDeliveryFailed = errors.New("etl: original execution did not reach DONE")
	ErrWorkerNoFinalEvent      = errors.New("etl: worker did not return a :FINAL event")
	ErrSubtaskFailed           = errors.New("etl: subtask failed permanently")
	ErrAwaitInTransaction      = errors.New("etl: cannot await a subtask inside a transaction")
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// ExitError reports a spawned task process that ended with a non-DONE exit code.
type ExitError struct {
	EtlContextID int64
	Code         ExitCode
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("etl: task for context %d exited with %s", e.EtlContextID, e.Code)
}
