package core

import "fmt"

// ExitCode is the status a spawned task process reports to its queue worker.
type ExitCode int

const (
	ExitDone                            ExitCode = 0
	ExitFatal                           ExitCode = 1
	ExitCouldNotAcquireInitialEventLock ExitCode = 3
	ExitWorkerThrewError                ExitCode = 4
	ExitWorkerDidNotReturnFinalEvent    ExitCode = 5
)

func (c ExitCode) String() string {
	switch c {
	case ExitDone:
		return "DONE"
	case ExitFatal:
		return "FATAL"
	case ExitCouldNotAcquireInitialEventLock:
		return "COULD_NOT_ACQUIRE_INITIAL_EVENT_LOCK"
	case ExitWorkerThrewError:
		return "WORKER_THREW_ERROR"
	case ExitWorkerDidNotReturnFinalEvent:
		return "WORKER_DID_NOT_RETURN_FINAL_EVENT"
	default:
		return fmt.Sprintf("EXIT_%d", int(c))
	}
}
