package subtask

import (
	"fmt"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/queue"
)

// Sub describes one child task of a fan-out.
type Sub struct {
	Key       string // stable per parent; reruns reuse the child submitted under it
	Queue     string
	WorkerRef string
	Type      string // :INITIAL event type, defaults to WorkerRef + ":INITIAL"
	Payload   any
	SourceID  *int64
	Options   []queue.Option
}

// NewSub creates a Sub.
func NewSub(key, queueName, workerRef string, payload any, opts ...queue.Option) Sub {
	return Sub{
		Key:       key,
		Queue:     queueName,
		WorkerRef: workerRef,
		Payload:   payload,
		Options:   opts,
	}
}

// Descriptor builds the task descriptor submitted for s.
func (s Sub) Descriptor() (core.TaskDescriptor, error) {
	typ := s.Type
	if typ == "" {
		typ = s.WorkerRef + core.SuffixInitial
	}
	ev, err := core.NewEvent(typ, s.Payload)
	if err != nil {
		return core.TaskDescriptor{}, fmt.Errorf("subtask %q: %w", s.Key, err)
	}
	return core.TaskDescriptor{
		Queue:        s.Queue,
		SourceID:     s.SourceID,
		InitialEvent: ev,
		WorkerRef:    s.WorkerRef,
	}, nil
}

// Result wraps one subtask's outcome with its position in the input.
type Result[T any] struct {
	Index int
	Key   string
	Value T
	Err   error
}

// Strategy decides when a fan-out as a whole has failed.
type Strategy int

const (
	// StrategyFailFast fails on the first failed subtask and stops waiting
	// for the rest.
	StrategyFailFast Strategy = iota
	// StrategyCollectAll waits for every subtask and never fails as a whole.
	StrategyCollectAll
	// StrategyThreshold fails when fewer than the threshold share succeed.
	StrategyThreshold
)

func (s Strategy) String() string {
	switch s {
	case StrategyFailFast:
		return "fail_fast"
	case StrategyCollectAll:
		return "collect_all"
	case StrategyThreshold:
		return "threshold"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Error reports a failed fan-out.
type Error struct {
	Total    int
	Failed   int
	Strategy Strategy
	Failures []Failure
}

func (e *Error) Error() string {
	return fmt.Sprintf("fan-out failed (%s): %d/%d subtasks failed", e.Strategy, e.Failed, e.Total)
}

// Unwrap exposes the individual subtask errors to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Failure is one failed subtask.
type Failure struct {
	Index int
	Key   string
	Err   error
}
