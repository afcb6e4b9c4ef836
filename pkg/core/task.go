package core

import (
	"fmt"
	"strings"
)

// TaskDescriptor is a request to run a worker as a new ETL process.
type TaskDescriptor struct {
	Queue           string
	ParentContextID *int64
	SourceID        *int64
	InitialEvent    *Event
	WorkerRef       string
}

// Validate checks the descriptor before any state is created.
// All failures wrap ErrInvalidTaskDescriptor.
func (d *TaskDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: descriptor is nil", ErrInvalidTaskDescriptor)
	}
	if err := ValidateWorkerRef(d.WorkerRef); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTaskDescriptor, err)
	}
	if d.InitialEvent == nil {
		return fmt.Errorf("%w: initial event is required", ErrInvalidTaskDescriptor)
	}
	if d.InitialEvent.Kind() != KindInitial {
		return fmt.Errorf("%w: initial event type %q is not %s-suffixed",
			ErrInvalidTaskDescriptor, d.InitialEvent.Type, SuffixInitial)
	}
	return nil
}

// ValidateWorkerRef checks that ref is an absolute worker locator:
// a non-empty, whitespace-free identifier rooted at "/" or qualified with a
// scheme-like namespace ("census:load", "github.com/org/pkg.Worker").
func ValidateWorkerRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrInvalidWorkerRef)
	}
	if strings.ContainsAny(ref, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidWorkerRef, ref)
	}
	if strings.HasPrefix(ref, ".") {
		return fmt.Errorf("%w: %q is relative", ErrInvalidWorkerRef, ref)
	}
	if !strings.HasPrefix(ref, "/") && !strings.ContainsAny(ref, ":/") {
		return fmt.Errorf("%w: %q is not qualified", ErrInvalidWorkerRef, ref)
	}
	return nil
}
