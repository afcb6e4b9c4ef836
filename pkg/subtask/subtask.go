package subtask

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/queue"
	"github.com/jdziat/durable-etl/pkg/security"
)

// Marker event types written to the parent's log.
const (
	MarkerQueued = ":SUBTASK_QUEUED"
	MarkerDone   = ":SUBTASK_DONE"
)

// FailureCheckInterval is how often a waiting parent checks whether the
// child's job has failed for good.
var FailureCheckInterval = time.Second

// Queue submits child tasks.
type Queue interface {
	QueueTask(ctx context.Context, d core.TaskDescriptor, opts ...queue.Option) (queue.TaskHandle, error)
	Storage() core.Storage
}

// Run submits d as a child of the ambient ETL context under key, waits for
// the child's :FINAL event and decodes its payload into T. Calling Run again
// with the same key from a retried parent does not submit a second child.
func Run[T any](ctx context.Context, q Queue, store *eventstore.Store, key string, d core.TaskDescriptor, opts ...queue.Option) (T, error) {
	var zero T
	final, err := Await(ctx, q, store, key, d, opts...)
	if err != nil {
		return zero, err
	}
	var out T
	if len(final.Payload) == 0 {
		return out, nil
	}
	if err := final.DecodePayload(&out); err != nil {
		return zero, fmt.Errorf("decode subtask %q result: %w", key, err)
	}
	return out, nil
}

// Await is Run without decoding: it returns the child's :FINAL event.
//
// The child only becomes visible to workers once its submission commits, so
// Await and Run fail with ErrAwaitInTransaction inside a transaction. Use
// Submit there and wait after the commit.
func Await(ctx context.Context, q Queue, store *eventstore.Store, key string, d core.TaskDescriptor, opts ...queue.Option) (*core.Event, error) {
	if etlctx.InTransaction(ctx) {
		return nil, fmt.Errorf("%w: subtask %q", core.ErrAwaitInTransaction, key)
	}
	childID, err := Submit(ctx, q, store, key, d, opts...)
	if err != nil {
		return nil, err
	}

	final, err := waitFinal(ctx, q, store, childID)
	if err != nil {
		return nil, fmt.Errorf("subtask %q (context %d): %w", key, childID, err)
	}

	parent, err := etlctx.RequireContextID(ctx)
	if err != nil {
		return nil, err
	}
	if _, found, err := findMarker(ctx, store, parent, key, MarkerDone); err != nil {
		return nil, err
	} else if !found {
		if err := dispatchMarker(ctx, store, parent, MarkerDone, key, childID); err != nil {
			return nil, err
		}
	}
	return final, nil
}

// Submit returns the context id of the child registered under key,
// submitting it first when the parent's log has no marker for key yet.
func Submit(ctx context.Context, q Queue, store *eventstore.Store, key string, d core.TaskDescriptor, opts ...queue.Option) (int64, error) {
	if err := security.ValidateSubtaskKey(key); err != nil {
		return 0, fmt.Errorf("%w: %q", err, key)
	}
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return 0, err
	}
	parent, err := etlctx.RequireContextID(ctx)
	if err != nil {
		return 0, err
	}

	if id, found, err := findMarker(ctx, store, parent, key, MarkerQueued); err != nil {
		return 0, err
	} else if found {
		return id, nil
	}

	d.ParentContextID = &parent
	var childID int64
	submit := func(ctx context.Context) error {
		h, err := q.QueueTask(ctx, d, opts...)
		if err != nil {
			return err
		}
		childID = h.EtlContextID
		return dispatchMarker(ctx, store, parent, MarkerQueued, key, childID)
	}

	if etlctx.InTransaction(ctx) {
		err = submit(ctx)
	} else {
		err = store.DB().RunInTransaction(ctx, env, submit)
	}
	if err != nil {
		return 0, fmt.Errorf("submit subtask %q: %w", key, err)
	}
	return childID, nil
}

// waitFinal waits for the child's committed :FINAL. It gives up when the
// child's job has failed with no retries left.
func waitFinal(ctx context.Context, q Queue, store *eventstore.Store, childID int64) (*core.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	got := make(chan *core.Event, 1)
	err := store.RegisterFinalEventListener(ctx, childID, func(ev *core.Event) {
		got <- ev
	})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(FailureCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-got:
			return ev, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := jobFailed(ctx, q, store, childID); err != nil {
				return nil, err
			}
		}
	}
}

func jobFailed(ctx context.Context, q Queue, store *eventstore.Store, childID int64) error {
	c, err := store.GetEtlContext(ctx, childID)
	if err != nil || c.EtlTaskID == nil {
		return err
	}
	job, err := q.Storage().GetJob(ctx, *c.EtlTaskID)
	if err != nil || job == nil {
		return err
	}
	if job.Status == core.StatusFailed {
		return fmt.Errorf("%w: %s", core.ErrSubtaskFailed, job.LastError)
	}
	return nil
}

// findMarker scans the parent's log for a marker of markerType under key.
func findMarker(ctx context.Context, store *eventstore.Store, parent int64, key, markerType string) (int64, bool, error) {
	events, err := store.GetAllEtlContextEvents(ctx, parent)
	if err != nil {
		return 0, false, err
	}
	for i := range events {
		if events[i].Type != markerType {
			continue
		}
		meta, err := events[i].DecodeMeta()
		if err != nil {
			return 0, false, err
		}
		if meta.SubtaskKey == key {
			return meta.SubtaskContextID, true, nil
		}
	}
	return 0, false, nil
}

func dispatchMarker(ctx context.Context, store *eventstore.Store, parent int64, markerType, key string, childID int64) error {
	meta, err := core.MergeMeta(nil, core.EventMeta{SubtaskKey: key, SubtaskContextID: childID})
	if err != nil {
		return err
	}
	_, err = store.Dispatch(ctx, &core.Event{EtlContextID: parent, Type: markerType, Meta: meta})
	return err
}
