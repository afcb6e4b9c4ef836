package subtask

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
)

// RunAll submits every sub as a child of the ambient ETL context and waits
// for their results. Children are submitted in order, so a retried parent
// finds its earlier submissions by key. Waiting happens concurrently.
//
// Results are returned in input order. Under StrategyFailFast the first
// failure stops the wait and an *Error is returned; under StrategyThreshold
// an *Error is returned when too few subtasks succeed. StrategyCollectAll
// never returns an *Error; check each Result.Err.
func RunAll[T any](ctx context.Context, q Queue, store *eventstore.Store, subs []Sub, opts ...Option) ([]Result[T], error) {
	if len(subs) == 0 {
		return nil, nil
	}
	if etlctx.InTransaction(ctx) {
		return nil, core.ErrAwaitInTransaction
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	seen := make(map[string]struct{}, len(subs))
	for _, s := range subs {
		if _, dup := seen[s.Key]; dup {
			return nil, fmt.Errorf("duplicate subtask key %q", s.Key)
		}
		seen[s.Key] = struct{}{}
	}

	if cfg.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.totalTimeout)
		defer cancel()
	}

	descs := make([]core.TaskDescriptor, len(subs))
	for i, s := range subs {
		d, err := s.Descriptor()
		if err != nil {
			return nil, err
		}
		if _, err := Submit(ctx, q, store, s.Key, d, s.Options...); err != nil {
			return nil, err
		}
		descs[i] = d
	}

	results := make([]Result[T], len(subs))
	for i, s := range subs {
		results[i] = Result[T]{Index: i, Key: s.Key}
	}

	var g *errgroup.Group
	waitCtx := ctx
	if cfg.strategy == StrategyFailFast {
		g, waitCtx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}
	if cfg.limit > 0 {
		g.SetLimit(cfg.limit)
	}

	for i := range subs {
		g.Go(func() error {
			sctx := waitCtx
			if cfg.subtaskTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(sctx, cfg.subtaskTimeout)
				defer cancel()
			}
			v, err := Run[T](sctx, q, store, subs[i].Key, descs[i], subs[i].Options...)
			results[i].Value, results[i].Err = v, err
			if cfg.strategy == StrategyFailFast {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, evaluate(cfg, results)
}

func evaluate[T any](cfg *config, results []Result[T]) error {
	fe := &Error{Total: len(results), Strategy: cfg.strategy}
	for _, r := range results {
		if r.Err != nil {
			fe.Failed++
			fe.Failures = append(fe.Failures, Failure{Index: r.Index, Key: r.Key, Err: r.Err})
		}
	}
	switch cfg.strategy {
	case StrategyCollectAll:
		return nil
	case StrategyThreshold:
		ok := float64(fe.Total-fe.Failed) / float64(fe.Total)
		if ok >= cfg.threshold {
			return nil
		}
		return fe
	default:
		if fe.Failed == 0 {
			return nil
		}
		return fe
	}
}
