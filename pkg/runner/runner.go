package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/registry"
	"github.com/jdziat/durable-etl/pkg/security"
)

const tracerName = "github.com/jdziat/durable-etl/pkg/runner"

// DefaultReconcileInterval is how often Reconcile re-probes the :INITIAL lock.
const DefaultReconcileInterval = time.Second

// Deps are the collaborators of a task run.
type Deps struct {
	Store    *eventstore.Store
	Registry *registry.Registry
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) registry() *registry.Registry {
	if d.Registry != nil {
		return d.Registry
	}
	return registry.Default
}

var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

// initialEventOf selects the recorded :INITIAL event of a context, restricted
// to the given host.
func initialEventOf(tx *gorm.DB, etlContextID int64, hostID string) *gorm.DB {
	return tx.Model(&core.Event{}).
		Where("event_id = (SELECT initial_event_id FROM etl_contexts WHERE etl_context_id = ?)", etlContextID).
		Where(datatypes.JSONQuery("meta").Equals(hostID, "host_id"))
}

// lockInitialEvent tries to take the row lock on the :INITIAL event without
// waiting. It returns nil when another transaction holds the lock, or when
// the context has no :INITIAL event for hostID.
func lockInitialEvent(tx *gorm.DB, etlContextID int64, hostID string) (*core.Event, error) {
	var rows []core.Event
	err := initialEventOf(tx, etlContextID, hostID).
		Clauses(skipLocked).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Run executes one delivery of a task inside the current process and returns
// the exit code the process should report.
//
// The :INITIAL event row is locked FOR UPDATE SKIP LOCKED on a dedicated
// transaction for the whole run. A concurrent delivery of the same context
// finds the row locked and returns ExitCouldNotAcquireInitialEventLock
// without invoking the worker.
func Run(ctx context.Context, deps Deps, env config.TaskEnv) core.ExitCode {
	log := deps.logger().With(
		"etl_context_id", env.EtlContextID,
		"environment", env.DatabaseEnvironment,
		"host_id", env.HostID)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "runner.Run")
	span.SetAttributes(attribute.Int64("etl.context_id", env.EtlContextID))
	defer span.End()

	code, err := run(ctx, deps, env, log)
	span.SetAttributes(attribute.String("etl.exit_code", code.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return code
}

func run(ctx context.Context, deps Deps, env config.TaskEnv, log *slog.Logger) (core.ExitCode, error) {
	gdb, err := deps.Store.DB().Get(ctx, env.DatabaseEnvironment)
	if err != nil {
		log.Error("open database", "error", err)
		return core.ExitFatal, err
	}

	// The lock lives as long as this transaction. Nothing is ever written
	// through it, so it is always rolled back.
	lockTx := gdb.WithContext(ctx).Begin()
	if lockTx.Error != nil {
		log.Error("begin lock transaction", "error", lockTx.Error)
		return core.ExitFatal, lockTx.Error
	}
	defer lockTx.Rollback()

	initial, err := lockInitialEvent(lockTx, env.EtlContextID, env.HostID)
	if err != nil {
		log.Error("lock initial event", "error", err)
		return core.ExitFatal, err
	}
	if initial == nil {
		log.Info("initial event lock not acquired")
		return core.ExitCouldNotAcquireInitialEventLock, nil
	}

	ec := etlctx.ExecutionContext{
		Environment:  env.DatabaseEnvironment,
		EtlContextID: env.EtlContextID,
	}
	c, err := deps.Store.GetEtlContext(etlctx.With(ctx, ec), env.EtlContextID)
	if err != nil {
		log.Error("load etl context", "error", err)
		return core.ExitFatal, err
	}
	if c.ParentContextID != nil {
		ec.ParentContextID = *c.ParentContextID
	}
	if c.EtlStatus == core.EtlStatusDone {
		log.Info("etl context already DONE, skipping worker")
		return core.ExitDone, nil
	}

	meta, err := initial.DecodeMeta()
	if err != nil {
		log.Error("decode initial event meta", "error", err)
		return core.ExitFatal, err
	}
	log = log.With("worker_ref", meta.WorkerRef)

	var out *core.Event
	err = etlctx.Run(ctx, ec, func(ctx context.Context) error {
		var werr error
		out, werr = deps.registry().Invoke(ctx, meta.WorkerRef, initial)
		return werr
	})

	// Terminal events go through the pool, never through lockTx.
	dctx := etlctx.With(context.WithoutCancel(ctx), ec)

	if err != nil {
		log.Error("worker failed", "error", err)
		dispatchError(dctx, deps, log, core.ExitWorkerThrewError, err)
		return core.ExitWorkerThrewError, err
	}

	status, serr := deps.Store.GetEtlStatus(dctx, env.EtlContextID)
	if serr != nil {
		log.Error("read etl status", "error", serr)
		return core.ExitFatal, serr
	}

	if out == nil || out.Kind() != core.KindFinal {
		if status == core.EtlStatusDone {
			// The worker dispatched its own :FINAL.
			log.Info("worker finished")
			return core.ExitDone, nil
		}
		returned := "nothing"
		if out != nil {
			returned = fmt.Sprintf("%q", out.Type)
		}
		err := fmt.Errorf("%w: returned %s", core.ErrWorkerNoFinalEvent, returned)
		log.Error("worker did not return a final event", "returned", returned)
		dispatchError(dctx, deps, log, core.ExitWorkerDidNotReturnFinalEvent, err)
		return core.ExitWorkerDidNotReturnFinalEvent, err
	}

	if status != core.EtlStatusDone {
		final := &core.Event{
			EtlContextID: env.EtlContextID,
			Type:         out.Type,
			Payload:      out.Payload,
			Meta:         out.Meta,
		}
		if _, err := deps.Store.Dispatch(dctx, final); err != nil {
			if !errors.Is(err, core.ErrContextAlreadyFinalized) {
				log.Error("dispatch final event", "error", err)
				return core.ExitFatal, err
			}
		}
	}
	log.Info("worker finished")
	return core.ExitDone, nil
}

type errorPayload struct {
	Message  string `json:"message"`
	ExitCode string `json:"exit_code"`
}

// dispatchError records a failed run as an :ERROR event. Failure to record is
// logged; the exit code already carries the outcome.
func dispatchError(ctx context.Context, deps Deps, log *slog.Logger, code core.ExitCode, cause error) {
	ev, err := core.NewEvent(core.SuffixError, errorPayload{
		Message:  security.SanitizeErrorMessage(cause.Error()),
		ExitCode: code.String(),
	})
	if err != nil {
		log.Error("encode error event", "error", err)
		return
	}
	ev.Error = true
	if _, err := deps.Store.Dispatch(ctx, ev); err != nil {
		log.Warn("dispatch error event", "error", err)
	}
}

// Main is the entry point of a spawned task process. It reads the task
// contract from the environment, runs the task and returns the process exit
// status.
func Main(ctx context.Context, deps Deps) int {
	env, err := config.LoadTaskEnv()
	if err != nil {
		deps.logger().Error("invalid task environment", "error", err)
		return int(core.ExitFatal)
	}
	return int(Run(ctx, deps, env))
}

// Reconcile settles a duplicate delivery. It waits until the :INITIAL lock
// of the context can be taken, which means the original execution has ended,
// then reports nil when the context is DONE and ErrDuplicateDeliveryFailed
// otherwise. A context with no :INITIAL event on this host fails at once.
func Reconcile(ctx context.Context, store *eventstore.Store, env config.TaskEnv, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	gdb, err := store.DB().Get(ctx, env.DatabaseEnvironment)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquired, err := probe(ctx, gdb, env)
		if err != nil {
			return err
		}
		if acquired {
			sctx := etlctx.With(ctx, etlctx.ExecutionContext{
				Environment:  env.DatabaseEnvironment,
				EtlContextID: env.EtlContextID,
			})
			status, err := store.GetEtlStatus(sctx, env.EtlContextID)
			if err != nil {
				return err
			}
			if status == core.EtlStatusDone {
				return nil
			}
			return fmt.Errorf("%w: context %d is %s", core.ErrDuplicateDeliveryFailed, env.EtlContextID, status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// probe takes and immediately releases the :INITIAL lock.
func probe(ctx context.Context, gdb *gorm.DB, env config.TaskEnv) (bool, error) {
	tx := gdb.WithContext(ctx).Begin()
	if tx.Error != nil {
		return false, tx.Error
	}
	defer tx.Rollback()

	initial, err := lockInitialEvent(tx, env.EtlContextID, env.HostID)
	if err != nil {
		return false, err
	}
	if initial != nil {
		return true, nil
	}

	var n int64
	if err := initialEventOf(tx, env.EtlContextID, env.HostID).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("%w: %w: context %d on host %s",
			core.ErrDuplicateDeliveryFailed, core.ErrNoInitialEvent, env.EtlContextID, env.HostID)
	}
	return false, nil
}
