// Package etlctx provides public access to the ambient execution context of a
// running task: database environment, ETL context id and active transaction.
package etlctx

import (
	"context"
	"fmt"

	"github.com/jdziat/durable-etl/pkg/core"
	intctx "github.com/jdziat/durable-etl/pkg/internal/context"
	"gorm.io/gorm"
)

// ExecutionContext is the ambient record bound by Run.
type ExecutionContext = intctx.ExecutionContext

// Run executes fn with ec bound as the ambient execution context for the
// dynamic extent of fn. fn receives its own copy; nothing fn does can alter
// the binding seen through ctx.
func Run(ctx context.Context, ec ExecutionContext, fn func(ctx context.Context) error) error {
	return fn(intctx.WithExecutionContext(ctx, ec))
}

// With returns a context carrying ec. Prefer Run when the binding has a
// natural scope.
func With(ctx context.Context, ec ExecutionContext) context.Context {
	return intctx.WithExecutionContext(ctx, ec)
}

// Current returns a copy of the ambient execution context, or ErrNoContext.
func Current(ctx context.Context) (ExecutionContext, error) {
	ec := intctx.GetExecutionContext(ctx)
	if ec == nil {
		return ExecutionContext{}, core.ErrNoContext
	}
	return *ec, nil
}

// Child derives the execution context for a sub-process of the current one:
// the current context id becomes the parent, and no transaction is inherited.
func Child(ctx context.Context, etlContextID int64) (ExecutionContext, error) {
	parent, err := Current(ctx)
	if err != nil {
		return ExecutionContext{}, err
	}
	return ExecutionContext{
		Environment:     parent.Environment,
		EtlContextID:    etlContextID,
		ParentContextID: parent.EtlContextID,
	}, nil
}

// RequireDatabaseEnvironment returns the bound database environment.
// There is no default: a missing environment is always an error.
func RequireDatabaseEnvironment(ctx context.Context) (string, error) {
	ec, err := Current(ctx)
	if err != nil {
		return "", err
	}
	if ec.Environment == "" {
		return "", fmt.Errorf("%w: database environment", core.ErrMissingRequiredField)
	}
	return ec.Environment, nil
}

// RequireContextID returns the bound ETL context id.
func RequireContextID(ctx context.Context) (int64, error) {
	ec, err := Current(ctx)
	if err != nil {
		return 0, err
	}
	if ec.EtlContextID == 0 {
		return 0, fmt.Errorf("%w: etl_context_id", core.ErrMissingRequiredField)
	}
	return ec.EtlContextID, nil
}

// Tx returns the active transaction, or nil.
func Tx(ctx context.Context) *gorm.DB {
	if ec := intctx.GetExecutionContext(ctx); ec != nil {
		return ec.Tx
	}
	return nil
}

// InTransaction reports whether a transaction is bound.
func InTransaction(ctx context.Context) bool {
	return Tx(ctx) != nil
}
