// Package context provides context helpers for the etl package.
package context

import (
	"context"

	"gorm.io/gorm"
)

// ExecutionContextKey is the key for storing the execution context in context.Context.
type ExecutionContextKey struct{}

// ExecutionContext is the ambient record of one logical task invocation.
type ExecutionContext struct {
	Environment     string
	EtlContextID    int64
	ParentContextID int64
	// Tx is the active transaction, nil outside RunInTransaction.
	Tx *gorm.DB
}

// GetExecutionContext retrieves the execution context from a context.Context.
func GetExecutionContext(ctx context.Context) *ExecutionContext {
	if ec, ok := ctx.Value(ExecutionContextKey{}).(*ExecutionContext); ok {
		return ec
	}
	return nil
}

// WithExecutionContext adds a private copy of ec to a context.Context.
// Later changes to ec are not visible through the returned context.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	return context.WithValue(ctx, ExecutionContextKey{}, &ec)
}
