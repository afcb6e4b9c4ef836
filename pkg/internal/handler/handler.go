// Package handler provides reflection-based worker entry point execution.
package handler

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/jdziat/durable-etl/pkg/core"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	eventType   = reflect.TypeOf((*core.Event)(nil))
)

// Handler holds metadata about a registered worker entry point.
type Handler struct {
	Fn           reflect.Value
	ArgsType     reflect.Type
	HasContext   bool
	ReturnsEvent bool
}

// NewHandler creates a Handler from a function.
// Accepted signatures, with T any JSON-decodable type or *core.Event:
//
//	func(ctx context.Context, args T) (*core.Event, error)
//	func(ctx context.Context, args T) error
//	func(args T) (*core.Event, error)
//	func(args T) error
//
// When T is *core.Event the :INITIAL event is passed as is; otherwise its
// payload is decoded into T.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if !fnVal.IsValid() || (fnVal.Kind() == reflect.Func && fnVal.IsNil()) {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function")
	}

	handler := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		handler.HasContext = true
		argIdx = 1
	}
	if argIdx >= numIn {
		return nil, fmt.Errorf("handler must accept the initial event or its payload")
	}
	if numIn == 2 && !handler.HasContext {
		return nil, fmt.Errorf("handler's first argument must be context.Context")
	}
	handler.ArgsType = fnType.In(argIdx)

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if fnType.Out(0) != eventType || !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (*core.Event, error)")
		}
		handler.ReturnsEvent = true
	default:
		return nil, fmt.Errorf("handler must return error or (*core.Event, error)")
	}

	return handler, nil
}

// Execute invokes the handler with the :INITIAL event. A panic in the
// handler is returned as an error. The returned event is nil for handlers
// that only return error.
func (h *Handler) Execute(ctx context.Context, initial *core.Event) (ev *core.Event, err error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, fmt.Errorf("handler function is nil or invalid")
	}
	if initial == nil {
		return nil, fmt.Errorf("initial event is nil")
	}

	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	arg, err := h.decodeArg(initial)
	if err != nil {
		return nil, err
	}
	args = append(args, arg)

	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()

	results := h.Fn.Call(args)

	errVal := results[len(results)-1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if h.ReturnsEvent && !results[0].IsNil() {
		return results[0].Interface().(*core.Event), nil
	}
	return nil, nil
}

func (h *Handler) decodeArg(initial *core.Event) (reflect.Value, error) {
	if h.ArgsType == eventType {
		return reflect.ValueOf(initial), nil
	}
	argVal := reflect.New(h.ArgsType)
	if err := initial.DecodePayload(argVal.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("failed to unmarshal initial payload: %w", err)
	}
	return argVal.Elem(), nil
}
