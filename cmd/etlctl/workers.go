package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/registry"
)

type echoInput struct {
	Message string `json:"message"`
}

type sleepInput struct {
	Seconds int  `json:"seconds"`
	Fail    bool `json:"fail"`
}

func registerWorkers(reg *registry.Registry) {
	reg.MustRegister("etlctl:echo", echo)
	reg.MustRegister("etlctl:sleep", sleep)
}

// echo returns its input as the :FINAL payload.
func echo(ctx context.Context, in echoInput) (*core.Event, error) {
	return core.NewEvent("etlctl:echo:FINAL", in)
}

// sleep waits, then succeeds or fails as asked. Useful for trying out
// timeouts, retries and duplicate deliveries.
func sleep(ctx context.Context, in sleepInput) (*core.Event, error) {
	select {
	case <-time.After(time.Duration(in.Seconds) * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if in.Fail {
		return nil, fmt.Errorf("asked to fail after %ds", in.Seconds)
	}
	return core.NewEvent("etlctl:sleep:FINAL", nil)
}
