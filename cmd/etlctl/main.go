// Command etlctl runs durable ETL workers and inspects their event logs.
//
// The workers registered in workers.go are examples; a real deployment builds
// its own binary around pkg/cli with its own registry.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jdziat/durable-etl/pkg/cli"
	"github.com/jdziat/durable-etl/pkg/config"
	"github.com/jdziat/durable-etl/pkg/registry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	reg := registry.New()
	registerWorkers(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, &cli.App{Registry: reg, Logger: logger}, os.Args[1:])
	stop()
	os.Exit(code)
}
