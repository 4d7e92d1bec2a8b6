// Command sketch drives the JSON schema inference and mapping pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sketch/internal/cli"
	"sketch/internal/mapping"
	"sketch/internal/pipeline"
	"sketch/internal/refine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error categories to the documented codes: 2 for invalid
// arguments or configuration, 3 for an unreachable external dependency,
// 1 for everything else.
func exitCode(err error) int {
	var (
		usage      *cli.UsageError
		validation *mapping.ValidationError
		invalid    *pipeline.InvalidConfigError
	)
	switch {
	case errors.As(err, &usage), errors.As(err, &validation), errors.As(err, &invalid):
		return 2
	case errors.Is(err, refine.ErrUnavailable):
		return 3
	default:
		return 1
	}
}
