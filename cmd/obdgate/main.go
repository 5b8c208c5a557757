// Package main provides the obdgate CLI process entrypoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbright/obdgate/internal/app"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run ties SIGINT, SIGTERM, and SIGHUP to a gateway stop. The stop hook runs
// before the process exits.
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	return app.Execute(ctx, args, os.Stdout, os.Stderr)
}
