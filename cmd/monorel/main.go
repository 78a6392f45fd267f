package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"monorel/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cli.Version = version
	result, err := cli.Run(ctx, os.Args[1:], cli.Env{})
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monorel:", err)
	}
	os.Exit(result.ExitCode)
}
