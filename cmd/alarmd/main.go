// Command alarmd is the alarm scheduler and its command-line client.
//
// Usage:
//
//	alarmd serve [--config path/to/config.yaml]
//	alarmd submit 5 7 "tea is ready"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snehjoshi/epochalarm/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "alarmd: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
