// Package main provides the tidepool command line interface for a local
// feed database: publishing, fetching, tailing, and verifying messages.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	tidepoolcmd "github.com/louisbranch/tidepool/internal/cmd/tidepool"
	"github.com/louisbranch/tidepool/internal/platform/config"
)

func main() {
	cfg, args, err := tidepoolcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tidepoolcmd.Run(ctx, cfg, args, os.Stdout, os.Stderr); err != nil {
		config.Exitf("Error: %v", err)
	}
}
