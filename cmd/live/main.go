// Package main starts the live synchronization service and handles termination.
//
// The process hosts the template registry, the change broadcaster, and the
// snapshot read surface for the marketing site; page rendering stays owned by
// the web tier.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	livecmd "github.com/meridianweb/meridian.site/internal/cmd/live"
	"github.com/meridianweb/meridian.site/internal/platform/config"
)

func main() {
	cfg, err := livecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[LIVE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := livecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
