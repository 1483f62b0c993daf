// Package main runs the fleetsync client: the durable submission queue, the
// background sync pipeline and the local API the capture UI talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/clock"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/config"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "fleetsync: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	fs := pflag.NewFlagSet("fleetsync", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	demo := fs.Bool("demo-remote", false, "deliver to an in-memory intervention server instead of --remote")
	version := fs.BoolP("version", "v", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *version {
		fmt.Printf("fleetsync %s\n", Version)
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, clock.Real(), *demo)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.shutdown()
		return err
	}

	<-ctx.Done()
	logging.Info("Shutdown requested", nil)
	a.shutdown()
	return nil
}
