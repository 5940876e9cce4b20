// Command meshd runs one mesh routing node: it loads a YAML config
// (overridable by flags), opens a radio link, and starts the engine.
//
// Modeled on the teacher's samoyed-appserver/kissutil command-line front
// ends: pflag overrides layered on top of a config file, a plain
// `os.Exit`-on-fatal-error startup sequence.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/loramesh/meshd/engine"
	"github.com/loramesh/meshd/internal/config"
	"github.com/loramesh/meshd/internal/radio/memlink"
)

func main() {
	flags := config.RegisterFlags()
	pflag.Parse()

	cfg, err := config.Load(flags.ConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg = flags.Apply(cfg)

	if cfg.LocalAddress == 0 {
		fmt.Fprintln(os.Stderr, "meshd: --address (or config local_address) is required and must be non-zero")
		os.Exit(1)
	}

	// A real deployment wires internal/radio/gpiolink here instead; the
	// in-memory medium keeps this entrypoint runnable without hardware
	// for local smoke-testing, matching the engine's own test harness.
	medium := memlink.NewMedium(10, 10)
	link := memlink.New(medium)
	defer link.Close()

	e := engine.New(cfg, link, nil, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e.Start(ctx)
	<-ctx.Done()
	e.Stop()
}
