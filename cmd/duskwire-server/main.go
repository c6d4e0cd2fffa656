// Command duskwire-server runs the server-side Runtime Loop: it terminates
// QUIC connections carried over DNS-framed UDP traffic and relays each
// accepted stream to a fixed target TCP endpoint. Structurally grounded on
// cmd/cloudflared/main.go's App wiring, mirrored from duskwire-client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/duskwire/duskwire/internal/config"
	"github.com/duskwire/duskwire/internal/duskwirelog"
	"github.com/duskwire/duskwire/internal/lifecycle"
	"github.com/duskwire/duskwire/internal/metrics"
	"github.com/duskwire/duskwire/internal/runtime"
)

var version = "DEV"

func main() {
	app := &cli.App{
		Name:    "duskwire-server",
		Usage:   "Terminate DNS-framed QUIC tunnels and relay streams to a fixed target.",
		Version: version,
		Flags:   config.ServerFlags(),
		Action:  runServer,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(lifecycle.ExitRepeatedConnFailures)
	}
}

func runServer(c *cli.Context) error {
	cfg, err := config.FromServerContext(c)
	if err != nil {
		return cli.Exit(err, lifecycle.ExitInvalidDomain)
	}

	log, err := duskwirelog.New(cfg.Log)
	if err != nil {
		return cli.Exit(err, lifecycle.ExitInvalidDomain)
	}

	if err := sentry.Init(sentry.ClientOptions{Release: version}); err != nil {
		log.Warn().Err(err).Msg("sentry init failed; crash reporting disabled")
	}
	defer sentry.Flush(2 * time.Second)
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			sentry.Flush(2 * time.Second)
			log.Error().Interface("panic", r).Msg("server runtime loop panicked")
			os.Exit(lifecycle.ExitPanic)
		}
	}()

	if err := metrics.Serve(cfg.MetricsAddr, log); err != nil {
		log.Warn().Err(err).Msg("metrics server disabled")
	}

	shutdown := lifecycle.NewSignal()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		shutdown.Notify()
	}()

	hooks := lifecycle.NoopHooks{}
	rt := runtime.NewServer(cfg, hooks, log)

	ctx := context.Background()
	if err := rt.Run(ctx, shutdown); err != nil {
		log.Error().Err(err).Msg("server runtime loop exited with error")
		return cli.Exit(err, lifecycle.ExitRepeatedConnFailures)
	}
	return nil
}
