// Command smartdrive-validator is the validator process entrypoint
// (spec §6, component cmd/smartdrive-validator): parse flags/config,
// assemble a node.Node, run it until an interrupt, shut down cleanly.
// Grounded on the teacher's cmd/gtos main command shape (an
// *cli.App with a single default Action), reauthored since the
// teacher's own cmd/gtos/main.go was not present in the retrieved pack.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/smartdrive/log"
	"github.com/tos-network/smartdrive/node"
)

var gitCommit = "" // set via -ldflags at release build time

// shutdownGrace bounds how long Stop waits for loops to exit and the
// API server to drain in-flight requests.
const shutdownGrace = 10 * time.Second

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "smartdrive-validator"
	app.Usage = "SmartDrive subnet validator"
	app.Flags = append(appFlags, cli.HelpFlag, cli.VersionFlag)
	app.Action = run
	app.Version = versionString()
	return app
}

func versionString() string {
	if gitCommit == "" {
		return "dev"
	}
	return gitCommit
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configureLogging sets log's process-wide level from --verbosity.
func configureLogging(level string) {
	log.SetLevel(level)
}

func run(cctx *cli.Context) error {
	configureLogging(cctx.String(VerbosityFlag.Name))

	cfg, err := buildNodeConfig(cctx)
	if err != nil {
		return err
	}

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("smartdrive-validator: build node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("smartdrive-validator: start node: %w", err)
	}
	log.Info("smartdrive-validator running", "netuid", cfg.Params.NetUID, "peer_port", cfg.ListenPort)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return n.Stop(shutdownCtx)
}
