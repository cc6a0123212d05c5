// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonehaven/tonehaven/internal/config"
	"github.com/tonehaven/tonehaven/internal/daemon"
	"github.com/tonehaven/tonehaven/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tonehaven %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "tonehaven"})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("loading configuration")
	}

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("building daemon")
	}
	if err := d.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited")
	}
}
