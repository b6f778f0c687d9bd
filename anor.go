package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/anor-rs/anor-cluster/cfg"
	"github.com/anor-rs/anor-cluster/node"
	"github.com/anor-rs/anor-cluster/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Anor - masterless in-memory key-value cluster")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	n, err := node.New(cfg.Config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize node")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		n.Stop()
		log.Fatal().Err(err).Msg("Failed to start node")
		return
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")
	n.Stop()
}
