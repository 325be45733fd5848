package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/philipphaunstetter/n8n-analytics-sub002/cmd/n8n-analytics/commands"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Cancelled on SIGINT/SIGTERM so serve can drain the running pass.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		stop()
		os.Exit(1)
	}
}

// setupLogging configures zerolog for the CLI's own messages. LOG_LEVEL sets
// their level; the engine's loggers follow logging.level from the config file
// unless LOG_LEVEL is set, and filter on their own, so the global floor is
// left open.
func setupLogging() {
	level := zerolog.InfoLevel
	if v := os.Getenv(config.LogLevelEnv); v != "" {
		level = telemetry.ParseLevel(strings.ToLower(v))
	}
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}
