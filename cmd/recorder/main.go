package main

import (
	"fmt"
	"os"

	"github.com/rohit-iwnl/EchoMind/internal/cli"
	"github.com/rohit-iwnl/EchoMind/internal/config"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()
	logger.Debug().
		Str("engine", cfg.STTEngine).
		Str("locale", cfg.Locale).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	return cli.NewRootCmd(cli.PortAudioDependencies(cfg)).Execute()
}
