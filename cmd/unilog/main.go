// unilog receives log records from every producer kind, normalizes them per
// stream and delivers them to a search index. Batches that cannot be
// delivered are written to the failure store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"unilog/internal/config"
	"unilog/internal/logger"
	"unilog/internal/processor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, logLevel string
	var validate bool

	flagSet := pflag.NewFlagSet("unilog", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config (default: built-in streams)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flagSet.BoolVar(&validate, "validate", false, "validate the configuration and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := processor.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	if validate {
		log.Info().Int("streams", len(cfg.Streams)).Msg("configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := processor.New(cfg).Run(ctx); err != nil {
		return fmt.Errorf("processor exited: %w", err)
	}
	log.Info().Msg("exited")
	return nil
}
