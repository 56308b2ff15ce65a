// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ccheshirecat/streamlog/internal/server/app"
	"github.com/ccheshirecat/streamlog/internal/server/config"
	"github.com/ccheshirecat/streamlog/internal/server/source"
	"github.com/ccheshirecat/streamlog/internal/shared/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

// run logs its own failures, so they reach the log file before it is
// closed.
func run(ctx context.Context) error {
	logger := logging.New("streamlogd")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		return err
	}

	closer, err := logging.Configure(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		logger.Error("configure logging", "file", cfg.LogFile, "error", err)
		return err
	}
	defer closer.Close()
	logger = logging.New("streamlogd")

	src := sourceFromConfig(cfg, logger)
	logger.Info("starting",
		"source", cfg.Source,
		"api_addr", cfg.APIListenAddr,
		"ops_addr", cfg.OpsListenAddr,
		"backlog", cfg.BacklogSize,
		"backlog_store", cfg.BacklogStore,
	)

	daemon, err := app.New(ctx, cfg, logger, src)
	if err != nil {
		logger.Error("init app", "error", err)
		return err
	}

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exit", "error", err)
		return err
	}
	return nil
}

func sourceFromConfig(cfg config.ServerConfig, logger *slog.Logger) source.Source {
	switch cfg.Source {
	case config.SourceFile:
		return source.NewFile(cfg.SourcePath, source.FileOptions{FromEnd: true})
	case config.SourceCommand:
		return source.NewCommand(cfg.SourceCommand)
	default:
		return source.NewStdin(logger.With("component", "source"))
	}
}
