// Package main runs the tracker service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/clever-search/tracker/internal/app"
	"github.com/clever-search/tracker/internal/config"
	"github.com/clever-search/tracker/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	ctx := context.Background()
	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("application build failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error", zap.Error(err))
		os.Exit(1)
	}
}
