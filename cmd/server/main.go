// Package main runs the HTTP service: editor callbacks, chunked uploads and
// the editor open flow.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/app"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("init services", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	a.Start(ctx)
	go a.RunJanitor(ctx)

	if err := a.API().Run(ctx); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		a.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
