// Package main runs the asynq consumer that delivers mail-merge records.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/app"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/config"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/editor"
	"github.com/ONLYOFFICE/DocSpace-server-sub010/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.SetupLogger(cfg)
	if cfg.RedisAddr == "" {
		logger.Error("DOCSYNC_REDIS_ADDR is required for the worker")
		os.Exit(1)
	}

	downloader := editor.NewClient(editor.ClientConfig{
		BaseURL:     cfg.EditorURL,
		Timeout:     cfg.EditorTimeout,
		Retries:     cfg.EditorRetries,
		MaxDownload: cfg.MaxFileSize,
		JWTHeader:   cfg.EditorJWTHeader,
	}, editor.NewTokenSigner(cfg.EditorJWTSecret), logger)
	processor := worker.NewProcessor(downloader, app.NewMailer(cfg, logger), logger)

	server := asynq.NewServer(app.RedisOpt(cfg), asynq.Config{
		Concurrency: cfg.ProcessingPool,
		Logger:      asynqLogger{logger.With(slog.String("component", "asynq"))},
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", slog.Int("concurrency", cfg.ProcessingPool))
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// asynqLogger routes asynq's internal log lines through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
