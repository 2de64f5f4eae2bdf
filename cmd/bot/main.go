package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"persona-chatter/internal/analytics"
	"persona-chatter/internal/app"
	"persona-chatter/internal/config"
	"persona-chatter/internal/logger"
	"persona-chatter/internal/safego"
	"persona-chatter/internal/scheduler"
	"persona-chatter/internal/telegram"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}
	if err := run(config.New()); err != nil {
		log.Fatal(err)
	}
}

// run owns every resource it opens, so deferred cleanup completes before
// main exits on error.
func run(cfg *config.Config) error {
	if cfg.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}

	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: cfg.LogOutput})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			zl.Error("failed to close storage", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		safego.Go(zl, "metrics-server", func() {
			if err := a.Metrics.Serve(ctx, cfg.MetricsAddr, zl); err != nil {
				zl.Error("metrics server stopped", zap.Error(err))
			}
		})
	}

	reporter := analytics.NewReporter(a.Store, a.Metrics, zl)
	sched := scheduler.New(cfg.ReportCron, zl)
	sched.SetReportFunction(reporter.Run)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	bot, err := telegram.New(cfg.TelegramBotToken, a.Engine, cfg.MessageParseMode, zl)
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	bot.Start(ctx)
	zl.Info("bot stopped")
	return nil
}
