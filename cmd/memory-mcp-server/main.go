package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"persona-chatter/internal/app"
	"persona-chatter/internal/config"
	"persona-chatter/internal/logger"
	"persona-chatter/internal/memorymcp"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}
	if err := run(config.New()); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config) error {
	// stdout carries the MCP protocol; logs must not go there.
	output := cfg.LogOutput
	if output == "stdout" {
		output = "stderr"
	}
	zl, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: output})
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

	server := memorymcp.NewServer(memorymcp.NewTools(a.Engine, zl), version)
	zl.Info("memory MCP server starting on stdio")
	if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
