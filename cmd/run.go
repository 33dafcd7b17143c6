package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/orchestrator"
	"github.com/andylabs/andbot/internal/tracing"
)

// runBroker is the default command: load config, wire the orchestrator and
// run until SIGINT/SIGTERM.
func runBroker() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, config.Product, Version)
	if err != nil {
		slog.Warn("tracing setup failed, continuing without", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	slog.Info("starting", "version", Version, "assistant", cfg.AssistantName)
	return o.Run(ctx)
}
