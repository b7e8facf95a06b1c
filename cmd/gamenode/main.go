package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liuxiao2015/gamecore/internal/actor"
	"github.com/liuxiao2015/gamecore/internal/bootstrap"
	"github.com/liuxiao2015/gamecore/internal/config"
)

const ConfigPath = "config/gamenode.yaml"

// Exit codes: 0 clean shutdown, 1 startup failure, 2 runtime failure.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	core, err := start(ctx)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}

	runErr := core.Run(ctx)

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 15*time.Second)
	core.Shutdown(shutCtx)
	cancelShut()

	if runErr != nil {
		slog.Error("fatal", "err", runErr)
		os.Exit(2)
	}
}

// start loads configuration and assembles the node.
func start(ctx context.Context) (*bootstrap.Core, error) {
	cfgPath := ConfigPath
	if p := os.Getenv("GAMECORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("gamecore node starting", "node", cfg.Node.ID, "log_level", cfg.LogLevel)

	core, err := bootstrap.Bootstrap(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Systems declared in config are hosted with empty handler sets; game
	// modules linked into the binary attach their own before Run.
	for _, name := range cfg.Node.Systems {
		if _, err := core.RegisterSystem(name, actor.NewHandlerSet()); err != nil {
			core.Shutdown(context.Background())
			return nil, fmt.Errorf("registering system %s: %w", name, err)
		}
	}

	return core, nil
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
