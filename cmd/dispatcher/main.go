package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/broadcast-dispatch/internal/api"
	"github.com/acme/broadcast-dispatch/internal/app"
	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App, "dispatcher")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout)
		defer tcancel()
		_ = shutdownTracing(tctx)
	}()

	container, err := app.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to bootstrap application", zap.Error(err))
	}
	defer container.Close()

	if err := container.EnsureTopics(ctx); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	engine, err := container.Dispatcher()
	if err != nil {
		lg.Fatal("failed to build dispatcher", zap.Error(err))
	}
	restored, err := engine.Restore(ctx)
	if err != nil {
		lg.Fatal("failed to restore campaigns", zap.Error(err))
	}
	lg.Info("dispatcher ready", zap.Int("restored_campaigns", restored), zap.Int("lines", len(engine.Lines())))

	handlerSet, err := container.HandlerSet()
	if err != nil {
		lg.Fatal("failed to build handlers", zap.Error(err))
	}
	server := api.NewServer(cfg.HTTP, handlerSet, container.Registry)

	signals, err := container.SignalWorker()
	if err != nil {
		lg.Fatal("failed to build signal worker", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if signals != nil {
		g.Go(func() error { return signals.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("dispatcher terminated", zap.Error(err))
	}

	sctx, scancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownTimeout+time.Second)
	defer scancel()
	if err := engine.Shutdown(sctx); err != nil {
		lg.Warn("dispatcher shutdown incomplete", zap.Error(err))
	}
	lg.Info("dispatcher stopped")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
