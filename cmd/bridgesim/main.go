// Command bridgesim stands in for the telephony bridge during development.
// It answers dial requests with simulated call events and registers the
// configured lines on startup.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/acme/broadcast-dispatch/internal/app"
	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/queue"
	"github.com/acme/broadcast-dispatch/internal/telemetry"
	"github.com/acme/broadcast-dispatch/internal/telephony/mock"
	"github.com/acme/broadcast-dispatch/internal/worker/bridge"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to configuration file")
	group := flag.String("group", "broadcast-bridgesim", "consumer group for dial requests")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	lg, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.App, "bridgesim")
	if err != nil {
		lg.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	k, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		lg.Fatal("failed to configure kafka", zap.Error(err))
	}
	if err := k.EnsureTopics(ctx, k.Topics(), cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
		lg.Fatal("failed to ensure kafka topics", zap.Error(err))
	}

	signals := queue.NewSignalPublisher(k, cfg.Kafka.SignalTopic)
	defer signals.Close()

	worker := bridge.New(
		k.NewReader(cfg.Kafka.DialTopic, *group),
		mock.NewProvider(cfg.CallBridge),
		signals,
		lg,
		cfg.Defaults.CallTimeout,
	)

	lineIDs := make([]string, 0, len(cfg.Lines))
	for _, l := range cfg.Lines {
		lineIDs = append(lineIDs, l.ID)
	}
	if err := worker.Announce(ctx, lineIDs); err != nil {
		lg.Fatal("failed to register lines", zap.Error(err))
	}
	lg.Info("bridge simulator ready", zap.Strings("lines", lineIDs))

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("bridge simulator terminated", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
