// Package app wires configuration, infrastructure and the dispatch engine
// into one container shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/broadcast-dispatch/internal/api/handlers"
	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/dispatcher"
	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/internal/infra/db"
	"github.com/acme/broadcast-dispatch/internal/infra/redis"
	"github.com/acme/broadcast-dispatch/internal/linepool"
	"github.com/acme/broadcast-dispatch/internal/observability"
	"github.com/acme/broadcast-dispatch/internal/queue"
	pgrepo "github.com/acme/broadcast-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/broadcast-dispatch/internal/repository/scylla"
	"github.com/acme/broadcast-dispatch/internal/service/concurrency"
	"github.com/acme/broadcast-dispatch/internal/telephony"
	"github.com/acme/broadcast-dispatch/internal/telephony/bridge"
	"github.com/acme/broadcast-dispatch/internal/telephony/mock"
	signalworker "github.com/acme/broadcast-dispatch/internal/worker/signal"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Backends
// whose connection settings are empty are left nil and the engine runs
// without them.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once       sync.Once
		err        error
		pool       *linepool.Pool
		dispatcher *dispatcher.Dispatcher
		calls      *queue.CallDispatcher
		status     *queue.StatusPublisher
	}
}

// NewLogger builds the application logger from configuration.
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Options{
		Env:        cfg.App.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// Build connects every configured backend.
func Build(ctx context.Context, cfg *config.Config, lg *logger.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Logger:   lg,
		Registry: prometheus.NewRegistry(),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observability.Register(c.Registry)

	if cfg.Postgres.Host != "" {
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg
		if err := pg.Apply(ctx, pgrepo.Schema); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bootstrap postgres schema: %w", err)
		}
	} else {
		lg.Warn("postgres not configured, campaigns will not survive a restart")
	}

	if len(cfg.Scylla.Hosts) > 0 {
		scylla, err := db.NewScylla(ctx, cfg.Scylla, scyllarepo.Schema)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
	}

	if cfg.Redis.Address != "" {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		c.Redis = client
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = k
	} else if cfg.CallBridge.ProviderName == "kafka" {
		_ = c.Close()
		return nil, errors.New("bootstrap kafka: the kafka call bridge requires kafka.brokers")
	}

	return c, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		pool, err := linepool.New(c.lines())
		if err != nil {
			c.components.err = fmt.Errorf("line pool: %w", err)
			return
		}
		pool.ObserveUsage(dispatcher.ObserveLineUsage)

		deps := dispatcher.Deps{
			Pool:   pool,
			Logger: c.Logger,
		}

		if c.Kafka != nil {
			c.components.status = queue.NewStatusPublisher(c.Kafka, c.Config.Kafka.StatusTopic)
			deps.Publisher = c.components.status
		}
		if c.Postgres != nil {
			deps.Store = pgrepo.NewStore(c.Postgres.DB())
			deps.Rollups = pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB())
		}
		if c.Scylla != nil {
			deps.Archive = scyllarepo.NewAttemptStore(c.Scylla.Session())
		}
		if c.Redis != nil && c.Config.Dispatcher.GlobalConcurrency > 0 {
			deps.Guard = concurrency.NewGlobalGuard(
				c.Redis.Inner(),
				c.Config.Dispatcher.GuardKeyPrefix,
				c.Config.Dispatcher.GlobalConcurrency,
				c.Config.Dispatcher.GuardTTL,
			)
		}
		if c.Config.Dispatcher.DialRate > 0 {
			deps.Limiter = rate.NewLimiter(rate.Limit(c.Config.Dispatcher.DialRate), max(c.Config.Dispatcher.DialBurst, 1))
		}

		var engine *dispatcher.Dispatcher
		deps.Provider = telephony.NewBreakerProvider(c.provider(), telephony.BreakerSettings{
			ConsecutiveFailures: c.Config.Breaker.ConsecutiveFailures,
			OpenTimeout:         c.Config.Breaker.OpenTimeout,
		}, func(lineID string) {
			c.Logger.Warn("line breaker opened", zap.String("line_id", lineID))
			if engine != nil {
				engine.SuspendLine(lineID)
			}
		})

		engine, err = dispatcher.New(dispatcher.ConfigFrom(c.Config), deps)
		if err != nil {
			c.components.err = err
			return
		}

		c.components.pool = pool
		c.components.dispatcher = engine
	})
}

func (c *Container) provider() telephony.Provider {
	if c.Config.CallBridge.ProviderName == "kafka" {
		c.components.calls = queue.NewCallDispatcher(c.Kafka, c.Config.Kafka.DialTopic)
		return bridge.NewProvider(c.components.calls, c.Config.CallBridge.RequestTimeout)
	}
	return mock.NewProvider(c.Config.CallBridge)
}

// lines converts configured lines. Lines without an explicit status start
// registered with the in-process simulator and wait for the bridge to
// register them otherwise.
func (c *Container) lines() []domain.DialLine {
	initial := domain.LineStatusRegistered
	if c.Config.CallBridge.ProviderName == "kafka" {
		initial = domain.LineStatusUnregistered
	}

	out := make([]domain.DialLine, 0, len(c.Config.Lines))
	for _, l := range c.Config.Lines {
		status := initial
		if l.Status != "" {
			if parsed, err := domain.ParseLineStatus(l.Status); err == nil {
				status = parsed
			} else {
				c.Logger.Warn("ignoring invalid line status", zap.String("line_id", l.ID), zap.String("status", l.Status))
			}
		}
		out = append(out, domain.DialLine{
			ID:                 l.ID,
			Extension:          l.Extension,
			Status:             status,
			MaxConcurrentCalls: l.MaxConcurrentCalls,
		})
	}
	return out
}

// Dispatcher returns the dispatch engine.
func (c *Container) Dispatcher() (*dispatcher.Dispatcher, error) {
	c.initComponents()
	return c.components.dispatcher, c.components.err
}

// SignalWorker builds the consumer feeding signaling events to the engine.
// It returns nil when Kafka is not configured.
func (c *Container) SignalWorker() (*signalworker.Worker, error) {
	engine, err := c.Dispatcher()
	if err != nil {
		return nil, err
	}
	if c.Kafka == nil {
		return nil, nil
	}
	reader := c.Kafka.NewReader(c.Config.Kafka.SignalTopic, c.Config.Kafka.ConsumerGroupID)
	return signalworker.New(reader, engine, c.Logger), nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	engine, err := c.Dispatcher()
	if err != nil {
		return nil, err
	}
	return handlers.NewHandlerSet(engine, c.Logger, c.healthChecks()), nil
}

func (c *Container) healthChecks() map[string]handlers.HealthCheck {
	checks := make(map[string]handlers.HealthCheck)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Ping
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Ping
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), c.Config.Kafka.Partitions, c.Config.Kafka.ReplicationFactor)
}

// Close releases all held resources.
func (c *Container) Close() error {
	var errs []error
	closeAll := []struct {
		name string
		fn   func() error
	}{
		{"dial publisher", func() error {
			if c.components.calls == nil {
				return nil
			}
			return c.components.calls.Close()
		}},
		{"status publisher", func() error {
			if c.components.status == nil {
				return nil
			}
			return c.components.status.Close()
		}},
		{"redis", func() error {
			if c.Redis == nil {
				return nil
			}
			return c.Redis.Close()
		}},
		{"scylla", func() error {
			if c.Scylla == nil {
				return nil
			}
			return c.Scylla.Close()
		}},
		{"postgres", func() error {
			if c.Postgres == nil {
				return nil
			}
			return c.Postgres.Close()
		}},
	}
	for _, step := range closeAll {
		if err := step.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s close: %w", step.name, err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
