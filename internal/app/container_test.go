package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/broadcast-dispatch/internal/config"
	"github.com/acme/broadcast-dispatch/internal/domain"
	"github.com/acme/broadcast-dispatch/pkg/logger"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Lines = []config.LineConfig{
		{ID: "line-1", MaxConcurrentCalls: 2},
		{ID: "line-2", MaxConcurrentCalls: 1, Status: "suspended"},
	}
	return cfg
}

func TestBuildWithoutBackends(t *testing.T) {
	c, err := Build(context.Background(), baseConfig(t), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Nil(t, c.Postgres)
	assert.Nil(t, c.Kafka)

	engine, err := c.Dispatcher()
	require.NoError(t, err)

	lines := engine.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, domain.LineStatusRegistered, lines[0].Status)
	assert.Equal(t, domain.LineStatusSuspended, lines[1].Status)

	worker, err := c.SignalWorker()
	require.NoError(t, err)
	assert.Nil(t, worker)

	_, err = c.HandlerSet()
	require.NoError(t, err)
	assert.NoError(t, c.EnsureTopics(context.Background()))
}

func TestKafkaBridgeRequiresBrokers(t *testing.T) {
	cfg := baseConfig(t)
	cfg.CallBridge.ProviderName = "kafka"

	_, err := Build(context.Background(), cfg, logger.NewNop())
	require.Error(t, err)
}

func TestLinesWaitForRegistrationWithBridge(t *testing.T) {
	cfg := baseConfig(t)
	cfg.CallBridge.ProviderName = "kafka"
	c := &Container{Config: cfg, Logger: logger.NewNop()}

	lines := c.lines()
	assert.Equal(t, domain.LineStatusUnregistered, lines[0].Status)
	assert.Equal(t, domain.LineStatusSuspended, lines[1].Status)
}
