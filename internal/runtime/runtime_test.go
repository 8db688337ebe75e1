package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskwire/taskwire/internal/config"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.URL = ""

	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestNewWiresOnlyEnabledModules(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Modules = []string{"coordinator"}

	rt, err := New(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.worker)
	assert.Nil(t, rt.server)
	assert.NotNil(t, rt.Dispatcher())
}

func TestNewWiresAllModulesByDefault(t *testing.T) {
	rt, err := New(config.DefaultConfig(), nil)
	require.NoError(t, err)
	defer rt.Close()

	assert.NotNil(t, rt.worker)
	assert.NotNil(t, rt.server)
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.URL = "nats://127.0.0.1:1"

	rt, err := New(cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = rt.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire channel")
}

func TestShutdownIsIdempotent(t *testing.T) {
	rt, err := New(config.DefaultConfig(), nil)
	require.NoError(t, err)
	defer rt.Close()

	rt.Shutdown()
	rt.Shutdown()

	rt.Close()
	rt.Close()
}
