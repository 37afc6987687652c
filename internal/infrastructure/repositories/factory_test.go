package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"spatialsync/internal/infrastructure/repositories/memory"
	"spatialsync/pkg/config"
)

func TestFactory_FallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	defer f.Close()

	assert.Nil(t, f.RedisClient())
	assert.IsType(t, &memory.MemoryFrameCounterRepository{}, f.CreateFrameCounterRepository())
	assert.NoError(t, f.HealthCheck(context.Background()))
}
