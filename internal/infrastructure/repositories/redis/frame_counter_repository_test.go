package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spatialsync/internal/core/domain"
)

// Runs against a real server when SPATIALSYNC_TEST_REDIS is set.
func TestRedisFrameCounter(t *testing.T) {
	addr := os.Getenv("SPATIALSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("SPATIALSYNC_TEST_REDIS not set")
	}
	client, err := NewRedisClient(addr, "", 0, 2, nil)
	require.NoError(t, err)
	defer client.Close()

	repo := NewRedisFrameCounterRepository(client)
	ctx := context.Background()
	id := domain.ClientID("test-" + uuid.NewString())
	defer repo.Reset(ctx, id)

	current, err := repo.Current(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, current)

	n, err := repo.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
