package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
)

// RedisFrameCounterRepository shares frame numbering between ingest
// instances with one INCR key per client.
type RedisFrameCounterRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFrameCounterRepository(client redis.UniversalClient) ports.FrameCounterRepository {
	return &RedisFrameCounterRepository{
		client: client,
		prefix: KeyPrefix + "frames:",
	}
}

func (r *RedisFrameCounterRepository) key(client domain.ClientID) string {
	return r.prefix + string(client)
}

func (r *RedisFrameCounterRepository) Next(ctx context.Context, client domain.ClientID) (int, error) {
	n, err := r.client.Incr(ctx, r.key(client)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment frame counter: %w", err)
	}
	return int(n), nil
}

func (r *RedisFrameCounterRepository) Current(ctx context.Context, client domain.ClientID) (int, error) {
	n, err := r.client.Get(ctx, r.key(client)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read frame counter: %w", err)
	}
	return n, nil
}

func (r *RedisFrameCounterRepository) Reset(ctx context.Context, client domain.ClientID) error {
	if err := r.client.Del(ctx, r.key(client)).Err(); err != nil {
		return fmt.Errorf("failed to reset frame counter: %w", err)
	}
	return nil
}
