package monitoring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddStorageCheck verifies that frames can still be written to dir.
func (h *HealthChecker) AddStorageCheck(dir string, timeout time.Duration) {
	h.AddCheck("storage", func(ctx context.Context) (bool, error) {
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return false, fmt.Errorf("storage not writable: %w", err)
		}
		name := probe.Name()
		probe.Close()
		if err := os.Remove(name); err != nil {
			return false, fmt.Errorf("remove probe %s: %w", filepath.Base(name), err)
		}
		return true, nil
	}, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
