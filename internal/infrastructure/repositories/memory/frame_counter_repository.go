package memory

import (
	"context"
	"sync"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
)

type MemoryFrameCounterRepository struct {
	counters map[domain.ClientID]int
	mu       sync.Mutex
}

func NewMemoryFrameCounterRepository() ports.FrameCounterRepository {
	return &MemoryFrameCounterRepository{
		counters: make(map[domain.ClientID]int),
	}
}

func (r *MemoryFrameCounterRepository) Next(ctx context.Context, client domain.ClientID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[client]++
	return r.counters[client], nil
}

func (r *MemoryFrameCounterRepository) Current(ctx context.Context, client domain.ClientID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[client], nil
}

func (r *MemoryFrameCounterRepository) Reset(ctx context.Context, client domain.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counters, client)
	return nil
}
