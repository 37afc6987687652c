package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
)

// TriggerService asks every connected device to capture a frame. With a
// bus, triggers go through it so that every ingest instance delivers them
// to its own clients.
type TriggerService struct {
	bus     ports.TriggerBus
	hub     ports.TriggerBroadcaster
	metrics ports.IngestMetrics
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

func NewTriggerService(bus ports.TriggerBus, hub ports.TriggerBroadcaster, metrics ports.IngestMetrics, clk clock.Clock, logger *zap.SugaredLogger) *TriggerService {
	if clk == nil {
		clk = clock.Real()
	}
	return &TriggerService{bus: bus, hub: hub, metrics: metrics, clock: clk, logger: logger}
}

// Start subscribes to the bus. It is a no-op without one.
func (s *TriggerService) Start(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	if err := s.bus.Subscribe(ctx, func(event domain.TriggerEvent) { s.Deliver(event) }); err != nil {
		return fmt.Errorf("subscribe to trigger bus: %w", err)
	}
	return nil
}

// Trigger creates a capture trigger from source and returns it with the
// number of clients connected to this instance.
func (s *TriggerService) Trigger(ctx context.Context, source string) (domain.TriggerEvent, int, error) {
	event := domain.TriggerEvent{Timestamp: s.clock.Now(), Source: source}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, event); err != nil {
			return event, 0, fmt.Errorf("publish trigger: %w", err)
		}
		return event, s.hub.ClientCount(), nil
	}
	return event, s.Deliver(event), nil
}

// Deliver sends event to the devices connected to this instance.
func (s *TriggerService) Deliver(event domain.TriggerEvent) int {
	if s.hub.ClientCount() == 0 {
		s.logger.Infow("No clients connected, waiting for connections", "source", event.Source)
		return 0
	}
	sent := s.hub.Broadcast(event)
	if s.metrics != nil {
		s.metrics.TriggerBroadcast(sent)
	}
	s.logger.Infow("Broadcast capture_frame", "clients", sent, "source", event.Source, "timestamp", event.Timestamp)
	return sent
}
