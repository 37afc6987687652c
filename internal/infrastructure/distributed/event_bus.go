package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
)

// EventType represents the type of event
type EventType string

const (
	EventCaptureTrigger EventType = "capture.trigger"
)

// Event represents a distributed event
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus fans capture triggers out to every ingest instance over Redis
// pub/sub. Each instance, including the publisher, delivers a trigger to
// its own connected devices.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.TriggerBus = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    "spatialsync:events",
		logger:     logger,
	}
}

// Publish publishes a capture trigger to the event bus
func (eb *EventBus) Publish(ctx context.Context, trigger domain.TriggerEvent) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}
	event := Event{
		Type:       EventCaptureTrigger,
		InstanceID: eb.instanceID,
		Timestamp:  trigger.Timestamp,
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", event.Type, "source", trigger.Source)
	return nil
}

// Subscribe confirms the subscription and then calls handler for every
// trigger from a background goroutine until ctx is done or Close.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.TriggerEvent)) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	if _, err := pubsub.Receive(ctx); err != nil {
		eb.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	go eb.consume(ctx, pubsub.Channel(), handler)
	return nil
}

func (eb *EventBus) consume(ctx context.Context, ch <-chan *redis.Message, handler func(domain.TriggerEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			trigger, err := decodeTrigger([]byte(msg.Payload))
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			handler(trigger)
		}
	}
}

func decodeTrigger(data []byte) (domain.TriggerEvent, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.TriggerEvent{}, err
	}
	if event.Type != EventCaptureTrigger {
		return domain.TriggerEvent{}, fmt.Errorf("unexpected event type %q", event.Type)
	}
	var trigger domain.TriggerEvent
	if err := json.Unmarshal(event.Payload, &trigger); err != nil {
		return domain.TriggerEvent{}, err
	}
	return trigger, nil
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub == nil {
		return nil
	}
	err := eb.pubsub.Close()
	eb.pubsub = nil
	return err
}
