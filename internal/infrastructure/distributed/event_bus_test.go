package distributed

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
)

func TestDecodeTrigger(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	payload, err := json.Marshal(domain.TriggerEvent{Timestamp: at, Source: "stdin"})
	require.NoError(t, err)
	data, err := json.Marshal(Event{Type: EventCaptureTrigger, InstanceID: "a", Payload: payload})
	require.NoError(t, err)

	trigger, err := decodeTrigger(data)
	require.NoError(t, err)
	assert.True(t, at.Equal(trigger.Timestamp))
	assert.Equal(t, "stdin", trigger.Source)

	other, _ := json.Marshal(Event{Type: "peer.joined"})
	_, err = decodeTrigger(other)
	assert.Error(t, err)

	_, err = decodeTrigger([]byte("not json"))
	assert.Error(t, err)
}

// Runs against a real server when SPATIALSYNC_TEST_REDIS is set.
func TestEventBus_PublisherAlsoReceives(t *testing.T) {
	addr := os.Getenv("SPATIALSYNC_TEST_REDIS")
	if addr == "" {
		t.Skip("SPATIALSYNC_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	bus := NewEventBus(client, "instance-a", zap.NewNop().Sugar())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan domain.TriggerEvent, 1)
	require.NoError(t, bus.Subscribe(ctx, func(e domain.TriggerEvent) { got <- e }))

	require.NoError(t, bus.Publish(ctx, domain.TriggerEvent{Timestamp: time.Now(), Source: "test"}))

	select {
	case e := <-got:
		assert.Equal(t, "test", e.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not delivered")
	}
}
