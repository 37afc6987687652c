package ports

import (
	"context"

	"spatialsync/internal/core/domain"
)

// FrameCounterRepository numbers frames per uploading client.
type FrameCounterRepository interface {
	// Next increments and returns the client's counter, starting at 1.
	Next(ctx context.Context, client domain.ClientID) (int, error)
	Current(ctx context.Context, client domain.ClientID) (int, error)
	Reset(ctx context.Context, client domain.ClientID) error
}

// FrameStorage persists received files under a single directory.
type FrameStorage interface {
	// Save writes data to name and returns the full path.
	Save(ctx context.Context, name string, data []byte) (string, error)
	Dir() string
}

// TriggerBus fans capture triggers out to every ingest instance.
type TriggerBus interface {
	Publish(ctx context.Context, event domain.TriggerEvent) error
	Subscribe(ctx context.Context, handler func(domain.TriggerEvent)) error
	Close() error
}

// TriggerBroadcaster delivers a trigger to the devices connected to this
// instance.
type TriggerBroadcaster interface {
	Broadcast(event domain.TriggerEvent) int
	ClientCount() int
}

// IngestMetrics observes the ingest server.
type IngestMetrics interface {
	FrameReceived(depth bool, imageBytes, depthBytes int)
	FrameRejected(reason string)
	TriggerBroadcast(clients int)
	SetTriggerClients(n int)
}
