package ports

import (
	"context"
	"time"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/envelope"
	"spatialsync/pkg/geometry"
)

// Tracking is the spatial tracking capability.
type Tracking interface {
	// CurrentFrame returns the latest frame, or false before the first one.
	CurrentFrame() (domain.TrackingFrame, bool)
	// CurrentEnvironmentMap serializes the accumulated map. It may block.
	CurrentEnvironmentMap(ctx context.Context) ([]byte, error)
	// Restart begins a new session, seeded with a received map when seed is
	// non-nil.
	Restart(seed []byte) error
	// Apply feeds collaboration data received from a peer.
	Apply(update []byte) error
	Subscribe(sink TrackingSink)
}

// TrackingSink receives tracking events. Implementations must not block.
type TrackingSink interface {
	OnTrackingSessionStarted(seeded bool)
	OnTrackingSessionStopped()
	OnCollaborationData(data []byte, critical bool)
	OnMappingStatus(status domain.MappingStatus)
}

// OrientationProvider reports the current interface orientation.
type OrientationProvider interface {
	Orientation() geometry.Orientation
}

// SceneEngine is the rendering engine that owns scene objects and
// replicates authoritative ones to peers.
type SceneEngine interface {
	// Place adds an object. Authoritative objects are replicated and accept
	// ownership transfer.
	Place(signature string, pose geometry.Matrix4, authoritative bool) (domain.ObjectID, error)
	Remove(id domain.ObjectID) error
	SetAppearance(id domain.ObjectID, appearance domain.Appearance) error
	Objects() []domain.SceneObject
	// ApplyRemote applies a replication message received from a peer.
	ApplyRemote(from domain.PeerID, entity envelope.Entity) error
	Subscribe(sink SceneSink)
}

// SceneSink receives scene events. Implementations must not block.
type SceneSink interface {
	OnSceneEvent(event domain.SceneEvent)
	// OnEntityReplication hands over an outbound replication message.
	OnEntityReplication(entity envelope.Entity)
}

// PeerTransport connects devices and carries opaque payloads between them.
// Incoming connections are accepted automatically.
type PeerTransport interface {
	Advertise(ctx context.Context) error
	StopAdvertise()
	Browse(ctx context.Context) error
	StopBrowse()
	DisconnectAll()
	// Send queues payload for every peer in to. It does not wait for
	// delivery.
	Send(payload []byte, to []domain.PeerID, mode domain.SendMode) error
	Subscribe(sink TransportSink)
}

// TransportSink receives transport events. Implementations must not block.
type TransportSink interface {
	OnPeerStateChanged(id domain.PeerID, state domain.ConnectionState)
	OnPeerData(id domain.PeerID, payload []byte)
}

// CaptureTrigger is the notification channel's view of the engine.
type CaptureTrigger interface {
	RequestCapture()
}

// EventSink is every callback the engine accepts.
type EventSink interface {
	TrackingSink
	SceneSink
	TransportSink
	CaptureTrigger
}

// FrameUploader posts one capture to the processing server. It never
// retries.
type FrameUploader interface {
	Upload(ctx context.Context, payload domain.CapturePayload) (domain.UploadResult, error)
}

// EngineMetrics observes the synchronization engine.
type EngineMetrics interface {
	SetPeers(n int)
	SetSynchronized(synchronized bool)
	SetRole(role domain.Role)
	MapSent(success bool)
	MapReceived()
	CollaborationMessage(direction string)
	PayloadDropped(reason string)
	Capture(result string)
	UploadDuration(d time.Duration)
}

type noopEngineMetrics struct{}

// NoopEngineMetrics discards every observation.
func NoopEngineMetrics() EngineMetrics { return noopEngineMetrics{} }

func (noopEngineMetrics) SetPeers(int) {}
func (noopEngineMetrics) SetSynchronized(bool) {}
func (noopEngineMetrics) SetRole(domain.Role) {}
func (noopEngineMetrics) MapSent(bool) {}
func (noopEngineMetrics) MapReceived() {}
func (noopEngineMetrics) CollaborationMessage(string) {}
func (noopEngineMetrics) PayloadDropped(string) {}
func (noopEngineMetrics) Capture(string) {}
func (noopEngineMetrics) UploadDuration(time.Duration) {}
