package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/envelope"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/geometry"
)

// ErrCoordinatorStopped is returned by requests made after Run returned.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

type CoordinatorConfig struct {
	DeviceID          string
	DwellThreshold    time.Duration
	RetryMargin       time.Duration
	SettleDelay       time.Duration
	InboxSize         int
	MapTimeout        time.Duration
	PlacementDistance float64
	ShapeSignature    string
	JPEGQuality       int
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DeviceID:          "device",
		DwellThreshold:    time.Second,
		RetryMargin:       50 * time.Millisecond,
		SettleDelay:       300 * time.Millisecond,
		InboxSize:         256,
		MapTimeout:        10 * time.Second,
		PlacementDistance: 0.5,
		ShapeSignature:    "anchor/sphere/0.05",
		JPEGQuality:       85,
	}
}

type Dependencies struct {
	Tracking    ports.Tracking
	Scene       ports.SceneEngine
	Transport   ports.PeerTransport
	Uploader    ports.FrameUploader
	Orientation ports.OrientationProvider
	Metrics     ports.EngineMetrics
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	// OnStatus is called on the coordinator goroutine for every user-facing
	// status line. It must not block.
	OnStatus func(status string)
}

// Snapshot is a read-only copy of the coordinator's state.
type Snapshot struct {
	Role            domain.Role
	Controls        domain.Controls
	Epoch           uint64
	Peers           []domain.PeerID
	Sync            domain.SyncState
	TrackingActive  bool
	Mapping         domain.MappingStatus
	Relocalizing    bool
	Anchor          *domain.SharedAnchor
	Synchronized    bool
	Appearance      domain.Appearance
	Status          string
	MapSendInFlight bool
	CaptureInFlight bool
	RetryPending    bool
	SettlePending   bool
}

// Coordinator serializes every event of the synchronization engine through
// one inbox. Role, roster, sync flags and the anchor are only touched by
// the Run goroutine; tracking, scene and transport callbacks, timers and
// background results all arrive as messages.
type Coordinator struct {
	cfg         CoordinatorConfig
	tracking    ports.Tracking
	scene       ports.SceneEngine
	transport   ports.PeerTransport
	uploader    ports.FrameUploader
	orientation ports.OrientationProvider
	metrics     ports.EngineMetrics
	clock       clock.Clock
	logger      *zap.SugaredLogger
	onStatus    func(string)

	inbox   chan message
	done    chan struct{}
	started atomic.Bool

	// Owned by the Run goroutine.
	runCtx          context.Context
	roles           *RoleMachine
	anchors         *AnchorLifecycle
	pipeline        *CapturePipeline
	roster          *domain.PeerRoster
	peerStates      map[domain.PeerID]domain.ConnectionState
	sync            domain.SyncState
	trackingActive  bool
	mapping         domain.MappingStatus
	relocalizing    bool
	epoch           uint64
	retryTimer      *clock.Timer
	settleTimer     *clock.Timer
	mapSendInFlight bool
	captureInFlight bool
	synchronized    bool
	status          string
}

func NewCoordinator(cfg CoordinatorConfig, deps Dependencies) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NoopEngineMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if cfg.MapTimeout <= 0 {
		cfg.MapTimeout = 10 * time.Second
	}

	c := &Coordinator{
		cfg:         cfg,
		tracking:    deps.Tracking,
		scene:       deps.Scene,
		transport:   deps.Transport,
		uploader:    deps.Uploader,
		orientation: deps.Orientation,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		logger:      deps.Logger,
		onStatus:    deps.OnStatus,
		inbox:       make(chan message, cfg.InboxSize),
		done:        make(chan struct{}),
		runCtx:      context.Background(),
		roster:      domain.NewPeerRoster(),
		peerStates:  make(map[domain.PeerID]domain.ConnectionState),
		pipeline:    NewCapturePipeline(cfg.JPEGQuality),
	}
	c.roles = NewRoleMachine(deps.Transport, c, deps.Logger)
	c.anchors = NewAnchorLifecycle(deps.Scene, cfg.ShapeSignature, cfg.PlacementDistance, deps.Logger)

	deps.Tracking.Subscribe(c)
	deps.Scene.Subscribe(c)
	deps.Transport.Subscribe(c)
	return c
}

// Run consumes the inbox until ctx is done. On exit it leaves the active
// role. Run may be called once.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("coordinator already running")
	}
	c.runCtx = ctx
	defer close(c.done)

	c.logger.Infow("Coordinator started", "device_id", c.cfg.DeviceID)
	for {
		select {
		case <-ctx.Done():
			c.roles.Stop()
			c.cancelTimers()
			c.logger.Infow("Coordinator stopped")
			return ctx.Err()
		case msg := <-c.inbox:
			msg.handle(c)
		}
	}
}

func (c *Coordinator) StartHost(ctx context.Context) error {
	return c.roleRequest(ctx, opStartHost)
}

func (c *Coordinator) StopHost(ctx context.Context) error {
	return c.roleRequest(ctx, opStopHost)
}

func (c *Coordinator) StartClient(ctx context.Context) error {
	return c.roleRequest(ctx, opStartClient)
}

func (c *Coordinator) StopClient(ctx context.Context) error {
	return c.roleRequest(ctx, opStopClient)
}

// PlaceAnchor places (or moves) the anchor in front of the current camera.
func (c *Coordinator) PlaceAnchor(ctx context.Context) error {
	return awaitError(ctx, c, func(reply chan error) message {
		return anchorCommand{op: opPlaceInFront, reply: reply}
	})
}

// PlaceAnchorAt places (or moves) the anchor at pose.
func (c *Coordinator) PlaceAnchorAt(ctx context.Context, pose geometry.Matrix4) error {
	return awaitError(ctx, c, func(reply chan error) message {
		return anchorCommand{op: opPlaceAt, pose: pose, reply: reply}
	})
}

// RemoveAnchor removes an authored anchor. An adopted anchor is left alone.
func (c *Coordinator) RemoveAnchor(ctx context.Context) error {
	return awaitError(ctx, c, func(reply chan error) message {
		return anchorCommand{op: opRemove, reply: reply}
	})
}

func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	return await(ctx, c, func(reply chan Snapshot) message {
		return snapshotRequest{reply: reply}
	})
}

func (c *Coordinator) roleRequest(ctx context.Context, op roleOp) error {
	return awaitError(ctx, c, func(reply chan error) message {
		return roleCommand{ctx: ctx, op: op, reply: reply}
	})
}

// Event sink. These are called from tracking, scene and transport
// goroutines and only enqueue.

func (c *Coordinator) OnTrackingSessionStarted(seeded bool) { c.post(trackingStarted{seeded: seeded}) }
func (c *Coordinator) OnTrackingSessionStopped() { c.post(trackingStopped{}) }

func (c *Coordinator) OnCollaborationData(data []byte, critical bool) {
	c.post(localCollaboration{data: data, critical: critical})
}

func (c *Coordinator) OnMappingStatus(status domain.MappingStatus) {
	c.post(mappingChanged{status: status})
}

func (c *Coordinator) OnSceneEvent(event domain.SceneEvent) { c.post(sceneChanged{event: event}) }

func (c *Coordinator) OnEntityReplication(entity envelope.Entity) {
	c.post(outboundEntity{entity: entity})
}

func (c *Coordinator) OnPeerStateChanged(id domain.PeerID, state domain.ConnectionState) {
	c.post(peerStateChanged{id: id, state: state})
}

func (c *Coordinator) OnPeerData(id domain.PeerID, payload []byte) {
	c.post(peerData{id: id, payload: payload})
}

// RequestCapture asks for one frame capture and upload.
func (c *Coordinator) RequestCapture() { c.post(captureRequest{}) }

var _ ports.EventSink = (*Coordinator)(nil)

func (c *Coordinator) post(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func await[T any](ctx context.Context, c *Coordinator, build func(chan T) message) (T, error) {
	var zero T
	reply := make(chan T, 1)
	select {
	case c.inbox <- build(reply):
	case <-c.done:
		return zero, ErrCoordinatorStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return zero, ErrCoordinatorStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func awaitError(ctx context.Context, c *Coordinator, build func(chan error) message) error {
	err, waitErr := await(ctx, c, build)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// RoleStarted implements RoleObserver.
func (c *Coordinator) RoleStarted(role domain.Role) {
	c.advanceEpoch()
	c.resetSyncFlags()
	c.metrics.SetRole(role)

	switch role {
	case domain.RoleHost:
		c.setStatus("Hosting session, waiting for peers")
		c.tryMapSend("role started")
	case domain.RoleClient:
		c.anchors.RemoveLocal()
		c.anchors.AdoptExisting(role)
		c.setStatus("Searching for a host")
	}
	c.refresh()
}

// RoleStopped implements RoleObserver.
func (c *Coordinator) RoleStopped(role domain.Role) {
	c.advanceEpoch()
	c.roster.Clear()
	c.peerStates = make(map[domain.PeerID]domain.ConnectionState)
	c.resetSyncFlags()
	c.relocalizing = false
	c.anchors.Remove()
	c.metrics.SetRole(domain.RoleIdle)
	c.setStatus(fmt.Sprintf("Stopped %s session", role))
	c.refresh()
}

// resetSyncFlags clears the handoff flags. The session start belongs to
// the tracking session and survives role changes.
func (c *Coordinator) resetSyncFlags() {
	started := c.sync.SessionStartedAt
	c.sync.Reset()
	c.sync.SessionStartedAt = started
}

func (c *Coordinator) advanceEpoch() {
	c.epoch++
	c.cancelTimers()
}

func (c *Coordinator) cancelTimers() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}

func (c *Coordinator) evidence() domain.SyncEvidence {
	return domain.SyncEvidence{
		PeerCount:       c.roster.Len(),
		TrackingActive:  c.trackingActive,
		Role:            c.roles.Role(),
		CollabExchanged: c.sync.HasExchangedCollabData,
		AnchorPresent:   c.anchors.Present(),
	}
}

// refresh recomputes the synchronized predicate and pushes the matching
// anchor appearance.
func (c *Coordinator) refresh() {
	synchronized := c.evidence().Synchronized()
	if synchronized != c.synchronized {
		c.logger.Infow("Synchronization changed", "synchronized", synchronized, "role", c.roles.Role(), "peers", c.roster.Len())
	}
	c.synchronized = synchronized
	c.anchors.ApplySynchronized(synchronized)
	c.metrics.SetSynchronized(synchronized)
	c.metrics.SetPeers(c.roster.Len())
}

func (c *Coordinator) setStatus(status string) {
	c.status = status
	c.logger.Infow("Status", "status", status, "role", c.roles.Role())
	if c.onStatus != nil {
		c.onStatus(status)
	}
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{
		Role:            c.roles.Role(),
		Controls:        c.roles.Controls(),
		Epoch:           c.epoch,
		Peers:           c.roster.IDs(),
		Sync:            c.sync,
		TrackingActive:  c.trackingActive,
		Mapping:         c.mapping,
		Relocalizing:    c.relocalizing,
		Synchronized:    c.synchronized,
		Appearance:      domain.AppearanceFor(c.synchronized),
		Status:          c.status,
		MapSendInFlight: c.mapSendInFlight,
		CaptureInFlight: c.captureInFlight,
		RetryPending:    c.retryTimer != nil,
		SettlePending:   c.settleTimer != nil,
	}
	if anchor, ok := c.anchors.Current(); ok {
		s.Anchor = &anchor
	}
	return s
}

// describe turns an error into a status fragment.
func describe(err error) string {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return err.Error()
	}
	if status, ok := appErr.Context["status_code"]; ok {
		return fmt.Sprintf("%s (HTTP %v)", appErr.Message, status)
	}
	if appErr.Cause != nil {
		return fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
	}
	return appErr.Message
}
