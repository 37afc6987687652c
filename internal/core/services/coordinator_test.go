package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/envelope"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/geometry"
)

type harness struct {
	t         *testing.T
	clock     *clock.FakeClock
	tracking  *fakeTracking
	scene     *fakeScene
	transport *fakeTransport
	uploader  *mockUploader
	metrics   *recordingMetrics
	coord     *Coordinator

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	statuses []string
}

func newHarness(t *testing.T, opts ...func(*CoordinatorConfig, *Dependencies)) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		clock:    clock.Fake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		tracking: newFakeTracking(),
		scene:    newFakeScene(),
		uploader: &mockUploader{},
		metrics:  newRecordingMetrics(),
		done:     make(chan struct{}),
	}
	h.transport = newFakeTransport(h.clock)

	cfg := DefaultCoordinatorConfig()
	cfg.ShapeSignature = testSignature
	deps := Dependencies{
		Tracking:    h.tracking,
		Scene:       h.scene,
		Transport:   h.transport,
		Uploader:    h.uploader,
		Orientation: fixedOrientation(geometry.OrientationLandscapeRight),
		Metrics:     h.metrics,
		Clock:       h.clock,
		Logger:      zap.NewNop().Sugar(),
		OnStatus:    h.recordStatus,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.coord = NewCoordinator(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		_ = h.coord.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) recordStatus(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, status)
}

func (h *harness) statusLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	s, err := h.coord.Snapshot(context.Background())
	require.NoError(h.t, err)
	return s
}

// flush waits until every message posted so far has been handled.
func (h *harness) flush() { h.snapshot() }

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) startTracking() {
	h.coord.OnTrackingSessionStarted(false)
	h.flush()
}

func (h *harness) connect(id domain.PeerID) {
	h.coord.OnPeerStateChanged(id, domain.StateConnecting)
	h.coord.OnPeerStateChanged(id, domain.StateConnected)
	h.flush()
}

func (h *harness) disconnect(id domain.PeerID) {
	h.coord.OnPeerStateChanged(id, domain.StateDisconnected)
	h.flush()
}

func (h *harness) receive(from domain.PeerID, payload []byte) {
	h.coord.OnPeerData(from, payload)
	h.flush()
}

func (h *harness) eventually(cond func(Snapshot) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.snapshot()) }, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) hostWithSentMap(peer domain.PeerID) {
	h.t.Helper()
	require.NoError(h.t, h.coord.StartHost(context.Background()))
	h.startTracking()
	h.advance(2 * time.Second)
	h.connect(peer)
	h.advance(300 * time.Millisecond)
	h.eventually(func(s Snapshot) bool { return s.Sync.HasSentMap }, "map was not sent")
}

func TestCoordinator_HostSendsMapAfterDwellAndSettle(t *testing.T) {
	h := newHarness(t)
	t0 := h.clock.Now()

	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()

	h.advance(200 * time.Millisecond)
	h.connect("peer-a")

	s := h.snapshot()
	assert.True(t, s.RetryPending)
	assert.False(t, s.SettlePending)
	assert.Equal(t, 1, h.clock.PendingTimers())

	// Dwell threshold plus margin: 1.05s after the tracking start.
	h.advance(850 * time.Millisecond)
	s = h.snapshot()
	assert.False(t, s.RetryPending)
	assert.True(t, s.SettlePending)
	assert.Empty(t, h.transport.sentOfKind(envelope.KindMap))

	h.advance(300 * time.Millisecond)
	h.eventually(func(s Snapshot) bool { return s.Sync.HasSentMap }, "map was not sent")

	sent := h.transport.sentOfKind(envelope.KindMap)
	require.Len(t, sent, 1)
	assert.Equal(t, t0.Add(1350*time.Millisecond), sent[0].at)
	assert.Equal(t, domain.SendReliable, sent[0].mode)
	assert.Equal(t, []domain.PeerID{"peer-a"}, sent[0].to)

	msg, err := envelope.Decode(sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("environment-map"), msg.Map.Data)

	s = h.snapshot()
	assert.True(t, s.Sync.HasExchangedCollabData)
	require.NotNil(t, s.Anchor)
	assert.Equal(t, domain.LocallyOwned, s.Anchor.Ownership)
	assert.True(t, s.Synchronized)
	assert.Equal(t, "Map sent to 1 peer(s)", s.Status)
	assert.Equal(t, 0, h.clock.PendingTimers())

	appearance, ok := h.scene.appearance(s.Anchor.ObjectID)
	require.True(t, ok)
	assert.Equal(t, domain.AppearanceSynchronized, appearance)
}

func TestCoordinator_SingleRetryForManyTriggers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()

	h.advance(100 * time.Millisecond)
	h.connect("peer-a")
	h.connect("peer-b")
	h.coord.OnTrackingSessionStarted(true)
	h.flush()

	assert.Equal(t, 1, h.clock.PendingTimers())
	assert.True(t, h.snapshot().RetryPending)
}

func TestCoordinator_MapSentOnceDespiteReconnects(t *testing.T) {
	h := newHarness(t)
	h.hostWithSentMap("peer-a")

	h.disconnect("peer-a")
	s := h.snapshot()
	assert.True(t, s.Sync.HasSentMap)
	assert.True(t, s.Sync.HasExchangedCollabData)
	assert.False(t, s.Synchronized)

	h.connect("peer-a")
	h.connect("peer-b")
	h.advance(5 * time.Second)

	assert.Len(t, h.transport.sentOfKind(envelope.KindMap), 1)
	assert.Equal(t, 0, h.clock.PendingTimers())
	assert.True(t, h.snapshot().Synchronized)
}

func TestCoordinator_StopHostCancelsPendingTimers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()
	h.advance(200 * time.Millisecond)
	h.connect("peer-a")
	epoch := h.snapshot().Epoch

	require.NoError(t, h.coord.StopHost(context.Background()))
	h.advance(5 * time.Second)

	s := h.snapshot()
	assert.Equal(t, domain.RoleIdle, s.Role)
	assert.Greater(t, s.Epoch, epoch)
	assert.Empty(t, s.Peers)
	assert.False(t, s.RetryPending)
	assert.Empty(t, h.transport.sentOfKind(envelope.KindMap))
	assert.Equal(t, 0, h.clock.PendingTimers())
	assert.Equal(t, "Stopped host session", s.Status)
}

func TestCoordinator_MapSendFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.tracking.mapErr = errors.New("map unavailable")

	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()
	h.advance(2 * time.Second)
	h.connect("peer-a")
	h.advance(300 * time.Millisecond)

	h.eventually(func(s Snapshot) bool { return !s.MapSendInFlight && s.Status != "Sending map to 1 peer(s)" }, "map send did not finish")

	s := h.snapshot()
	assert.False(t, s.Sync.HasSentMap)
	assert.Contains(t, s.Status, "Failed to send map")
	assert.Contains(t, s.Status, "map unavailable")
	assert.Nil(t, s.Anchor)
	assert.Equal(t, 0, h.clock.PendingTimers())
}

func TestCoordinator_MalformedPayloadChangesNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartClient(context.Background()))
	h.startTracking()
	h.connect("host")
	before := h.snapshot()
	statuses := len(h.statusLog())

	for _, payload := range [][]byte{
		nil,
		{0x09, 0x01},
		{byte(envelope.KindMap), 0xff, 0x00},
		{byte(envelope.KindCollaboration)},
		[]byte("bplist00garbage"),
	} {
		h.receive("host", payload)
	}

	assert.Equal(t, before, h.snapshot())
	assert.Len(t, h.statusLog(), statuses)
	assert.Equal(t, 0, h.tracking.appliedCount())
	assert.Empty(t, h.tracking.restartSeeds())
	assert.Equal(t, []string{"malformed", "malformed", "malformed", "malformed", "malformed"}, h.metrics.droppedReasons())
}

func TestCoordinator_ClientRelocalizesFromReceivedMap(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartClient(context.Background()))
	h.startTracking()
	h.connect("host")

	payload, err := envelope.EncodeMap(envelope.Map{SenderID: "host", Data: []byte("host-map")})
	require.NoError(t, err)
	h.receive("host", payload)

	assert.Equal(t, [][]byte{[]byte("host-map")}, h.tracking.restartSeeds())
	s := h.snapshot()
	assert.True(t, s.Sync.HasReceivedMap)
	assert.True(t, s.Relocalizing)
	assert.Equal(t, "Relocalizing to host map...", s.Status)
	assert.Equal(t, h.clock.Now(), s.Sync.SessionStartedAt)

	h.coord.OnTrackingSessionStarted(true)
	h.coord.OnMappingStatus(domain.MappingLimited)
	h.flush()
	assert.True(t, h.snapshot().Relocalizing)

	h.coord.OnMappingStatus(domain.MappingMapped)
	h.flush()
	s = h.snapshot()
	assert.False(t, s.Relocalizing)
	assert.True(t, s.Sync.HasReceivedMap)
	assert.Equal(t, "Relocalized to host map", s.Status)
}

func TestCoordinator_HostDropsIncomingMap(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()

	payload, err := envelope.EncodeMap(envelope.Map{SenderID: "other", Data: []byte("map")})
	require.NoError(t, err)
	h.receive("other", payload)

	assert.Empty(t, h.tracking.restartSeeds())
	assert.False(t, h.snapshot().Sync.HasReceivedMap)
	assert.Equal(t, []string{"unexpected_map"}, h.metrics.droppedReasons())
}

func TestCoordinator_ClientAdoptsHostAnchorAndSynchronizes(t *testing.T) {
	h := newHarness(t)
	h.tracking.setFrame(testFrame(geometry.Identity4()))
	require.NoError(t, h.coord.StartClient(context.Background()))
	h.startTracking()
	h.connect("host")

	h.coord.OnSceneEvent(remoteAnchorEvent(domain.ObjectAppeared, "host-anchor", geometry.Translation(0, 0, -1)))
	h.flush()

	s := h.snapshot()
	require.NotNil(t, s.Anchor)
	assert.True(t, s.Anchor.Adopted())
	assert.False(t, s.Synchronized)

	collab, err := envelope.EncodeCollaboration(envelope.Collaboration{SenderID: "host", Data: []byte("update")})
	require.NoError(t, err)
	h.receive("host", collab)

	s = h.snapshot()
	assert.Equal(t, 1, h.tracking.appliedCount())
	assert.True(t, s.Sync.HasExchangedCollabData)
	assert.True(t, s.Synchronized)
	appearance, _ := h.scene.appearance("host-anchor")
	assert.Equal(t, domain.AppearanceSynchronized, appearance)

	require.NoError(t, h.coord.RemoveAnchor(context.Background()))
	assert.NotNil(t, h.snapshot().Anchor)

	assert.ErrorIs(t, h.coord.PlaceAnchor(context.Background()), domain.ErrNotAnchorAuthor)
	assert.Equal(t, 0, h.scene.liveCount())
}

func TestCoordinator_HostCreatesAnchorOnInboundCollaboration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()
	h.connect("peer-a")

	collab, err := envelope.EncodeCollaboration(envelope.Collaboration{SenderID: "peer-a", Data: []byte("update")})
	require.NoError(t, err)
	h.receive("peer-a", collab)

	s := h.snapshot()
	assert.NotNil(t, s.Anchor)
	assert.True(t, s.Synchronized)
	assert.Equal(t, 1, h.scene.liveCount())
}

func TestCoordinator_RelaysLocalCollaboration(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()

	h.coord.OnCollaborationData([]byte("alone"), false)
	h.flush()
	assert.Empty(t, h.transport.sentOfKind(envelope.KindCollaboration))
	assert.False(t, h.snapshot().Sync.HasExchangedCollabData)

	h.connect("peer-a")
	h.coord.OnCollaborationData([]byte("routine"), false)
	h.coord.OnCollaborationData([]byte("critical"), true)
	h.flush()

	sent := h.transport.sentOfKind(envelope.KindCollaboration)
	require.Len(t, sent, 2)
	assert.Equal(t, domain.SendUnreliable, sent[0].mode)
	assert.Equal(t, domain.SendReliable, sent[1].mode)
	assert.True(t, h.snapshot().Sync.HasExchangedCollabData)
}

func TestCoordinator_FullTrackingRestartResetsSession(t *testing.T) {
	h := newHarness(t)
	h.hostWithSentMap("peer-a")
	epoch := h.snapshot().Epoch

	h.startTracking()

	s := h.snapshot()
	assert.Greater(t, s.Epoch, epoch)
	assert.False(t, s.Sync.HasSentMap)
	assert.False(t, s.Sync.HasExchangedCollabData)
	assert.Nil(t, s.Anchor)
	assert.Equal(t, h.clock.Now(), s.Sync.SessionStartedAt)
	assert.True(t, s.RetryPending)
}

func TestCoordinator_TrackingStopBlocksGate(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))
	h.startTracking()
	h.advance(200 * time.Millisecond)
	h.connect("peer-a")

	h.coord.OnTrackingSessionStopped()
	h.flush()
	h.advance(5 * time.Second)

	s := h.snapshot()
	assert.False(t, s.TrackingActive)
	assert.False(t, s.Sync.SessionStarted())
	assert.Empty(t, h.transport.sentOfKind(envelope.KindMap))
}

func TestCoordinator_CaptureWithoutAnchorDoesNotUpload(t *testing.T) {
	h := newHarness(t)
	h.tracking.setFrame(testFrame(geometry.Identity4()))

	h.coord.RequestCapture()
	h.flush()

	h.uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	assert.Equal(t, "Capture failed: no shared anchor placed", h.snapshot().Status)
	assert.Equal(t, []string{"precondition"}, h.metrics.captureResults())
}

func TestCoordinator_CaptureWithoutFrameDoesNotUpload(t *testing.T) {
	h := newHarness(t)

	h.coord.RequestCapture()
	h.flush()

	h.uploader.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything)
	assert.Equal(t, "Capture failed: no tracking frame available", h.snapshot().Status)
}

func TestCoordinator_CaptureUploadsRelativeToAnchor(t *testing.T) {
	h := newHarness(t, func(_ *CoordinatorConfig, deps *Dependencies) {
		deps.Orientation = fixedOrientation(geometry.OrientationPortrait)
	})
	h.tracking.setFrame(testFrame(geometry.Translation(0, 0, 1)))
	require.NoError(t, h.coord.PlaceAnchorAt(context.Background(), geometry.Translation(0, 0, -1)))

	h.uploader.On("Upload", mock.Anything, mock.MatchedBy(func(p domain.CapturePayload) bool {
		return p.Width == 240 && p.Height == 320 &&
			p.CameraToAnchor.ApproxEqual(geometry.Translation(0, 0, 2), 1e-9) &&
			p.Orientation == geometry.OrientationPortrait
	})).Return(domain.UploadResult{Acknowledged: true, StatusCode: 200, Frame: 7}, nil).Once()

	h.coord.RequestCapture()
	h.eventually(func(s Snapshot) bool { return s.Status == "Frame 7 uploaded" }, "capture did not finish")

	h.uploader.AssertExpectations(t)
	assert.False(t, h.snapshot().CaptureInFlight)
	assert.Equal(t, []string{"uploaded"}, h.metrics.captureResults())
}

func TestCoordinator_SecondCaptureWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t)
	h.tracking.setFrame(testFrame(geometry.Identity4()))
	require.NoError(t, h.coord.PlaceAnchorAt(context.Background(), geometry.Identity4()))

	release := make(chan struct{})
	h.uploader.On("Upload", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(domain.UploadResult{Acknowledged: true, Frame: 1}, nil).Once()

	h.coord.RequestCapture()
	h.coord.RequestCapture()
	h.flush()
	assert.Contains(t, h.statusLog(), "Capture already in progress")

	close(release)
	h.eventually(func(s Snapshot) bool { return s.Status == "Frame 1 uploaded" }, "capture did not finish")
	h.uploader.AssertNumberOfCalls(t, "Upload", 1)
}

func TestCoordinator_UploadOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result domain.UploadResult
		err    error
		want   string
	}{
		{
			name: "server error",
			err:  apperrors.Remote(500, "upload rejected"),
			want: "Upload failed: upload rejected (HTTP 500)",
		},
		{
			name: "transport error",
			err:  apperrors.Transport(errors.New("connection refused"), "could not reach frame server"),
			want: "Upload failed: could not reach frame server: connection refused",
		},
		{
			name:   "unrecognized reply",
			result: domain.UploadResult{StatusCode: 200},
			want:   "Upload finished but the server reply was not recognized",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.tracking.setFrame(testFrame(geometry.Identity4()))
			require.NoError(t, h.coord.PlaceAnchorAt(context.Background(), geometry.Identity4()))
			h.uploader.On("Upload", mock.Anything, mock.Anything).Return(tt.result, tt.err).Once()

			h.coord.RequestCapture()
			h.eventually(func(s Snapshot) bool { return !s.CaptureInFlight && s.Status != "Capturing frame" }, "capture did not finish")

			assert.Equal(t, tt.want, h.snapshot().Status)
		})
	}
}

func TestCoordinator_StartHostFailureReportsStatus(t *testing.T) {
	h := newHarness(t)
	h.transport.advertiseErr = errors.New("port in use")

	err := h.coord.StartHost(context.Background())

	require.Error(t, err)
	s := h.snapshot()
	assert.Equal(t, domain.RoleIdle, s.Role)
	assert.Equal(t, "could not start hosting: port in use", s.Status)
}

func TestCoordinator_StopLeavesRole(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.StartHost(context.Background()))

	h.stop()

	assert.Equal(t, []string{"advertise", "stop_advertise", "disconnect_all"}, h.transport.callLog())
	assert.ErrorIs(t, h.coord.StartClient(context.Background()), ErrCoordinatorStopped)
	_, err := h.coord.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrCoordinatorStopped)
}
