package services

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/infrastructure/peer"
	"spatialsync/internal/infrastructure/scene"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/envelope"
	"spatialsync/pkg/geometry"
)

type silentDiscovery struct{}

func (silentDiscovery) Register(string, int, []string) (func(), error) { return func() {}, nil }

func (silentDiscovery) Browse(context.Context, func(peer.Endpoint)) error { return nil }

func newSceneHarness(t *testing.T) *harness {
	t.Helper()
	memory := scene.NewMemoryScene(clock.Real(), time.Hour, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	go memory.Run(ctx)
	t.Cleanup(cancel)

	return newHarness(t, func(_ *CoordinatorConfig, deps *Dependencies) { deps.Scene = memory })
}

func hostAnchorEntity(t *testing.T, pose geometry.Matrix4) []byte {
	t.Helper()
	payload, err := envelope.EncodeEntity(envelope.Entity{
		SenderID:  "host",
		Op:        envelope.EntityUpsert,
		ObjectID:  "host-anchor",
		Signature: testSignature,
		Pose:      pose.ColumnMajor(),
	})
	require.NoError(t, err)
	return payload
}

func TestCoordinator_ClientKeepsAdoptedAnchorAcrossMapReceive(t *testing.T) {
	h := newSceneHarness(t)
	h.tracking.setFrame(testFrame(geometry.Identity4()))
	require.NoError(t, h.coord.StartClient(context.Background()))
	h.startTracking()
	h.connect("host")

	announce := hostAnchorEntity(t, geometry.Translation(0, 0, -1))
	h.receive("host", announce)
	h.eventually(func(s Snapshot) bool { return s.Anchor != nil }, "client should adopt the host anchor")

	hostMap, err := envelope.EncodeMap(envelope.Map{SenderID: "host", Data: []byte("host-map")})
	require.NoError(t, err)
	h.receive("host", hostMap)

	s := h.snapshot()
	require.NotNil(t, s.Anchor)
	assert.Equal(t, domain.ObjectID("host-anchor"), s.Anchor.ObjectID)
	assert.True(t, s.Sync.HasReceivedMap)

	for i := 0; i < 3; i++ {
		h.receive("host", announce)
	}
	collab, err := envelope.EncodeCollaboration(envelope.Collaboration{SenderID: "host", Data: []byte("update")})
	require.NoError(t, err)
	h.receive("host", collab)

	s = h.snapshot()
	require.NotNil(t, s.Anchor)
	assert.True(t, s.Synchronized)
}

func TestCoordinator_RejoiningClientReadoptsAnchorFromScene(t *testing.T) {
	h := newSceneHarness(t)
	require.NoError(t, h.coord.StartClient(context.Background()))
	h.startTracking()
	h.connect("host")

	h.receive("host", hostAnchorEntity(t, geometry.Translation(0, 0, -1)))
	h.eventually(func(s Snapshot) bool { return s.Anchor != nil }, "client should adopt the host anchor")

	require.NoError(t, h.coord.StopClient(context.Background()))
	assert.Nil(t, h.snapshot().Anchor)

	require.NoError(t, h.coord.StartClient(context.Background()))
	s := h.snapshot()
	require.NotNil(t, s.Anchor)
	assert.Equal(t, domain.ObjectID("host-anchor"), s.Anchor.ObjectID)
	assert.True(t, s.Anchor.Adopted())
}

func TestCoordinator_StopHostWithTransportDoesNotBlock(t *testing.T) {
	cfg := peer.DefaultConfig("host-1")
	cfg.ListenAddress = "127.0.0.1:0"
	transport := peer.NewTransport(cfg, silentDiscovery{}, zap.NewNop().Sugar())

	h := newHarness(t, func(c *CoordinatorConfig, deps *Dependencies) {
		c.InboxSize = 1
		deps.Transport = transport
	})
	require.NoError(t, h.coord.StartHost(context.Background()))

	for i := 0; i < 4; i++ {
		target := url.URL{Scheme: "ws", Host: transport.Addr(), Path: "/peer", RawQuery: url.Values{"peer_id": {fmt.Sprintf("client-%d", i)}}.Encode()}
		conn, _, err := websocket.DefaultDialer.Dial(target.String(), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
	}
	h.eventually(func(s Snapshot) bool { return len(s.Peers) == 4 }, "host should see every client")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.coord.StopHost(ctx))

	s, err := h.coord.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleIdle, s.Role)
	h.eventually(func(s Snapshot) bool { return len(s.Peers) == 0 }, "disconnects should drain into the coordinator")
}
