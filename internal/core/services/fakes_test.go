package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/envelope"
	"spatialsync/pkg/geometry"
)

type fakeTracking struct {
	mu         sync.Mutex
	sink       ports.TrackingSink
	frame      *domain.TrackingFrame
	envMap     []byte
	mapErr     error
	restartErr error
	restarts   [][]byte
	applied    [][]byte
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{envMap: []byte("environment-map")}
}

func (f *fakeTracking) CurrentFrame() (domain.TrackingFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame == nil {
		return domain.TrackingFrame{}, false
	}
	return *f.frame, true
}

func (f *fakeTracking) CurrentEnvironmentMap(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envMap, f.mapErr
}

func (f *fakeTracking) Restart(seed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, seed)
	return f.restartErr
}

func (f *fakeTracking) Apply(update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, update)
	return nil
}

func (f *fakeTracking) Subscribe(sink ports.TrackingSink) { f.sink = sink }

func (f *fakeTracking) setFrame(frame domain.TrackingFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = &frame
}

func (f *fakeTracking) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeTracking) restartSeeds() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.restarts...)
}

type fakeScene struct {
	mu          sync.Mutex
	sink        ports.SceneSink
	next        int
	objects     map[domain.ObjectID]domain.SceneObject
	removed     []domain.ObjectID
	appearances map[domain.ObjectID]domain.Appearance
	placeErr    error
}

func newFakeScene() *fakeScene {
	return &fakeScene{
		objects:     make(map[domain.ObjectID]domain.SceneObject),
		appearances: make(map[domain.ObjectID]domain.Appearance),
	}
}

func (f *fakeScene) Place(signature string, pose geometry.Matrix4, authoritative bool) (domain.ObjectID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.next++
	id := domain.ObjectID(fmt.Sprintf("obj-%d", f.next))
	f.objects[id] = domain.SceneObject{ID: id, Signature: signature, Pose: pose, Ownership: domain.LocallyOwned}
	return id, nil
}

func (f *fakeScene) Remove(id domain.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[id]; !ok {
		return errors.New("unknown object")
	}
	delete(f.objects, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeScene) SetAppearance(id domain.ObjectID, appearance domain.Appearance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appearances[id] = appearance
	return nil
}

func (f *fakeScene) Objects() []domain.SceneObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SceneObject, 0, len(f.objects))
	for _, o := range f.objects {
		out = append(out, o)
	}
	return out
}

func (f *fakeScene) ApplyRemote(from domain.PeerID, entity envelope.Entity) error { return nil }

func (f *fakeScene) Subscribe(sink ports.SceneSink) { f.sink = sink }

func (f *fakeScene) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeScene) appearance(id domain.ObjectID) (domain.Appearance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.appearances[id]
	return a, ok
}

func (f *fakeScene) removedIDs() []domain.ObjectID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ObjectID(nil), f.removed...)
}

type sentPayload struct {
	at      time.Time
	kind    envelope.Kind
	to      []domain.PeerID
	mode    domain.SendMode
	payload []byte
}

type fakeTransport struct {
	mu           sync.Mutex
	clock        clock.Clock
	sink         ports.TransportSink
	calls        []string
	advertising  bool
	browsing     bool
	advertiseErr error
	browseErr    error
	sendErr      error
	sent         []sentPayload
}

func newFakeTransport(c clock.Clock) *fakeTransport { return &fakeTransport{clock: c} }

func (f *fakeTransport) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeTransport) Advertise(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("advertise")
	if f.advertiseErr != nil {
		return f.advertiseErr
	}
	f.advertising = true
	return nil
}

func (f *fakeTransport) StopAdvertise() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop_advertise")
	f.advertising = false
}

func (f *fakeTransport) Browse(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("browse")
	if f.browseErr != nil {
		return f.browseErr
	}
	f.browsing = true
	return nil
}

func (f *fakeTransport) StopBrowse() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop_browse")
	f.browsing = false
}

func (f *fakeTransport) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect_all")
}

func (f *fakeTransport) Send(payload []byte, to []domain.PeerID, mode domain.SendMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var kind envelope.Kind
	if len(payload) > 0 {
		kind = envelope.Kind(payload[0])
	}
	f.sent = append(f.sent, sentPayload{at: f.clock.Now(), kind: kind, to: to, mode: mode, payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(sink ports.TransportSink) { f.sink = sink }

func (f *fakeTransport) sentOfKind(kind envelope.Kind) []sentPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPayload
	for _, s := range f.sent {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	dropped  []string
	captures []string
	mapsSent map[bool]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{mapsSent: make(map[bool]int)}
}

func (m *recordingMetrics) SetPeers(int) {}
func (m *recordingMetrics) SetSynchronized(bool) {}
func (m *recordingMetrics) SetRole(domain.Role) {}
func (m *recordingMetrics) MapReceived() {}
func (m *recordingMetrics) CollaborationMessage(string) {}
func (m *recordingMetrics) UploadDuration(time.Duration) {}

func (m *recordingMetrics) MapSent(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapsSent[success]++
}

func (m *recordingMetrics) PayloadDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func (m *recordingMetrics) Capture(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = append(m.captures, result)
}

func (m *recordingMetrics) droppedReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dropped...)
}

func (m *recordingMetrics) captureResults() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.captures...)
}

type mockUploader struct {
	mock.Mock
}

func (m *mockUploader) Upload(ctx context.Context, payload domain.CapturePayload) (domain.UploadResult, error) {
	args := m.Called(ctx, payload)
	return args.Get(0).(domain.UploadResult), args.Error(1)
}

type fixedOrientation geometry.Orientation

func (o fixedOrientation) Orientation() geometry.Orientation { return geometry.Orientation(o) }

func testFrame(camera geometry.Matrix4) domain.TrackingFrame {
	return domain.TrackingFrame{
		Timestamp:       time.Unix(0, 0),
		CameraTransform: camera,
		Intrinsics:      geometry.Intrinsics(500, 500, 160, 120),
		Image:           image.NewYCbCr(image.Rect(0, 0, 320, 240), image.YCbCrSubsampleRatio420),
	}
}
