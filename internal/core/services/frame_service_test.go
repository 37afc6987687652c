package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/clock"
	apperrors "spatialsync/pkg/errors"
)

type memoryCounters struct {
	mu     sync.Mutex
	counts map[domain.ClientID]int
}

func (m *memoryCounters) Next(ctx context.Context, client domain.ClientID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[domain.ClientID]int)
	}
	m.counts[client]++
	return m.counts[client], nil
}

func (m *memoryCounters) Current(ctx context.Context, client domain.ClientID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[client], nil
}

func (m *memoryCounters) Reset(ctx context.Context, client domain.ClientID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, client)
	return nil
}

type memoryStorage struct {
	files   map[string][]byte
	failFor string
}

func (m *memoryStorage) Save(ctx context.Context, name string, data []byte) (string, error) {
	if m.failFor != "" && strings.HasSuffix(name, m.failFor) {
		return "", errors.New("disk full")
	}
	if m.files == nil {
		m.files = make(map[string][]byte)
	}
	m.files[name] = data
	return "/frames/" + name, nil
}

func (m *memoryStorage) Dir() string { return "/frames" }

type countingIngestMetrics struct {
	received   int
	withDepth  int
	imageBytes int
}

func (m *countingIngestMetrics) FrameReceived(depth bool, imageBytes, depthBytes int) {
	m.received++
	m.imageBytes += imageBytes
	if depth {
		m.withDepth++
	}
}
func (m *countingIngestMetrics) FrameRejected(string) {}
func (m *countingIngestMetrics) TriggerBroadcast(int) {}
func (m *countingIngestMetrics) SetTriggerClients(int) {}

func newTestFrameService() (*FrameService, *memoryStorage, *countingIngestMetrics) {
	storage := &memoryStorage{}
	metrics := &countingIngestMetrics{}
	clk := clock.Fake(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	return NewFrameService(&memoryCounters{}, storage, metrics, clk, zap.NewNop().Sugar()), storage, metrics
}

func columnMajorTranslation(x, y, z float64) []any {
	return []any{
		1.0, 0.0, 0.0, 0.0,
		0.0, 1.0, 0.0, 0.0,
		0.0, 0.0, 1.0, 0.0,
		x, y, z, 1.0,
	}
}

func TestFrameService_NumbersFramesPerClient(t *testing.T) {
	svc, storage, _ := newTestFrameService()
	ctx := context.Background()

	first, err := svc.Receive(ctx, domain.FrameUpload{ClientID: "10.0.0.2:5000", Metadata: map[string]any{}, Image: []byte("jpeg")})
	require.NoError(t, err)
	second, err := svc.Receive(ctx, domain.FrameUpload{ClientID: "10.0.0.2:5000", Metadata: map[string]any{}, Image: []byte("jpeg")})
	require.NoError(t, err)
	other, err := svc.Receive(ctx, domain.FrameUpload{ClientID: "10.0.0.3:5000", Metadata: map[string]any{}, Image: []byte("jpeg")})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Number)
	assert.Equal(t, 2, second.Number)
	assert.Equal(t, 1, other.Number)
	assert.Equal(t, "frame_0001_20260304_050607.jpg", first.ImageFile)
	assert.Equal(t, "frame_0001_20260304_050607_metadata.json", first.MetadataFile)
	assert.False(t, first.DepthSaved())
	assert.Contains(t, storage.files, "frame_0002_20260304_050607.jpg")
}

func TestFrameService_SavesDepthAndAnnotatedMetadata(t *testing.T) {
	svc, storage, metrics := newTestFrameService()

	stored, err := svc.Receive(context.Background(), domain.FrameUpload{
		ClientID: "10.0.0.2:5000",
		Metadata: map[string]any{
			"intrinsics": []any{500.0, 0.0, 160.0, 0.0, 500.0, 120.0, 0.0, 0.0, 1.0},
			"extrinsics": columnMajorTranslation(1, 2, 3),
			"_server":    map[string]any{"note": "kept"},
		},
		Image: []byte("jpeg"),
		Depth: make([]byte, 16),
	})
	require.NoError(t, err)

	assert.True(t, stored.DepthSaved())
	assert.Equal(t, "frame_0001_20260304_050607_depth.bin", stored.DepthFile)
	assert.Len(t, storage.files[stored.DepthFile], 16)
	assert.Equal(t, 1, metrics.withDepth)

	var saved map[string]any
	require.NoError(t, json.Unmarshal(storage.files[stored.MetadataFile], &saved))

	extrinsics := saved["extrinsics"].([]any)
	require.Len(t, extrinsics, 16)
	assert.Equal(t, 1.0, extrinsics[3])
	assert.Equal(t, 2.0, extrinsics[7])
	assert.Equal(t, 3.0, extrinsics[11])
	assert.Equal(t, 0.0, extrinsics[12])

	server := saved["_server"].(map[string]any)
	assert.Equal(t, stored.ImageFile, server["image_file"])
	assert.Equal(t, stored.DepthFile, server["depth_file"])
	assert.Equal(t, "kept", server["note"])
}

func TestFrameService_RejectsEmptyImage(t *testing.T) {
	svc, storage, _ := newTestFrameService()

	_, err := svc.Receive(context.Background(), domain.FrameUpload{ClientID: "c", Metadata: map[string]any{}})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	assert.Empty(t, storage.files)
}

func TestFrameService_StorageFailureIsInternal(t *testing.T) {
	svc, storage, metrics := newTestFrameService()
	storage.failFor = "_metadata.json"

	_, err := svc.Receive(context.Background(), domain.FrameUpload{ClientID: "c", Metadata: map[string]any{}, Image: []byte("jpeg")})

	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, 500, appErr.HTTPStatus)
	assert.Equal(t, 0, metrics.received)
}

func TestReflattenExtrinsics(t *testing.T) {
	rowMajor := make([]any, 16)
	for i := range rowMajor {
		rowMajor[i] = float64(i)
	}

	out, ok := ReflattenExtrinsics(rowMajor)
	require.True(t, ok)
	assert.Equal(t, []any{0.0, 4.0, 8.0, 12.0, 1.0, 5.0, 9.0, 13.0, 2.0, 6.0, 10.0, 14.0, 3.0, 7.0, 11.0, 15.0}, out)

	_, ok = ReflattenExtrinsics(rowMajor[:12])
	assert.False(t, ok)
}

func TestAnnotateMetadata_LeavesShortExtrinsicsAlone(t *testing.T) {
	in := map[string]any{"extrinsics": []any{1.0, 2.0, 3.0}}

	out := AnnotateMetadata(in, domain.StoredFrame{ImageFile: "a.jpg"})

	assert.Equal(t, []any{1.0, 2.0, 3.0}, out["extrinsics"])
	assert.NotContains(t, in, "_server")
	assert.Equal(t, map[string]any{"image_file": "a.jpg"}, out["_server"])
}

func TestDepthStatistics(t *testing.T) {
	values := []float32{1.5, float32(math.NaN()), 0.5, float32(math.Inf(1)), 2.5, 1.5}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}

	stats, err := DepthStatistics(data, 3, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 0.5, stats.Min)
	assert.Equal(t, 2.5, stats.Max)
	assert.InDelta(t, 1.5, stats.Mean, 1e-9)

	_, err = DepthStatistics(data[:8], 3, 2, 4)
	assert.Error(t, err)
}

func TestDepthStatistics_HostileDimensions(t *testing.T) {
	data := make([]byte, 16)

	for _, dims := range [][2]int{{1 << 31, 1 << 31}, {1 << 62, 4}, {4, 1 << 62}, {5, 1}, {1, 5}} {
		_, err := DepthStatistics(data, dims[0], dims[1], 4)
		assert.Error(t, err, "dimensions %dx%d", dims[0], dims[1])
	}

	stats, err := DepthStatistics(data, 2, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
}

func TestFrameService_HostileDepthInfoStillReceived(t *testing.T) {
	svc, storage, _ := newTestFrameService()

	stored, err := svc.Receive(context.Background(), domain.FrameUpload{
		ClientID: "10.0.0.2:5000",
		Metadata: map[string]any{
			"depth_info": map[string]any{"width": float64(1 << 31), "height": float64(1 << 31), "bytes_per_element": 4.0},
		},
		Image: []byte("jpeg"),
		Depth: make([]byte, 16),
	})

	require.NoError(t, err)
	assert.True(t, stored.DepthSaved())
	assert.Contains(t, storage.files, stored.MetadataFile)
}
