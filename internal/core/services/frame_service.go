package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/jpegexif"
	"spatialsync/pkg/tracing"
)

const frameTimestampLayout = "20060102_150405"

// FrameService persists uploaded frames on the ingest server.
type FrameService struct {
	counters ports.FrameCounterRepository
	storage  ports.FrameStorage
	metrics  ports.IngestMetrics
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func NewFrameService(
	counters ports.FrameCounterRepository,
	storage ports.FrameStorage,
	metrics ports.IngestMetrics,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *FrameService {
	if clk == nil {
		clk = clock.Real()
	}
	return &FrameService{
		counters: counters,
		storage:  storage,
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
	}
}

// Receive numbers the upload for its client and writes the image, the
// optional depth map and the annotated metadata next to each other.
func (s *FrameService) Receive(ctx context.Context, upload domain.FrameUpload) (domain.StoredFrame, error) {
	if len(upload.Image) == 0 {
		return domain.StoredFrame{}, apperrors.NewInvalidInputError("Empty image file")
	}

	number, err := s.counters.Next(ctx, upload.ClientID)
	if err != nil {
		return domain.StoredFrame{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not assign frame number", http.StatusInternalServerError)
	}

	ctx, span := tracing.TraceIngest(ctx, string(upload.ClientID), number)
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.BytesKey.Int(len(upload.Image)+len(upload.Depth)))

	receivedAt := upload.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock.Now()
	}
	base := fmt.Sprintf("frame_%04d_%s", number, receivedAt.Format(frameTimestampLayout))
	stored := domain.StoredFrame{
		ClientID:  upload.ClientID,
		Number:    number,
		Timestamp: receivedAt,
		ImageFile: base + ".jpg",
	}

	if _, err := s.storage.Save(ctx, stored.ImageFile, upload.Image); err != nil {
		return domain.StoredFrame{}, storageError(ctx, err)
	}
	s.logger.Infow("Saved image", "client_id", upload.ClientID, "file", stored.ImageFile)

	if len(upload.Depth) > 0 {
		stored.DepthFile = base + "_depth.bin"
		if _, err := s.storage.Save(ctx, stored.DepthFile, upload.Depth); err != nil {
			return domain.StoredFrame{}, storageError(ctx, err)
		}
		s.logger.Infow("Saved depth map", "client_id", upload.ClientID, "file", stored.DepthFile)
	}

	metadata := AnnotateMetadata(upload.Metadata, stored)
	encoded, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return domain.StoredFrame{}, apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not encode metadata", http.StatusInternalServerError)
	}
	stored.MetadataFile = base + "_metadata.json"
	if _, err := s.storage.Save(ctx, stored.MetadataFile, encoded); err != nil {
		return domain.StoredFrame{}, storageError(ctx, err)
	}
	s.logger.Infow("Saved metadata", "client_id", upload.ClientID, "file", stored.MetadataFile)

	if s.metrics != nil {
		s.metrics.FrameReceived(stored.DepthSaved(), len(upload.Image), len(upload.Depth))
	}
	s.logCameraSummary(upload, metadata)
	return stored, nil
}

func storageError(ctx context.Context, err error) error {
	tracing.RecordError(ctx, err)
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not store frame", http.StatusInternalServerError)
}

// AnnotateMetadata returns a copy of metadata with a 16-element extrinsics
// list re-flattened column-major and `_server` naming the saved files.
func AnnotateMetadata(metadata map[string]any, stored domain.StoredFrame) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}

	if list, ok := out["extrinsics"].([]any); ok {
		if flipped, ok := ReflattenExtrinsics(list); ok {
			out["extrinsics"] = flipped
		}
	}

	server, ok := out["_server"].(map[string]any)
	if !ok {
		server = make(map[string]any)
	} else {
		copied := make(map[string]any, len(server)+2)
		for k, v := range server {
			copied[k] = v
		}
		server = copied
	}
	server["image_file"] = stored.ImageFile
	if stored.DepthFile != "" {
		server["depth_file"] = stored.DepthFile
	}
	out["_server"] = server
	return out
}

// ReflattenExtrinsics reads a 16-element list as a row-major 4x4 matrix
// and flattens it column-major. Other lengths are left alone.
func ReflattenExtrinsics(list []any) ([]any, bool) {
	if len(list) != 16 {
		return nil, false
	}
	out := make([]any, 16)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[c*4+r] = list[r*4+c]
		}
	}
	return out, true
}

// DepthStatistics summarizes the finite little-endian float32 values of a
// width x height depth map.
func DepthStatistics(data []byte, width, height, bytesPerElement int) (domain.DepthStats, error) {
	if bytesPerElement <= 0 {
		bytesPerElement = 4
	}
	if bytesPerElement != 4 {
		return domain.DepthStats{}, fmt.Errorf("unsupported depth element size %d", bytesPerElement)
	}
	if width <= 0 || height <= 0 {
		return domain.DepthStats{}, fmt.Errorf("invalid depth dimensions %dx%d", width, height)
	}
	// Compared by division so hostile dimensions cannot overflow.
	available := len(data) / bytesPerElement
	if width > available || height > available/width {
		return domain.DepthStats{}, fmt.Errorf("depth data size (%d) smaller than %dx%d elements of %d bytes", len(data), width, height, bytesPerElement)
	}
	elements := width * height

	stats := domain.DepthStats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for i := 0; i < elements; i++ {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		stats.Count++
		sum += v
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	if stats.Count == 0 {
		return domain.DepthStats{}, nil
	}
	stats.Mean = sum / float64(stats.Count)
	return stats, nil
}

func (s *FrameService) logCameraSummary(upload domain.FrameUpload, metadata map[string]any) {
	fields := []any{"client_id", upload.ClientID, "image_bytes", len(upload.Image)}

	if k, ok := floats(metadata["intrinsics"]); ok && len(k) == 9 {
		fields = append(fields, "fx", k[0], "fy", k[4], "cx", k[2], "cy", k[5])
	}
	if e, ok := floats(metadata["extrinsics"]); ok && len(e) == 16 {
		fields = append(fields, "translation", []float64{e[3], e[7], e[11]})
	}
	if w, ok := number(metadata["image_width"]); ok {
		if h, ok := number(metadata["image_height"]); ok {
			fields = append(fields, "image_dimensions", fmt.Sprintf("%dx%d", int(w), int(h)))
		}
	}
	if orientation, ok := jpegexif.Orientation(upload.Image); ok {
		fields = append(fields, "exif_orientation", orientation)
	}

	if len(upload.Depth) > 0 {
		fields = append(fields, "depth_bytes", len(upload.Depth))
		info, ok := metadata["depth_info"].(map[string]any)
		if !ok {
			info, ok = metadata["depth"].(map[string]any)
		}
		if ok {
			stats, err := DepthStatistics(upload.Depth, dimension(info["width"]), dimension(info["height"]), dimension(info["bytes_per_element"]))
			switch {
			case err != nil:
				s.logger.Warnw("Failed to compute depth statistics", "client_id", upload.ClientID, "error", err)
			case stats.Count > 0:
				fields = append(fields, "depth_min", stats.Min, "depth_max", stats.Max, "depth_mean", stats.Mean)
			}
		}
	}

	s.logger.Infow("Received frame", fields...)
}

// dimension converts a JSON number to an int, mapping anything outside
// [0, MaxInt32] to 0.
func dimension(v any) int {
	n, ok := number(v)
	if !ok || math.IsNaN(n) || n < 0 || n > math.MaxInt32 {
		return 0
	}
	return int(n)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func floats(v any) ([]float64, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float64, len(list))
	for i, item := range list {
		f, ok := number(item)
		if !ok {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
