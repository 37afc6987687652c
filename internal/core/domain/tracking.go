package domain

import (
	"image"
	"time"

	"spatialsync/pkg/geometry"
)

// TrackingFrame is one snapshot from the tracking capability. Image is the
// raw sensor buffer in the sensor's fixed landscape layout.
type TrackingFrame struct {
	Timestamp       time.Time
	CameraTransform geometry.Matrix4
	Intrinsics      geometry.Matrix3
	Image           image.Image
	Depth           *DepthFrame
}

// Dimensions returns the raw image size.
func (f TrackingFrame) Dimensions() (width, height int) {
	if f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// DepthFrame is a scene depth map of little-endian float32 meters.
type DepthFrame struct {
	Width       int
	Height      int
	BytesPerRow int
	Data        []byte
	Confidence  bool
}

// MappingStatus is the tracking capability's view of its map coverage.
type MappingStatus int

const (
	MappingNotAvailable MappingStatus = iota
	MappingLimited
	MappingExtending
	MappingMapped
)

func (m MappingStatus) String() string {
	switch m {
	case MappingLimited:
		return "limited"
	case MappingExtending:
		return "extending"
	case MappingMapped:
		return "mapped"
	default:
		return "not_available"
	}
}

// Adequate reports whether relocalization has enough coverage to finish.
func (m MappingStatus) Adequate() bool {
	return m == MappingExtending || m == MappingMapped
}
