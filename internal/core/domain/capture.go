package domain

import (
	"spatialsync/pkg/geometry"
)

// CapturePayload is one annotated frame ready for upload. It is immutable
// once built.
type CapturePayload struct {
	Intrinsics     geometry.Matrix3
	CameraToAnchor geometry.Matrix4
	ImageBytes     []byte
	Width          int
	Height         int
	Orientation    geometry.Orientation
	Depth          []byte
	DepthInfo      *DepthInfo
}

// DepthInfo describes the optional depth part of an upload.
type DepthInfo struct {
	Width               int    `json:"width"`
	Height              int    `json:"height"`
	BytesPerRow         int    `json:"bytes_per_row"`
	BytesPerElement     int    `json:"bytes_per_element"`
	PixelFormat         string `json:"pixel_format"`
	Units               string `json:"units"`
	Type                string `json:"type"`
	ConfidenceAvailable bool   `json:"confidence_available"`
}

// CaptureMetadata is the JSON `metadata` part of an upload.
type CaptureMetadata struct {
	Intrinsics  []float64  `json:"intrinsics"`
	Extrinsics  []float64  `json:"extrinsics"`
	ImageSize   int        `json:"image_size"`
	ImageWidth  int        `json:"image_width"`
	ImageHeight int        `json:"image_height"`
	Orientation string     `json:"orientation"`
	DepthInfo   *DepthInfo `json:"depth_info,omitempty"`
}

// Metadata flattens the payload for the wire: intrinsics row-major,
// extrinsics column-major.
func (p CapturePayload) Metadata() CaptureMetadata {
	return CaptureMetadata{
		Intrinsics:  p.Intrinsics.RowMajor(),
		Extrinsics:  p.CameraToAnchor.ColumnMajor(),
		ImageSize:   len(p.ImageBytes),
		ImageWidth:  p.Width,
		ImageHeight: p.Height,
		Orientation: p.Orientation.String(),
		DepthInfo:   p.DepthInfo,
	}
}

// UploadResult is the outcome of one upload the server answered with 200.
type UploadResult struct {
	// Acknowledged is true when the body carried status "received".
	// Otherwise the upload is an ambiguous success.
	Acknowledged bool
	StatusCode   int
	Frame        int
	DepthSaved   bool
	Message      string
}
