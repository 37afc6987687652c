package services

import (
	"context"
	"fmt"

	"spatialsync/internal/core/domain"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/geometry"
	"spatialsync/pkg/jpegexif"
)

// CaptureSnapshot is the immutable input of one capture, taken on the
// coordinator goroutine.
type CaptureSnapshot struct {
	Frame       domain.TrackingFrame
	AnchorPose  geometry.Matrix4
	Orientation geometry.Orientation
}

// CapturePipeline turns a snapshot into an upload payload. Build has no
// shared state and runs off the coordinator goroutine.
type CapturePipeline struct {
	quality int
}

func NewCapturePipeline(jpegQuality int) *CapturePipeline {
	return &CapturePipeline{quality: jpegQuality}
}

func (p *CapturePipeline) Build(s CaptureSnapshot) (domain.CapturePayload, error) {
	width, height := s.Frame.Dimensions()
	if width == 0 || height == 0 {
		return domain.CapturePayload{}, apperrors.Precondition(domain.ErrNoTrackingFrame, "captured image is empty")
	}

	finalWidth, finalHeight, intrinsics := geometry.AdjustIntrinsics(width, height, s.Frame.Intrinsics, s.Orientation)

	extrinsics, err := geometry.RelativeTransform(s.AnchorPose, s.Frame.CameraTransform)
	if err != nil {
		return domain.CapturePayload{}, apperrors.Serialization(err, "anchor transform is not invertible")
	}

	image, err := jpegexif.Encode(s.Frame.Image, p.quality, s.Orientation.EXIFOrientation())
	if err != nil {
		return domain.CapturePayload{}, apperrors.Serialization(err, "could not encode captured image")
	}

	payload := domain.CapturePayload{
		Intrinsics:     intrinsics,
		CameraToAnchor: extrinsics,
		ImageBytes:     image,
		Width:          finalWidth,
		Height:         finalHeight,
		Orientation:    s.Orientation,
	}

	if d := s.Frame.Depth; d != nil && len(d.Data) > 0 {
		payload.Depth = d.Data
		payload.DepthInfo = &domain.DepthInfo{
			Width:               d.Width,
			Height:              d.Height,
			BytesPerRow:         d.BytesPerRow,
			BytesPerElement:     4,
			PixelFormat:         "float32",
			Units:               "meters",
			Type:                "sceneDepth",
			ConfidenceAvailable: d.Confidence,
		}
	}
	return payload, nil
}

func (c *Coordinator) startCapture() {
	if c.captureInFlight {
		c.metrics.Capture("busy")
		c.setStatus("Capture already in progress")
		return
	}

	frame, ok := c.tracking.CurrentFrame()
	if !ok {
		c.metrics.Capture("precondition")
		c.setStatus(describe(apperrors.Precondition(domain.ErrNoTrackingFrame, "Capture failed")))
		return
	}
	anchor, ok := c.anchors.Current()
	if !ok {
		c.metrics.Capture("precondition")
		c.setStatus(describe(apperrors.Precondition(domain.ErrNoAnchor, "Capture failed")))
		return
	}

	orientation := geometry.OrientationUnknown
	if c.orientation != nil {
		orientation = c.orientation.Orientation()
	}
	snapshot := CaptureSnapshot{
		Frame:       frame,
		AnchorPose:  anchor.Pose,
		Orientation: orientation,
	}

	c.captureInFlight = true
	c.setStatus("Capturing frame")
	ctx := c.runCtx
	go func() {
		c.post(c.runCapture(ctx, snapshot))
	}()
}

// runCapture builds and uploads one payload off the coordinator goroutine.
func (c *Coordinator) runCapture(ctx context.Context, snapshot CaptureSnapshot) captureFinished {
	payload, err := c.pipeline.Build(snapshot)
	if err != nil {
		return captureFinished{stage: "build", err: err}
	}

	start := c.clock.Now()
	result, err := c.uploader.Upload(ctx, payload)
	c.metrics.UploadDuration(c.clock.Now().Sub(start))
	return captureFinished{stage: "upload", result: result, err: err}
}

func (c *Coordinator) finishCapture(m captureFinished) {
	c.captureInFlight = false

	switch {
	case m.err != nil && m.stage == "build":
		c.metrics.Capture("build_failed")
		c.logger.Warnw("Capture failed", "error", m.err)
		c.setStatus("Capture failed: " + describe(m.err))
	case m.err != nil:
		c.metrics.Capture("upload_failed")
		c.logger.Warnw("Upload failed", "error", m.err)
		c.setStatus("Upload failed: " + describe(m.err))
	case m.result.Acknowledged:
		c.metrics.Capture("uploaded")
		c.setStatus(fmt.Sprintf("Frame %d uploaded", m.result.Frame))
	default:
		c.metrics.Capture("ambiguous")
		c.setStatus("Upload finished but the server reply was not recognized")
	}
}
