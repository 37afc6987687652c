package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/internal/infrastructure/monitoring"
	apperrors "spatialsync/pkg/errors"
)

// FrameReceiver stores one upload and reports where it went.
type FrameReceiver interface {
	Receive(ctx context.Context, upload domain.FrameUpload) (domain.StoredFrame, error)
}

// ReadinessChecker runs the dependency checks behind /ready.
type ReadinessChecker interface {
	CheckAll(ctx context.Context) monitoring.HealthStatus
}

type FrameHandler struct {
	frames    FrameReceiver
	readiness ReadinessChecker
	metrics   ports.IngestMetrics
	maxBytes  int64
	logger    *zap.SugaredLogger
}

var _ ports.FrameHTTPHandler = (*FrameHandler)(nil)

// NewFrameHandler builds the upload endpoints. readiness and metrics may be
// nil; maxBytes <= 0 leaves request bodies unbounded.
func NewFrameHandler(frames FrameReceiver, readiness ReadinessChecker, metrics ports.IngestMetrics, maxBytes int64, logger *zap.SugaredLogger) *FrameHandler {
	return &FrameHandler{
		frames:    frames,
		readiness: readiness,
		metrics:   metrics,
		maxBytes:  maxBytes,
		logger:    logger,
	}
}

// SetupRoutes registers the frame endpoints. Extra handlers such as
// authentication run before UploadFrame only.
func (h *FrameHandler) SetupRoutes(router gin.IRouter, uploadMiddleware ...gin.HandlerFunc) {
	router.POST("/upload_frame", append(uploadMiddleware, h.UploadFrame)...)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

// The form is read field by field so each missing part gets its own message.
func (h *FrameHandler) UploadFrame(c *gin.Context) {
	clientID := remoteClientID(c.Request)

	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(c, clientID, http.StatusRequestEntityTooLarge, "too_large", "Upload too large")
			return
		}
		h.reject(c, clientID, http.StatusBadRequest, "malformed", fmt.Sprintf("Invalid form: %v", err))
		return
	}

	form := c.Request.MultipartForm
	raw, ok := formValue(form, "metadata")
	if !ok {
		h.reject(c, clientID, http.StatusBadRequest, "no_metadata", "No metadata provided")
		return
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		h.logger.Warnw("Error parsing JSON metadata", "client_id", clientID, "error", err)
		h.reject(c, clientID, http.StatusBadRequest, "invalid_metadata", fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	image, ok := formFile(form, "image")
	if !ok {
		h.reject(c, clientID, http.StatusBadRequest, "no_image", "No image file provided")
		return
	}
	if image.Filename == "" {
		h.reject(c, clientID, http.StatusBadRequest, "empty_image", "Empty image file")
		return
	}
	imageData, err := readPart(image)
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not read image", http.StatusInternalServerError))
		return
	}

	var depthData []byte
	if depth, ok := formFile(form, "depth"); ok && depth.Filename != "" {
		if depthData, err = readPart(depth); err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "could not read depth map", http.StatusInternalServerError))
			return
		}
	}

	stored, err := h.frames.Receive(c.Request.Context(), domain.FrameUpload{
		ClientID: clientID,
		Metadata: metadata,
		Image:    imageData,
		Depth:    depthData,
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeInvalidInput) {
			appErr := apperrors.GetAppError(err)
			h.reject(c, clientID, http.StatusBadRequest, "invalid_input", appErr.Message)
			return
		}
		h.logger.Errorw("Error processing frame", "client_id", clientID, "error", err)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "received",
		"frame":       stored.Number,
		"depth_saved": stored.DepthSaved(),
		"message":     "Frame uploaded successfully",
	})
}

func (h *FrameHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Server is running"})
}

// Ready reports the storage and redis checks; 503 when any fails.
func (h *FrameHandler) Ready(c *gin.Context) {
	if h.readiness == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	status := h.readiness.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *FrameHandler) reject(c *gin.Context, clientID domain.ClientID, status int, reason, message string) {
	if h.metrics != nil {
		h.metrics.FrameRejected(reason)
	}
	h.logger.Infow("Rejected upload", "client_id", clientID, "reason", reason)
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": message})
}

// remoteClientID is the uploading connection's address and port.
func remoteClientID(r *http.Request) domain.ClientID {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return domain.ClientID(r.RemoteAddr + ":unknown")
	}
	return domain.ClientID(net.JoinHostPort(host, port))
}

func formValue(form *multipart.Form, name string) (string, bool) {
	if form == nil {
		return "", false
	}
	values, ok := form.Value[name]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

func formFile(form *multipart.Form, name string) (*multipart.FileHeader, bool) {
	if form == nil {
		return nil, false
	}
	files := form.File[name]
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
