package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/circuitbreaker"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/tracing"
)

const (
	uploadPath      = "/upload_frame"
	requestIDHeader = "X-Request-Id"
	maxReplyBytes   = 1 << 20
)

type Config struct {
	Endpoint string
	Timeout  time.Duration
	Breaker  circuitbreaker.Config
}

// TokenSource returns the bearer token for one upload. An empty token
// sends no Authorization header.
type TokenSource func() (string, error)

// HTTPUploader posts captures to the processing server as multipart forms.
// It never retries; the breaker only fails fast while the server is down.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
	token    TokenSource
	logger   *zap.SugaredLogger
}

var _ ports.FrameUploader = (*HTTPUploader)(nil)

func NewHTTPUploader(cfg Config, token TokenSource, logger *zap.SugaredLogger) *HTTPUploader {
	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = serverDown
	}
	breaker := circuitbreaker.New(breakerCfg)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Upload circuit breaker changed state", "from", from.String(), "to", to.String())
	})

	return &HTTPUploader{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		token:    token,
		logger:   logger,
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, payload domain.CapturePayload) (domain.UploadResult, error) {
	ctx, span := tracing.TraceUpload(ctx, u.endpoint, len(payload.ImageBytes), payload.Orientation.String())
	defer span.End()

	body, contentType, err := encodeForm(payload)
	if err != nil {
		err = apperrors.Serialization(err, "could not encode upload")
		tracing.RecordError(ctx, err)
		return domain.UploadResult{}, err
	}

	result, err := circuitbreaker.Do(ctx, u.breaker, func(ctx context.Context) (domain.UploadResult, error) {
		return u.post(ctx, body, contentType)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = apperrors.Transport(err, "frame server unavailable")
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.UploadResult{}, err
	}

	tracing.AddSpanAttributes(ctx,
		attribute.Int("http.status_code", result.StatusCode),
		attribute.Bool("upload.acknowledged", result.Acknowledged),
		tracing.FrameKey.Int(result.Frame),
	)
	return result, nil
}

func (u *HTTPUploader) post(ctx context.Context, body []byte, contentType string) (domain.UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+uploadPath, bytes.NewReader(body))
	if err != nil {
		return domain.UploadResult{}, apperrors.Transport(err, "could not build upload request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(requestIDHeader, requestID)
	if u.token != nil {
		token, err := u.token()
		if err != nil {
			return domain.UploadResult{}, apperrors.Transport(err, "could not sign upload")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return domain.UploadResult{}, apperrors.Transport(err, "could not reach frame server")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return domain.UploadResult{}, apperrors.Transport(err, "could not read frame server reply")
	}

	u.logger.Debugw("Upload answered",
		"request_id", requestID,
		"status_code", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return interpret(resp.StatusCode, raw)
}

type reply struct {
	Status     string `json:"status"`
	Frame      int    `json:"frame"`
	DepthSaved bool   `json:"depth_saved"`
	Message    string `json:"message"`
}

// interpret maps a server answer to a result. Only 200 with status
// "received" is acknowledged; any other 200 is an ambiguous success.
func interpret(status int, raw []byte) (domain.UploadResult, error) {
	var r reply
	parsed := json.Unmarshal(raw, &r) == nil

	if status != http.StatusOK {
		message := "upload rejected"
		switch {
		case parsed && r.Message != "":
			message = "upload rejected: " + r.Message
		case !parsed && len(bytes.TrimSpace(raw)) > 0:
			message = "upload rejected: " + truncate(strings.TrimSpace(string(raw)), 200)
		}
		return domain.UploadResult{}, apperrors.Remote(status, message)
	}

	result := domain.UploadResult{StatusCode: status}
	if !parsed {
		result.Message = truncate(strings.TrimSpace(string(raw)), 200)
		return result, nil
	}
	result.Acknowledged = r.Status == "received"
	result.Frame = r.Frame
	result.DepthSaved = r.DepthSaved
	result.Message = r.Message
	return result, nil
}

func encodeForm(payload domain.CapturePayload) ([]byte, string, error) {
	metadata, err := json.Marshal(payload.Metadata())
	if err != nil {
		return nil, "", fmt.Errorf("marshal metadata: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("metadata", string(metadata)); err != nil {
		return nil, "", err
	}
	if err := writeFile(w, "image", "frame.jpg", "image/jpeg", payload.ImageBytes); err != nil {
		return nil, "", err
	}
	if len(payload.Depth) > 0 {
		if err := writeFile(w, "depth", "depth.bin", "application/octet-stream", payload.Depth); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writeFile(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	_, err = part.Write(data)
	return err
}

// serverDown counts transport failures and 5xx answers against the
// breaker. A 4xx still proves the server is up.
func serverDown(err error) bool {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return true
	}
	switch appErr.Code {
	case apperrors.ErrCodeTransport:
		return true
	case apperrors.ErrCodeRemote:
		status, _ := appErr.Context["status_code"].(int)
		return status >= http.StatusInternalServerError
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
