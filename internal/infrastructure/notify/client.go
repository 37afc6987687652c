// Package notify connects a device to the processing server's capture
// trigger channel.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialsync/internal/core/ports"
	"spatialsync/internal/infrastructure/signal"
	"spatialsync/pkg/clock"
)

type Config struct {
	URL            string
	DeviceName     string
	ReconnectDelay time.Duration
	Clock          clock.Clock
}

// Client keeps a websocket open to the trigger channel and turns every
// capture_frame into RequestCapture. It reconnects after ReconnectDelay.
type Client struct {
	cfg     Config
	trigger ports.CaptureTrigger
	dialer  *websocket.Dialer
	logger  *zap.SugaredLogger
}

func NewClient(cfg Config, trigger ports.CaptureTrigger, logger *zap.SugaredLogger) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		trigger: trigger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

// Run blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warnw("Trigger channel lost, reconnecting", "url", c.cfg.URL, "error", err, "delay", c.cfg.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-c.cfg.Clock.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	ready, err := signal.NewMessage(signal.TypeClientReady, signal.ClientReadyPayload{DeviceName: c.cfg.DeviceName})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(ready); err != nil {
		return fmt.Errorf("send client_ready: %w", err)
	}
	c.logger.Infow("Connected to trigger channel", "url", c.cfg.URL, "device_name", c.cfg.DeviceName)

	for {
		var msg signal.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg signal.Message) {
	switch msg.Type {
	case signal.TypeConnected:
		var p signal.ConnectedPayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Debugw("Malformed connected message", "error", err)
			return
		}
		c.logger.Infow("Trigger channel assigned client id", "client_id", p.ClientID)
	case signal.TypeCaptureFrame:
		var p signal.CaptureFramePayload
		if err := msg.Decode(&p); err != nil {
			c.logger.Debugw("Malformed capture_frame message", "error", err)
		}
		c.logger.Infow("Capture requested by server", "timestamp", p.Timestamp)
		c.trigger.RequestCapture()
	case signal.TypeError:
		var p signal.ErrorPayload
		_ = msg.Decode(&p)
		c.logger.Warnw("Trigger channel reported an error", "error", p.Error)
	default:
		c.logger.Debugw("Ignoring trigger channel message", "type", msg.Type)
	}
}
