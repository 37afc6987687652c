package signal

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/validation"
)

const unknownDevice = "Unknown"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ClientInfo describes one device connected to the trigger channel.
type ClientInfo struct {
	ID          string    `json:"client_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type client struct {
	info ClientInfo
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// TriggerHub is the ingest side of the capture trigger channel. Devices
// connect over websocket and receive capture_frame broadcasts.
type TriggerHub struct {
	clients map[string]*client
	mu      sync.RWMutex

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	metrics ports.IngestMetrics
	logger  *zap.SugaredLogger
}

var _ ports.TriggerBroadcaster = (*TriggerHub)(nil)

func NewTriggerHub(metrics ports.IngestMetrics, logger *zap.SugaredLogger) *TriggerHub {
	return &TriggerHub{
		clients:      make(map[string]*client),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (h *TriggerHub) SetPingInterval(interval time.Duration) {
	h.pingInterval = interval
}

// SetReadTimeout sets how long a silent connection is kept
func (h *TriggerHub) SetReadTimeout(timeout time.Duration) {
	h.readTimeout = timeout
}

func (h *TriggerHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		info: ClientInfo{
			ID:          uuid.NewString(),
			RemoteAddr:  r.RemoteAddr,
			ConnectedAt: time.Now(),
		},
		conn: conn,
		send: make(chan Message, 8),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	connected, err := NewMessage(TypeConnected, ConnectedPayload{ClientID: c.info.ID})
	if err == nil {
		c.send <- connected
	}

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	go h.writePump(c)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading message from client", "client_id", c.info.ID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		h.handleMessage(c, msg)
	}
}

func (h *TriggerHub) handleMessage(c *client, msg Message) {
	switch msg.Type {
	case TypeClientReady:
		var ready ClientReadyPayload
		if err := msg.Decode(&ready); err != nil {
			h.sendError(c, err.Error())
			return
		}
		name := ready.DeviceName
		if name == "" {
			name = unknownDevice
		}
		if err := validation.ValidateDeviceName(name); err != nil {
			h.sendError(c, err.Error())
			return
		}
		h.mu.Lock()
		c.info.DeviceName = name
		h.mu.Unlock()
		h.logger.Infow("Client ready", "client_id", c.info.ID, "device_name", name)
	default:
		h.logger.Debugw("Ignoring client message", "client_id", c.info.ID, "type", msg.Type)
	}
}

func (h *TriggerHub) sendError(c *client, text string) {
	msg, err := NewMessage(TypeError, ErrorPayload{Error: text})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump owns all writes to the connection.
func (h *TriggerHub) writePump(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Infow("error writing to client", "client_id", c.info.ID, "error", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("error sending ping", "client_id", c.info.ID, "error", err)
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Broadcast queues a capture_frame for every connected client and returns
// how many accepted it. Clients with a full queue are skipped.
func (h *TriggerHub) Broadcast(event domain.TriggerEvent) int {
	msg, err := NewMessage(TypeCaptureFrame, CaptureFramePayload{Timestamp: event.Timestamp})
	if err != nil {
		h.logger.Errorw("failed to encode capture_frame", "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, c := range h.clients {
		select {
		case c.send <- msg:
			sent++
		default:
			h.logger.Warnw("client send queue full, skipping trigger", "client_id", id)
		}
	}
	return sent
}

func (h *TriggerHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients lists the connected devices.
func (h *TriggerHub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.info)
	}
	return out
}

func (h *TriggerHub) register(c *client) {
	h.mu.Lock()
	h.clients[c.info.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetTriggerClients(n)
	}
	h.logger.Infow("Client connected", "client_id", c.info.ID, "remote_addr", c.info.RemoteAddr, "clients", n)
}

func (h *TriggerHub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.info.ID)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()

	if h.metrics != nil {
		h.metrics.SetTriggerClients(n)
	}
	h.logger.Infow("Client disconnected", "client_id", c.info.ID, "clients", n)
}
