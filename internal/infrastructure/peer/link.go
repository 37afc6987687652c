package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/envelope"
)

var (
	errLinkClosed = errors.New("link closed")
	errQueueFull  = errors.New("send queue full")
)

type linkConfig struct {
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
}

type outbound struct {
	messageType int
	data        []byte
}

// wsLink is one websocket connection to a peer. Binary messages carry
// envelope payloads; text messages carry data channel signaling.
type wsLink struct {
	id     domain.PeerID
	conn   *websocket.Conn
	cfg    linkConfig
	logger *zap.SugaredLogger

	onBinary func(*wsLink, []byte)
	onText   func(*wsLink, []byte)
	onClose  func(*wsLink)

	send      chan outbound
	closed    chan struct{}
	closeOnce sync.Once

	// rtc is set when a data channel upgrade was negotiated.
	mu  sync.Mutex
	rtc *rtcLink
}

func newWSLink(id domain.PeerID, conn *websocket.Conn, cfg linkConfig, logger *zap.SugaredLogger) *wsLink {
	return &wsLink{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		logger: logger,
		send:   make(chan outbound, cfg.SendQueueSize),
		closed: make(chan struct{}),
	}
}

func (l *wsLink) start() {
	go l.writePump()
	go l.readPump()
}

func (l *wsLink) setRTC(rtc *rtcLink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rtc = rtc
}

func (l *wsLink) dataChannel() *rtcLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtc
}

// Send delivers an envelope payload, over the data channel when it is open.
func (l *wsLink) Send(payload []byte, mode domain.SendMode) error {
	if rtc := l.dataChannel(); rtc != nil && rtc.Ready() {
		return rtc.Send(payload, mode)
	}
	return l.enqueue(outbound{messageType: websocket.BinaryMessage, data: payload}, mode)
}

func (l *wsLink) sendText(data []byte) error {
	return l.enqueue(outbound{messageType: websocket.TextMessage, data: data}, domain.SendReliable)
}

// enqueue never waits. A full queue drops an unreliable message; for a
// reliable one the peer is too far behind to keep ordering, so the link is
// closed and the peer reconnects.
func (l *wsLink) enqueue(msg outbound, mode domain.SendMode) error {
	select {
	case <-l.closed:
		return errLinkClosed
	default:
	}

	select {
	case l.send <- msg:
		return nil
	default:
	}
	if mode == domain.SendReliable {
		l.logger.Warnw("Peer send queue full, closing link", "peer_id", l.id, "queued", len(l.send))
		l.Close()
	}
	return errQueueFull
}

func (l *wsLink) writePump() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		l.Close()
	}()

	for {
		select {
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				l.logger.Debugw("Peer write failed", "peer_id", l.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.logger.Debugw("Peer ping failed", "peer_id", l.id, "error", err)
				return
			}

		case <-l.closed:
			return
		}
	}
}

func (l *wsLink) readPump() {
	defer l.Close()

	l.conn.SetReadLimit(envelope.MaxMapSize + 1024)
	_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongTimeout))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongTimeout))
	})

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l.logger.Infow("Peer link read failed", "peer_id", l.id, "error", err)
			}
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(l.cfg.PongTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			if l.onBinary != nil {
				l.onBinary(l, data)
			}
		case websocket.TextMessage:
			if l.onText != nil {
				l.onText(l, data)
			}
		}
	}
}

// Close tears the link down once without waiting on the socket. The close
// handshake and onClose run on their own goroutine.
func (l *wsLink) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		go l.shutdown()
	})
}

func (l *wsLink) shutdown() {
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = l.conn.Close()
	if rtc := l.dataChannel(); rtc != nil {
		rtc.Close()
	}
	if l.onClose != nil {
		l.onClose(l)
	}
}
