package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/retry"
)

// Transport modes.
const (
	ModeWebSocket = "websocket"
	ModeWebRTC    = "webrtc"
)

const peerIDHeader = "X-Peer-Id"

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

type Config struct {
	DeviceID      domain.PeerID
	ListenAddress string
	Mode          string
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
	Dial          retry.Config
	ICEServers    []webrtc.ICEServer
}

func DefaultConfig(deviceID domain.PeerID) Config {
	return Config{
		DeviceID:      deviceID,
		ListenAddress: ":0",
		Mode:          ModeWebSocket,
		PingInterval:  10 * time.Second,
		PongTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendQueueSize: 64,
		Dial:          retry.DefaultConfig(),
	}
}

// Transport is a star of websocket links: the host accepts, clients dial
// every host they discover. Connections are accepted without a prompt.
type Transport struct {
	cfg       Config
	discovery Discovery
	logger    *zap.SugaredLogger

	mu           sync.Mutex
	sink         ports.TransportSink
	links        map[domain.PeerID]*wsLink
	dialing      map[string]bool
	server       *http.Server
	listener     net.Listener
	unregister   func()
	browseCancel context.CancelFunc

	// Connection state changes waiting for the event goroutine.
	evMu     sync.Mutex
	events   []stateEvent
	draining bool
}

type stateEvent struct {
	id    domain.PeerID
	state domain.ConnectionState
}

var _ ports.PeerTransport = (*Transport)(nil)

func NewTransport(cfg Config, discovery Discovery, logger *zap.SugaredLogger) *Transport {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	return &Transport{
		cfg:       cfg,
		discovery: discovery,
		logger:    logger,
		links:     make(map[domain.PeerID]*wsLink),
		dialing:   make(map[string]bool),
	}
}

func (t *Transport) Subscribe(sink ports.TransportSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Addr returns the listening address while advertising.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Advertise starts accepting peer links and announces the host.
func (t *Transport) Advertise(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		return nil
	}

	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", t.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.cfg.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", t.handleUpgrade)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	port := listener.Addr().(*net.TCPAddr).Port
	unregister, err := t.discovery.Register("spatialsync-"+string(t.cfg.DeviceID), port, []string{"id=" + string(t.cfg.DeviceID)})
	if err != nil {
		_ = listener.Close()
		return err
	}

	t.server = server
	t.listener = listener
	t.unregister = unregister
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Errorw("Peer server stopped", "error", err)
		}
	}()

	t.logger.Infow("Advertising peer service", "address", listener.Addr().String(), "mode", t.cfg.Mode)
	return nil
}

// StopAdvertise stops accepting links. Established links stay up.
func (t *Transport) StopAdvertise() {
	t.mu.Lock()
	server, unregister := t.server, t.unregister
	t.server, t.listener, t.unregister = nil, nil, nil
	t.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if server != nil {
		_ = server.Close()
		t.logger.Infow("Stopped advertising")
	}
}

// Browse dials every host the discovery reports until StopBrowse.
func (t *Transport) Browse(ctx context.Context) error {
	t.mu.Lock()
	if t.browseCancel != nil {
		t.mu.Unlock()
		return nil
	}
	browseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.browseCancel = cancel
	t.mu.Unlock()

	err := t.discovery.Browse(browseCtx, func(ep Endpoint) {
		go t.dial(browseCtx, ep)
	})
	if err != nil {
		cancel()
		t.mu.Lock()
		t.browseCancel = nil
		t.mu.Unlock()
		return err
	}
	t.logger.Infow("Browsing for hosts")
	return nil
}

func (t *Transport) StopBrowse() {
	t.mu.Lock()
	cancel := t.browseCancel
	t.browseCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		t.logger.Infow("Stopped browsing")
	}
}

// DisconnectAll closes every link and reports each peer Disconnected. It
// returns without waiting for the sockets or the sink.
func (t *Transport) DisconnectAll() {
	t.mu.Lock()
	links := t.links
	t.links = make(map[domain.PeerID]*wsLink)
	t.mu.Unlock()

	for id, l := range links {
		l.Close()
		t.logger.Infow("Peer disconnected", "peer_id", id)
		t.notify(id, domain.StateDisconnected)
	}
}

// Send delivers payload to each peer in to. Peers without a link are
// reported with domain.ErrPeerNotFound.
func (t *Transport) Send(payload []byte, to []domain.PeerID, mode domain.SendMode) error {
	var errs []error
	for _, id := range to {
		t.mu.Lock()
		l, ok := t.links[id]
		t.mu.Unlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id))
			continue
		}
		if err := l.Send(payload, mode); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if peerID == "" {
		http.Error(w, "missing peer_id", http.StatusBadRequest)
		return
	}

	header := http.Header{}
	header.Set(peerIDHeader, string(t.cfg.DeviceID))
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		t.logger.Warnw("Peer upgrade failed", "peer_id", peerID, "error", err)
		return
	}
	t.attach(peerID, conn, false)
}

func (t *Transport) dial(ctx context.Context, ep Endpoint) {
	if ep.PeerID == t.cfg.DeviceID {
		return
	}
	t.mu.Lock()
	_, linked := t.links[ep.PeerID]
	if linked || t.dialing[ep.Address] {
		t.mu.Unlock()
		return
	}
	t.dialing[ep.Address] = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.dialing, ep.Address)
		t.mu.Unlock()
	}()

	t.notify(ep.PeerID, domain.StateConnecting)

	target := url.URL{Scheme: "ws", Host: ep.Address, Path: "/peer", RawQuery: url.Values{"peer_id": {string(t.cfg.DeviceID)}}.Encode()}
	var remote domain.PeerID
	conn, err := retry.DoWithResult(ctx, t.cfg.Dial, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusBadRequest {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		remote = domain.PeerID(resp.Header.Get(peerIDHeader))
		return conn, nil
	})
	if err != nil {
		t.logger.Warnw("Failed to connect to host", "peer_id", ep.PeerID, "address", ep.Address, "error", err)
		t.notify(ep.PeerID, domain.StateDisconnected)
		return
	}
	if remote == "" {
		remote = ep.PeerID
	}
	t.attach(remote, conn, true)
}

// attach registers a fresh link, replacing any previous link to the same
// peer, and starts its pumps.
func (t *Transport) attach(id domain.PeerID, conn *websocket.Conn, initiator bool) {
	l := newWSLink(id, conn, linkConfig{
		PingInterval:  t.cfg.PingInterval,
		PongTimeout:   t.cfg.PongTimeout,
		WriteTimeout:  t.cfg.WriteTimeout,
		SendQueueSize: t.cfg.SendQueueSize,
	}, t.logger)
	l.onBinary = func(l *wsLink, data []byte) { t.deliver(l.id, data) }
	l.onText = t.handleSignal
	l.onClose = t.detach

	t.mu.Lock()
	previous := t.links[id]
	t.links[id] = l
	t.mu.Unlock()

	if previous != nil {
		t.logger.Infow("Replacing link for reconnecting peer", "peer_id", id)
		previous.Close()
	}

	// The data channel is prepared before the read pump starts so that an
	// early offer finds it.
	var rtc *rtcLink
	if t.cfg.Mode == ModeWebRTC {
		var err error
		if rtc, err = t.prepareDataChannel(l); err != nil {
			t.logger.Warnw("Data channel unavailable, staying on websocket", "peer_id", id, "error", err)
		}
	}

	l.start()
	t.logger.Infow("Peer connected", "peer_id", id, "initiator", initiator)
	t.notify(id, domain.StateConnected)

	if rtc != nil && initiator {
		if err := rtc.Offer(); err != nil {
			t.logger.Warnw("Data channel negotiation failed, staying on websocket", "peer_id", id, "error", err)
		}
	}
}

func (t *Transport) detach(l *wsLink) {
	t.mu.Lock()
	current := t.links[l.id] == l
	if current {
		delete(t.links, l.id)
	}
	t.mu.Unlock()

	if current {
		t.logger.Infow("Peer disconnected", "peer_id", l.id)
		t.notify(l.id, domain.StateDisconnected)
	}
}

func (t *Transport) prepareDataChannel(l *wsLink) (*rtcLink, error) {
	rtc, err := newRTCLink(l.id, t.cfg.ICEServers, func(msg signalMessage) error {
		data, err := encodeSignal(msg)
		if err != nil {
			return err
		}
		return l.sendText(data)
	}, t.deliver, t.logger)
	if err != nil {
		return nil, err
	}
	l.setRTC(rtc)
	return rtc, nil
}

func (t *Transport) handleSignal(l *wsLink, data []byte) {
	rtc := l.dataChannel()
	if rtc == nil {
		t.logger.Debugw("Ignoring signal without data channel negotiation", "peer_id", l.id)
		return
	}
	msg, err := decodeSignal(data)
	if err != nil {
		t.logger.Debugw("Dropping malformed signal", "peer_id", l.id, "error", err)
		return
	}
	if err := rtc.HandleSignal(msg); err != nil {
		t.logger.Warnw("Signal handling failed", "peer_id", l.id, "type", msg.Type, "error", err)
	}
}

func (t *Transport) deliver(id domain.PeerID, data []byte) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink.OnPeerData(id, data)
	}
}

// notify queues a connection state change. Changes reach the sink in
// order from a separate goroutine, so a sink calling back into the
// transport from its own goroutine never waits on itself.
func (t *Transport) notify(id domain.PeerID, state domain.ConnectionState) {
	t.evMu.Lock()
	t.events = append(t.events, stateEvent{id: id, state: state})
	if t.draining {
		t.evMu.Unlock()
		return
	}
	t.draining = true
	t.evMu.Unlock()

	go t.drainEvents()
}

func (t *Transport) drainEvents() {
	for {
		t.evMu.Lock()
		if len(t.events) == 0 {
			t.draining = false
			t.evMu.Unlock()
			return
		}
		ev := t.events[0]
		t.events = t.events[1:]
		t.evMu.Unlock()

		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink != nil {
			sink.OnPeerStateChanged(ev.id, ev.state)
		}
	}
}
