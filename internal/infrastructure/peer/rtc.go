package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/envelope"
)

const (
	reliableLabel   = "spatialsync-reliable"
	unreliableLabel = "spatialsync-unreliable"

	// chunkSize keeps every data channel message under the SCTP limits
	// common implementations accept.
	chunkSize = 16 * 1024

	chunkFinal byte = 0x01

	// maxBuffered is how much unsent data a reliable channel may hold
	// before further sends fail instead of queueing.
	maxBuffered = 8 << 20
)

var errChannelNotOpen = errors.New("data channel not open")

// signalMessage is exchanged as websocket text while negotiating the data
// channels.
type signalMessage struct {
	Type      string                     `json:"type"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// rtcLink moves envelope payloads over a pair of data channels: an ordered
// reliable one and an unordered one without retransmits.
type rtcLink struct {
	id     domain.PeerID
	pc     *webrtc.PeerConnection
	signal func(signalMessage) error
	onData func(domain.PeerID, []byte)
	logger *zap.SugaredLogger

	mu         sync.Mutex
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	assembly   assembler

	ready atomic.Bool
}

func newRTCLink(
	id domain.PeerID,
	iceServers []webrtc.ICEServer,
	signal func(signalMessage) error,
	onData func(domain.PeerID, []byte),
	logger *zap.SugaredLogger,
) (*rtcLink, error) {
	pc, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &rtcLink{
		id:       id,
		pc:       pc,
		signal:   signal,
		onData:   onData,
		logger:   logger,
		assembly: assembler{limit: envelope.MaxMapSize + 1024},
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		candidate := c.ToJSON()
		if err := l.signal(signalMessage{Type: "candidate", Candidate: &candidate}); err != nil {
			l.logger.Debugw("Failed to send ICE candidate", "peer_id", id, "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Debugw("Data channel connection state", "peer_id", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			l.ready.Store(false)
		}
	})
	pc.OnDataChannel(l.attach)
	return l, nil
}

// Offer creates both data channels and sends the offer. The dialing side
// calls it.
func (l *rtcLink) Offer() error {
	ordered := true
	reliable, err := l.pc.CreateDataChannel(reliableLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create reliable channel: %w", err)
	}
	unordered := false
	var noRetransmits uint16
	unreliable, err := l.pc.CreateDataChannel(unreliableLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return fmt.Errorf("create unreliable channel: %w", err)
	}
	l.attach(reliable)
	l.attach(unreliable)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return l.signal(signalMessage{Type: "offer", SDP: &offer})
}

// HandleSignal applies one signaling message from the peer.
func (l *rtcLink) HandleSignal(msg signalMessage) error {
	switch msg.Type {
	case "offer":
		if msg.SDP == nil {
			return errors.New("offer without sdp")
		}
		if err := l.setRemote(*msg.SDP); err != nil {
			return err
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return l.signal(signalMessage{Type: "answer", SDP: &answer})

	case "answer":
		if msg.SDP == nil {
			return errors.New("answer without sdp")
		}
		return l.setRemote(*msg.SDP)

	case "candidate":
		if msg.Candidate == nil {
			return nil
		}
		l.mu.Lock()
		if !l.remoteSet {
			l.pending = append(l.pending, *msg.Candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.pc.AddICECandidate(*msg.Candidate)

	default:
		return fmt.Errorf("unknown signal type %q", msg.Type)
	}
}

func (l *rtcLink) setRemote(sdp webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			l.logger.Debugw("Dropping ICE candidate", "peer_id", l.id, "error", err)
		}
	}
	return nil
}

func (l *rtcLink) attach(dc *webrtc.DataChannel) {
	label := dc.Label()

	l.mu.Lock()
	switch label {
	case reliableLabel:
		l.reliable = dc
		dc.OnOpen(func() {
			l.ready.Store(true)
			l.logger.Infow("Data channel open", "peer_id", l.id)
		})
		dc.OnClose(func() { l.ready.Store(false) })
	case unreliableLabel:
		l.unreliable = dc
	default:
		l.mu.Unlock()
		l.logger.Debugw("Ignoring unknown data channel", "peer_id", l.id, "label", label)
		return
	}
	l.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) { l.receive(label, msg.Data) })
}

// Ready reports whether the reliable channel is open.
func (l *rtcLink) Ready() bool { return l.ready.Load() }

// Send splits payload into chunks on the reliable channel. Small
// unreliable payloads use the unordered channel as one chunk.
func (l *rtcLink) Send(payload []byte, mode domain.SendMode) error {
	l.mu.Lock()
	reliable, unreliable := l.reliable, l.unreliable
	l.mu.Unlock()

	if mode == domain.SendUnreliable && len(payload) <= chunkSize && open(unreliable) {
		return unreliable.Send(append([]byte{chunkFinal}, payload...))
	}
	if !open(reliable) {
		return errChannelNotOpen
	}
	if reliable.BufferedAmount() > maxBuffered {
		return errQueueFull
	}
	for _, chunk := range splitChunks(payload, chunkSize) {
		if err := reliable.Send(chunk); err != nil {
			return fmt.Errorf("data channel send: %w", err)
		}
	}
	return nil
}

func (l *rtcLink) receive(label string, data []byte) {
	if len(data) == 0 {
		return
	}
	if label == unreliableLabel {
		if data[0]&chunkFinal != 0 {
			l.onData(l.id, append([]byte(nil), data[1:]...))
		}
		return
	}

	l.mu.Lock()
	payload, complete, err := l.assembly.Add(data)
	l.mu.Unlock()
	if err != nil {
		l.logger.Warnw("Dropping oversized data channel message", "peer_id", l.id, "error", err)
		return
	}
	if complete {
		l.onData(l.id, payload)
	}
}

func (l *rtcLink) Close() {
	l.ready.Store(false)
	if err := l.pc.Close(); err != nil {
		l.logger.Debugw("Failed to close peer connection", "peer_id", l.id, "error", err)
	}
}

func open(dc *webrtc.DataChannel) bool {
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// splitChunks frames payload as chunks of at most size bytes, each prefixed
// with a flag byte. The last chunk carries chunkFinal.
func splitChunks(payload []byte, size int) [][]byte {
	var chunks [][]byte
	for {
		n := len(payload)
		if n > size {
			n = size
		}
		chunk := make([]byte, 0, n+1)
		flag := byte(0)
		if n == len(payload) {
			flag = chunkFinal
		}
		chunk = append(chunk, flag)
		chunk = append(chunk, payload[:n]...)
		chunks = append(chunks, chunk)

		payload = payload[n:]
		if flag == chunkFinal {
			return chunks
		}
	}
}

// assembler joins chunks from an ordered channel. Not safe for concurrent
// use.
type assembler struct {
	buf   []byte
	limit int
}

// Add appends one framed chunk and returns the payload once the final chunk
// arrived.
func (a *assembler) Add(chunk []byte) ([]byte, bool, error) {
	if len(chunk) == 0 {
		return nil, false, nil
	}
	if a.limit > 0 && len(a.buf)+len(chunk)-1 > a.limit {
		a.buf = nil
		return nil, false, fmt.Errorf("message exceeds %d bytes", a.limit)
	}
	a.buf = append(a.buf, chunk[1:]...)
	if chunk[0]&chunkFinal == 0 {
		return nil, false, nil
	}
	payload := a.buf
	a.buf = nil
	if payload == nil {
		payload = []byte{}
	}
	return payload, true, nil
}

func encodeSignal(msg signalMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeSignal(data []byte) (signalMessage, error) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return signalMessage{}, fmt.Errorf("decode signal: %w", err)
	}
	return msg, nil
}
