// Package tracking provides a simulated tracking capability for running
// the engine on machines without a spatial tracking stack.
package tracking

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/geometry"
)

// mapMagic prefixes every simulated environment map.
var mapMagic = []byte("SSMAP1")

var errInvalidSeed = errors.New("seed is not a simulated environment map")

type Config struct {
	Width         int
	Height        int
	Intrinsics    geometry.Matrix3
	FrameInterval time.Duration
	// CollaborationInterval paces outgoing collaboration data. Every fifth
	// update is critical.
	CollaborationInterval time.Duration
	// FramesToMapped is how many frames a session needs before its map is
	// fully mapped.
	FramesToMapped int
	Depth          bool
	DepthWidth     int
	DepthHeight    int
	Orientation    geometry.Orientation
	Seed           int64
	Clock          clock.Clock
}

func DefaultConfig() Config {
	return Config{
		Width:                 640,
		Height:                480,
		Intrinsics:            geometry.Intrinsics(520, 520, 320, 240),
		FrameInterval:         100 * time.Millisecond,
		CollaborationInterval: time.Second,
		FramesToMapped:        20,
		Depth:                 true,
		DepthWidth:            256,
		DepthHeight:           192,
		Orientation:           geometry.OrientationPortrait,
		Seed:                  1,
	}
}

// Simulated produces synthetic frames from a camera that slowly orbits the
// origin. Sink callbacks run on the Run goroutine in the order the
// events happened.
type Simulated struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu          sync.Mutex
	sink        ports.TrackingSink
	rng         *rand.Rand
	running     bool
	session     int
	frames      int
	mapping     domain.MappingStatus
	frame       *domain.TrackingFrame
	applied     int
	orientation geometry.Orientation

	outbox chan func(ports.TrackingSink)
}

var (
	_ ports.Tracking            = (*Simulated)(nil)
	_ ports.OrientationProvider = (*Simulated)(nil)
)

func NewSimulated(cfg Config, logger *zap.SugaredLogger) *Simulated {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 100 * time.Millisecond
	}
	if cfg.CollaborationInterval <= 0 {
		cfg.CollaborationInterval = time.Second
	}
	return &Simulated{
		cfg:         cfg,
		clock:       clk,
		logger:      logger,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		orientation: cfg.Orientation,
		outbox:      make(chan func(ports.TrackingSink), 64),
	}
}

func (s *Simulated) Subscribe(sink ports.TrackingSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Run advances the simulation until ctx is done.
func (s *Simulated) Run(ctx context.Context) {
	frames := s.clock.NewTicker(s.cfg.FrameInterval)
	defer frames.Stop()
	collab := s.clock.NewTicker(s.cfg.CollaborationInterval)
	defer collab.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case deliver := <-s.outbox:
			s.dispatch(deliver)
		case now := <-frames.C:
			s.step(now)
		case <-collab.C:
			s.collaborate()
		}
	}
}

func (s *Simulated) dispatch(deliver func(ports.TrackingSink)) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		deliver(sink)
	}
}

func (s *Simulated) enqueue(deliver func(ports.TrackingSink)) {
	select {
	case s.outbox <- deliver:
	default:
		s.logger.Warnw("Tracking event queue full, dropping event")
	}
}

// Restart begins a new session. A seed must be a map produced by
// CurrentEnvironmentMap; the session then starts relocalizing.
func (s *Simulated) Restart(seed []byte) error {
	seeded := seed != nil
	if seeded && !bytes.HasPrefix(seed, mapMagic) {
		return errInvalidSeed
	}

	s.mu.Lock()
	s.running = true
	s.session++
	s.frames = 0
	s.frame = nil
	s.mapping = domain.MappingLimited
	session := s.session
	s.mu.Unlock()

	s.logger.Infow("Tracking session started", "session", session, "seeded", seeded, "seed_bytes", len(seed))
	s.enqueue(func(sink ports.TrackingSink) {
		sink.OnTrackingSessionStarted(seeded)
		sink.OnMappingStatus(domain.MappingLimited)
	})
	return nil
}

// Stop ends the session.
func (s *Simulated) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.frame = nil
	s.mu.Unlock()

	if wasRunning {
		s.enqueue(func(sink ports.TrackingSink) { sink.OnTrackingSessionStopped() })
	}
}

func (s *Simulated) CurrentFrame() (domain.TrackingFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return domain.TrackingFrame{}, false
	}
	return *s.frame, true
}

// CurrentEnvironmentMap serializes the session's map: magic, session,
// frame count and pseudo-random feature bytes proportional to coverage.
func (s *Simulated) CurrentEnvironmentMap(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, domain.ErrTrackingInactive
	}

	var buf bytes.Buffer
	buf.Write(mapMagic)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(s.session))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(s.frames))
	features := make([]byte, 1024*(s.frames+1))
	s.rng.Read(features)
	buf.Write(features)
	return buf.Bytes(), nil
}

func (s *Simulated) Apply(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("empty collaboration update")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return domain.ErrTrackingInactive
	}
	s.applied++
	return nil
}

// Applied reports how many collaboration updates were applied.
func (s *Simulated) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *Simulated) Orientation() geometry.Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orientation
}

func (s *Simulated) SetOrientation(o geometry.Orientation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orientation = o
}

func (s *Simulated) step(now time.Time) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.frames++
	n := s.frames

	angle := float64(n) * 0.01
	camera := geometry.RotationY(angle).Mul(geometry.Translation(0, 0, 1.5))
	frame := &domain.TrackingFrame{
		Timestamp:       now,
		CameraTransform: camera,
		Intrinsics:      s.cfg.Intrinsics,
		Image:           syntheticImage(s.cfg.Width, s.cfg.Height, n),
	}
	if s.cfg.Depth {
		frame.Depth = syntheticDepth(s.cfg.DepthWidth, s.cfg.DepthHeight, n)
	}
	s.frame = frame

	var changed bool
	next := s.mapping
	switch {
	case s.cfg.FramesToMapped > 0 && n >= s.cfg.FramesToMapped:
		next = domain.MappingMapped
	case s.cfg.FramesToMapped > 0 && n >= s.cfg.FramesToMapped/2:
		next = domain.MappingExtending
	}
	if next != s.mapping {
		s.mapping = next
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.enqueue(func(sink ports.TrackingSink) { sink.OnMappingStatus(next) })
	}
}

func (s *Simulated) collaborate() {
	s.mu.Lock()
	if !s.running || s.frames == 0 {
		s.mu.Unlock()
		return
	}
	data := make([]byte, 64)
	s.rng.Read(data)
	critical := s.frames%5 == 0
	s.mu.Unlock()

	s.enqueue(func(sink ports.TrackingSink) { sink.OnCollaborationData(data, critical) })
}

func syntheticImage(width, height, n int) image.Image {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Y[img.YOffset(x, y)] = uint8((x + y + n) % 256)
		}
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

func syntheticDepth(width, height, n int) *domain.DepthFrame {
	if width <= 0 || height <= 0 {
		return nil
	}
	data := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			meters := 1.5 + 0.25*math.Sin(float64(x+n)/20)*math.Cos(float64(y)/20)
			binary.LittleEndian.PutUint32(data[(y*width+x)*4:], math.Float32bits(float32(meters)))
		}
	}
	return &domain.DepthFrame{
		Width:       width,
		Height:      height,
		BytesPerRow: width * 4,
		Data:        data,
	}
}
