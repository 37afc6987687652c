// Package scene holds an in-process scene graph that replicates
// authoritative objects to peers via entity messages.
package scene

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/clock"
	"spatialsync/pkg/envelope"
	"spatialsync/pkg/geometry"
)

const DefaultHeartbeat = 2 * time.Second

type entry struct {
	object        domain.SceneObject
	authoritative bool
	appearance    domain.Appearance
	owner         domain.PeerID
}

// MemoryScene keeps scene objects in memory. Authoritative local objects
// are re-replicated on every heartbeat so that peers joining later learn
// about them. Sink callbacks run on the Run goroutine.
type MemoryScene struct {
	clock     clock.Clock
	heartbeat time.Duration
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	objects map[domain.ObjectID]*entry
	sink    ports.SceneSink

	outbox chan func(ports.SceneSink)
}

var _ ports.SceneEngine = (*MemoryScene)(nil)

func NewMemoryScene(clk clock.Clock, heartbeat time.Duration, logger *zap.SugaredLogger) *MemoryScene {
	if clk == nil {
		clk = clock.Real()
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &MemoryScene{
		clock:     clk,
		heartbeat: heartbeat,
		logger:    logger,
		objects:   make(map[domain.ObjectID]*entry),
		outbox:    make(chan func(ports.SceneSink), 256),
	}
}

func (s *MemoryScene) Subscribe(sink ports.SceneSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Run delivers queued events and replicates on every heartbeat until ctx
// is done.
func (s *MemoryScene) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case deliver := <-s.outbox:
			s.dispatch(deliver)
		case <-ticker.C:
			for _, e := range s.authoritativeSnapshot() {
				s.dispatch(func(sink ports.SceneSink) { sink.OnEntityReplication(e) })
			}
		}
	}
}

func (s *MemoryScene) dispatch(deliver func(ports.SceneSink)) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		deliver(sink)
	}
}

func (s *MemoryScene) enqueue(deliver func(ports.SceneSink)) {
	select {
	case s.outbox <- deliver:
	default:
		s.logger.Warnw("Scene event queue full, dropping event")
	}
}

func (s *MemoryScene) Place(signature string, pose geometry.Matrix4, authoritative bool) (domain.ObjectID, error) {
	if signature == "" {
		return "", fmt.Errorf("place object: empty signature")
	}
	id := domain.ObjectID(uuid.NewString())

	s.mu.Lock()
	s.objects[id] = &entry{
		object: domain.SceneObject{
			ID:        id,
			Signature: signature,
			Pose:      pose,
			Ownership: domain.LocallyOwned,
		},
		authoritative: authoritative,
	}
	s.mu.Unlock()

	if authoritative {
		e := upsert(id, signature, pose)
		s.enqueue(func(sink ports.SceneSink) { sink.OnEntityReplication(e) })
	}
	s.logger.Debugw("Object placed", "object_id", id, "signature", signature, "authoritative", authoritative)
	return id, nil
}

func (s *MemoryScene) Remove(id domain.ObjectID) error {
	s.mu.Lock()
	e, ok := s.objects[id]
	if ok {
		delete(s.objects, id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, id)
	}
	if e.authoritative && e.object.Ownership == domain.LocallyOwned {
		removal := envelope.Entity{Op: envelope.EntityRemove, ObjectID: string(id)}
		s.enqueue(func(sink ports.SceneSink) { sink.OnEntityReplication(removal) })
	}
	s.logger.Debugw("Object removed", "object_id", id)
	return nil
}

func (s *MemoryScene) SetAppearance(id domain.ObjectID, appearance domain.Appearance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrObjectNotFound, id)
	}
	e.appearance = appearance
	return nil
}

// Appearance returns the look last set on id.
func (s *MemoryScene) Appearance(id domain.ObjectID) (domain.Appearance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[id]
	if !ok {
		return 0, false
	}
	return e.appearance, true
}

// Objects returns every object ordered by ID.
func (s *MemoryScene) Objects() []domain.SceneObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SceneObject, 0, len(s.objects))
	for _, e := range s.objects {
		out = append(out, e.object)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyRemote applies a peer's replication message. A remote upsert never
// overwrites an object authored here.
func (s *MemoryScene) ApplyRemote(from domain.PeerID, msg envelope.Entity) error {
	id := domain.ObjectID(msg.ObjectID)

	switch msg.Op {
	case envelope.EntityUpsert:
		pose, ok := geometry.Matrix4FromColumnMajor(msg.Pose)
		if !ok {
			return fmt.Errorf("entity %s: pose has %d values", id, len(msg.Pose))
		}

		s.mu.Lock()
		e, exists := s.objects[id]
		if exists && e.object.Ownership == domain.LocallyOwned {
			s.mu.Unlock()
			return fmt.Errorf("entity %s is owned locally", id)
		}
		kind := domain.ObjectUpdated
		if !exists {
			kind = domain.ObjectAppeared
			e = &entry{owner: from}
			s.objects[id] = e
		}
		if exists && e.object.Pose == pose && e.object.Signature == msg.Signature {
			s.mu.Unlock()
			return nil
		}
		e.object = domain.SceneObject{
			ID:        id,
			Signature: msg.Signature,
			Pose:      pose,
			Ownership: domain.RemoteOwned,
		}
		event := domain.SceneEvent{Kind: kind, Object: e.object}
		s.mu.Unlock()

		s.enqueue(func(sink ports.SceneSink) { sink.OnSceneEvent(event) })
		return nil

	case envelope.EntityRemove:
		s.mu.Lock()
		e, exists := s.objects[id]
		if !exists || e.object.Ownership != domain.RemoteOwned || e.owner != from {
			s.mu.Unlock()
			return nil
		}
		delete(s.objects, id)
		event := domain.SceneEvent{Kind: domain.ObjectRemoved, Object: e.object}
		s.mu.Unlock()

		s.enqueue(func(sink ports.SceneSink) { sink.OnSceneEvent(event) })
		return nil

	default:
		return fmt.Errorf("entity %s: unknown op %d", id, msg.Op)
	}
}

func (s *MemoryScene) authoritativeSnapshot() []envelope.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []envelope.Entity
	for id, e := range s.objects {
		if e.authoritative && e.object.Ownership == domain.LocallyOwned {
			out = append(out, upsert(id, e.object.Signature, e.object.Pose))
		}
	}
	return out
}

func upsert(id domain.ObjectID, signature string, pose geometry.Matrix4) envelope.Entity {
	return envelope.Entity{
		Op:        envelope.EntityUpsert,
		ObjectID:  string(id),
		Signature: signature,
		Pose:      pose.ColumnMajor(),
	}
}
