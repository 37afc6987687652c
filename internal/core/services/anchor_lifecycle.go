package services

import (
	"fmt"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	"spatialsync/pkg/geometry"
)

// AnchorLifecycle keeps at most one shared anchor in the scene. Hosts and
// idle devices author it; clients adopt the host's copy when the scene
// engine delivers it. Not safe for concurrent use.
type AnchorLifecycle struct {
	scene     ports.SceneEngine
	signature string
	distance  float64
	logger    *zap.SugaredLogger

	anchor *domain.SharedAnchor

	appearanceSet bool
	appearance    domain.Appearance
}

func NewAnchorLifecycle(scene ports.SceneEngine, signature string, placementDistance float64, logger *zap.SugaredLogger) *AnchorLifecycle {
	return &AnchorLifecycle{
		scene:     scene,
		signature: signature,
		distance:  placementDistance,
		logger:    logger,
	}
}

// Current returns a copy of the anchor, if one exists.
func (a *AnchorLifecycle) Current() (domain.SharedAnchor, bool) {
	if a.anchor == nil {
		return domain.SharedAnchor{}, false
	}
	return *a.anchor, true
}

func (a *AnchorLifecycle) Present() bool { return a.anchor != nil }

// Create installs a new authoritative anchor at pose, removing any previous
// one first.
func (a *AnchorLifecycle) Create(role domain.Role, pose geometry.Matrix4) error {
	if role == domain.RoleClient {
		return domain.ErrNotAnchorAuthor
	}
	a.Remove()

	id, err := a.scene.Place(a.signature, pose, true)
	if err != nil {
		return fmt.Errorf("place anchor: %w", err)
	}
	a.anchor = &domain.SharedAnchor{
		ObjectID:  id,
		Pose:      pose,
		Ownership: domain.LocallyOwned,
	}
	a.appearanceSet = false

	x, y, z := pose.Position()
	a.logger.Infow("Anchor placed", "object_id", id, "role", role, "x", x, "y", y, "z", z)
	return nil
}

// Move re-creates the anchor at pose.
func (a *AnchorLifecycle) Move(role domain.Role, pose geometry.Matrix4) error {
	return a.Create(role, pose)
}

// PlacementPose returns the pose placementDistance meters in front of the
// camera.
func (a *AnchorLifecycle) PlacementPose(camera geometry.Matrix4) geometry.Matrix4 {
	return camera.Mul(geometry.Translation(0, 0, -a.distance))
}

// Ensure creates the anchor in front of camera unless one already exists.
func (a *AnchorLifecycle) Ensure(role domain.Role, camera geometry.Matrix4) (bool, error) {
	if a.anchor != nil {
		return false, nil
	}
	if err := a.Create(role, a.PlacementPose(camera)); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes an authored anchor from the scene. An adopted anchor is
// owned by the host, so only the local reference is dropped.
func (a *AnchorLifecycle) Remove() {
	if a.anchor == nil {
		return
	}
	current := a.anchor
	a.anchor = nil
	a.appearanceSet = false

	if current.Adopted() {
		a.logger.Debugw("Dropping adopted anchor reference", "object_id", current.ObjectID)
		return
	}
	if err := a.scene.Remove(current.ObjectID); err != nil {
		a.logger.Warnw("Failed to remove anchor", "object_id", current.ObjectID, "error", err)
		return
	}
	a.logger.Infow("Anchor removed", "object_id", current.ObjectID)
}

// RemoveLocal removes the anchor only if this device authored it.
func (a *AnchorLifecycle) RemoveLocal() {
	if a.anchor != nil && a.anchor.Ownership == domain.LocallyOwned {
		a.Remove()
	}
}

// AdoptExisting adopts a host anchor that is already in the scene when a
// client holds none. The scene raises no event for a re-announced pose, so
// a dropped reference is only recovered this way.
func (a *AnchorLifecycle) AdoptExisting(role domain.Role) bool {
	if role != domain.RoleClient || a.anchor != nil {
		return false
	}
	for _, obj := range a.scene.Objects() {
		if obj.Signature == a.signature && obj.Ownership == domain.RemoteOwned {
			return a.HandleSceneEvent(role, domain.SceneEvent{Kind: domain.ObjectAppeared, Object: obj})
		}
	}
	return false
}

// HandleSceneEvent adopts, updates or forgets the host's anchor. It reports
// whether the local anchor changed.
func (a *AnchorLifecycle) HandleSceneEvent(role domain.Role, event domain.SceneEvent) bool {
	obj := event.Object
	if obj.Signature != a.signature || obj.Ownership != domain.RemoteOwned {
		return false
	}

	switch event.Kind {
	case domain.ObjectRemoved:
		if a.anchor != nil && a.anchor.ObjectID == obj.ID {
			a.anchor = nil
			a.appearanceSet = false
			a.logger.Infow("Host anchor disappeared", "object_id", obj.ID)
			return true
		}
		return false

	default:
		if role != domain.RoleClient {
			return false
		}
		if a.anchor != nil && a.anchor.ObjectID == obj.ID {
			a.anchor.Pose = obj.Pose
			return true
		}
		if a.anchor != nil {
			a.Remove()
		}
		a.anchor = &domain.SharedAnchor{
			ObjectID:  obj.ID,
			Pose:      obj.Pose,
			Ownership: domain.RemoteOwned,
		}
		a.appearanceSet = false
		a.logger.Infow("Adopted host anchor", "object_id", obj.ID)
		return true
	}
}

// ApplySynchronized records the derived flag on the anchor and pushes the
// matching appearance to the scene when it changed.
func (a *AnchorLifecycle) ApplySynchronized(synchronized bool) {
	if a.anchor == nil {
		return
	}
	a.anchor.Synchronized = synchronized

	appearance := domain.AppearanceFor(synchronized)
	if a.appearanceSet && a.appearance == appearance {
		return
	}
	if err := a.scene.SetAppearance(a.anchor.ObjectID, appearance); err != nil {
		a.logger.Warnw("Failed to update anchor appearance", "object_id", a.anchor.ObjectID, "error", err)
		return
	}
	a.appearance = appearance
	a.appearanceSet = true
}
