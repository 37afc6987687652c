package domain

import "spatialsync/pkg/geometry"

// SceneObject is an entity in the rendering engine's scene.
type SceneObject struct {
	ID        ObjectID
	Signature string
	Pose      geometry.Matrix4
	Ownership Ownership
}

type SceneEventKind int

const (
	ObjectAppeared SceneEventKind = iota
	ObjectUpdated
	ObjectRemoved
)

func (k SceneEventKind) String() string {
	switch k {
	case ObjectAppeared:
		return "appeared"
	case ObjectUpdated:
		return "updated"
	default:
		return "removed"
	}
}

// SceneEvent reports a change to a remotely owned object.
type SceneEvent struct {
	Kind   SceneEventKind
	Object SceneObject
}
