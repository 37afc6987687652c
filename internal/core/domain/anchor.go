package domain

import "spatialsync/pkg/geometry"

type ObjectID string

// Ownership records who authors an object's pose.
type Ownership int

const (
	OwnershipUnset Ownership = iota
	LocallyOwned
	RemoteOwned
)

func (o Ownership) String() string {
	switch o {
	case LocallyOwned:
		return "local"
	case RemoteOwned:
		return "remote"
	default:
		return "unset"
	}
}

// SharedAnchor is the single shared marker. Its pose is in the local
// tracking frame.
type SharedAnchor struct {
	ObjectID     ObjectID
	Pose         geometry.Matrix4
	Ownership    Ownership
	Synchronized bool
}

// Adopted reports whether the anchor was received from the host rather than
// authored here.
func (a SharedAnchor) Adopted() bool { return a.Ownership == RemoteOwned }

// Appearance is the anchor's visual state.
type Appearance int

const (
	AppearanceUnsynchronized Appearance = iota
	AppearanceSynchronized
)

func (a Appearance) String() string {
	if a == AppearanceSynchronized {
		return "synchronized"
	}
	return "unsynchronized"
}

func AppearanceFor(synchronized bool) Appearance {
	if synchronized {
		return AppearanceSynchronized
	}
	return AppearanceUnsynchronized
}

// SyncEvidence is everything the synchronized predicate depends on.
type SyncEvidence struct {
	PeerCount       int
	TrackingActive  bool
	Role            Role
	CollabExchanged bool
	AnchorPresent   bool
}

// Synchronized holds iff a peer is connected, tracking runs, the role is
// Host or Client, collaboration data flowed, and a client has the anchor.
func (e SyncEvidence) Synchronized() bool {
	return e.PeerCount > 0 &&
		e.TrackingActive &&
		e.Role.Active() &&
		e.CollabExchanged &&
		(e.Role == RoleHost || e.AnchorPresent)
}
