package domain

// Role is the device's part in a shared session. Exactly one holds at a time.
type Role int

const (
	RoleIdle Role = iota
	RoleHost
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleClient:
		return "client"
	default:
		return "idle"
	}
}

// Active reports whether r takes part in a shared session.
func (r Role) Active() bool { return r == RoleHost || r == RoleClient }

// Controls reports which role toggles a UI may offer. The toggle of the
// active role stays enabled so it can be stopped; the other one is disabled.
type Controls struct {
	HostEnabled   bool
	ClientEnabled bool
}

func ControlsFor(r Role) Controls {
	return Controls{
		HostEnabled:   r != RoleClient,
		ClientEnabled: r != RoleHost,
	}
}
