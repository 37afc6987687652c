package services

import (
	"context"

	"go.uber.org/zap"

	"spatialsync/internal/core/domain"
	"spatialsync/internal/core/ports"
	apperrors "spatialsync/pkg/errors"
)

// RoleObserver is told about every completed role transition. The
// coordinator uses it to reset session state.
type RoleObserver interface {
	RoleStarted(role domain.Role)
	RoleStopped(role domain.Role)
}

// RoleMachine holds the Idle/Host/Client role and drives transport discovery.
// It is not safe for concurrent use; the coordinator owns it.
type RoleMachine struct {
	role      domain.Role
	transport ports.PeerTransport
	observer  RoleObserver
	logger    *zap.SugaredLogger
}

func NewRoleMachine(transport ports.PeerTransport, observer RoleObserver, logger *zap.SugaredLogger) *RoleMachine {
	return &RoleMachine{
		role:      domain.RoleIdle,
		transport: transport,
		observer:  observer,
		logger:    logger,
	}
}

func (m *RoleMachine) Role() domain.Role { return m.role }

func (m *RoleMachine) Controls() domain.Controls { return domain.ControlsFor(m.role) }

// StartHost stops a running client first, then advertises. If advertising
// fails the machine stays Idle.
func (m *RoleMachine) StartHost(ctx context.Context) error {
	switch m.role {
	case domain.RoleHost:
		return nil
	case domain.RoleClient:
		m.StopClient()
	}

	if err := m.transport.Advertise(ctx); err != nil {
		m.logger.Warnw("Failed to start advertising", "error", err)
		return apperrors.Transport(err, "could not start hosting")
	}

	m.role = domain.RoleHost
	m.logger.Infow("Role changed", "role", m.role)
	m.observer.RoleStarted(domain.RoleHost)
	return nil
}

// StopHost stops advertising and disconnects every peer. It is a no-op
// unless the machine is hosting.
func (m *RoleMachine) StopHost() {
	if m.role != domain.RoleHost {
		return
	}
	m.transport.StopAdvertise()
	m.transport.DisconnectAll()

	m.role = domain.RoleIdle
	m.logger.Infow("Role changed", "role", m.role, "previous", domain.RoleHost)
	m.observer.RoleStopped(domain.RoleHost)
}

// StartClient stops a running host first, then browses for hosts. If
// browsing fails the machine stays Idle.
func (m *RoleMachine) StartClient(ctx context.Context) error {
	switch m.role {
	case domain.RoleClient:
		return nil
	case domain.RoleHost:
		m.StopHost()
	}

	if err := m.transport.Browse(ctx); err != nil {
		m.logger.Warnw("Failed to start browsing", "error", err)
		return apperrors.Transport(err, "could not start searching for hosts")
	}

	m.role = domain.RoleClient
	m.logger.Infow("Role changed", "role", m.role)
	m.observer.RoleStarted(domain.RoleClient)
	return nil
}

// StopClient stops browsing and disconnects every peer. It is a no-op
// unless the machine is a client.
func (m *RoleMachine) StopClient() {
	if m.role != domain.RoleClient {
		return
	}
	m.transport.StopBrowse()
	m.transport.DisconnectAll()

	m.role = domain.RoleIdle
	m.logger.Infow("Role changed", "role", m.role, "previous", domain.RoleClient)
	m.observer.RoleStopped(domain.RoleClient)
}

// Stop leaves whichever role is active.
func (m *RoleMachine) Stop() {
	m.StopHost()
	m.StopClient()
}
