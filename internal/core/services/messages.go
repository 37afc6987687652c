package services

import (
	"context"
	"fmt"
	"time"

	"spatialsync/internal/core/domain"
	"spatialsync/pkg/envelope"
	apperrors "spatialsync/pkg/errors"
	"spatialsync/pkg/geometry"
)

// message is one unit of work for the coordinator goroutine.
type message interface {
	handle(c *Coordinator)
}

type roleOp int

const (
	opStartHost roleOp = iota
	opStopHost
	opStartClient
	opStopClient
)

type roleCommand struct {
	ctx   context.Context
	op    roleOp
	reply chan error
}

func (m roleCommand) handle(c *Coordinator) {
	var err error
	switch m.op {
	case opStartHost:
		err = c.roles.StartHost(m.ctx)
	case opStopHost:
		c.roles.StopHost()
	case opStartClient:
		err = c.roles.StartClient(m.ctx)
	case opStopClient:
		c.roles.StopClient()
	}
	if err != nil {
		c.setStatus(describe(err))
		c.refresh()
	}
	m.reply <- err
}

type anchorOp int

const (
	opPlaceInFront anchorOp = iota
	opPlaceAt
	opRemove
)

type anchorCommand struct {
	op    anchorOp
	pose  geometry.Matrix4
	reply chan error
}

func (m anchorCommand) handle(c *Coordinator) {
	m.reply <- c.handleAnchorCommand(m)
}

func (c *Coordinator) handleAnchorCommand(m anchorCommand) error {
	role := c.roles.Role()

	switch m.op {
	case opRemove:
		if anchor, ok := c.anchors.Current(); ok && anchor.Adopted() {
			return nil
		}
		c.anchors.Remove()

	case opPlaceInFront, opPlaceAt:
		pose := m.pose
		if m.op == opPlaceInFront {
			frame, ok := c.tracking.CurrentFrame()
			if !ok {
				err := apperrors.Precondition(domain.ErrNoTrackingFrame, "cannot place anchor")
				c.setStatus(describe(err))
				return err
			}
			pose = c.anchors.PlacementPose(frame.CameraTransform)
		}
		if err := c.anchors.Move(role, pose); err != nil {
			c.setStatus(fmt.Sprintf("Cannot place anchor: %v", err))
			return err
		}
		c.setStatus("Anchor placed")
	}

	c.refresh()
	return nil
}

type snapshotRequest struct {
	reply chan Snapshot
}

func (m snapshotRequest) handle(c *Coordinator) { m.reply <- c.snapshot() }

type trackingStarted struct{ seeded bool }

func (m trackingStarted) handle(c *Coordinator) {
	c.trackingActive = true
	now := c.clock.Now()

	if m.seeded {
		c.sync.SessionStartedAt = now
		c.logger.Infow("Tracking session restarted from received map")
	} else {
		c.advanceEpoch()
		c.sync.Reset()
		c.sync.SessionStartedAt = now
		c.relocalizing = false
		c.anchors.Remove()
		c.logger.Infow("Tracking session started", "epoch", c.epoch)
	}

	c.tryMapSend("tracking started")
	c.refresh()
}

type trackingStopped struct{}

func (trackingStopped) handle(c *Coordinator) {
	c.trackingActive = false
	c.sync.SessionStartedAt = time.Time{}
	c.advanceEpoch()
	c.logger.Infow("Tracking session stopped")
	c.refresh()
}

type mappingChanged struct{ status domain.MappingStatus }

func (m mappingChanged) handle(c *Coordinator) {
	c.mapping = m.status
	if c.relocalizing && m.status.Adequate() {
		c.relocalizing = false
		c.setStatus("Relocalized to host map")
	}
}

type localCollaboration struct {
	data     []byte
	critical bool
}

func (m localCollaboration) handle(c *Coordinator) { c.relayCollaboration(m.data, m.critical) }

type peerStateChanged struct {
	id    domain.PeerID
	state domain.ConnectionState
}

func (m peerStateChanged) handle(c *Coordinator) { c.handlePeerState(m.id, m.state) }

type peerData struct {
	id      domain.PeerID
	payload []byte
}

func (m peerData) handle(c *Coordinator) { c.receivePayload(m.id, m.payload) }

type sceneChanged struct{ event domain.SceneEvent }

func (m sceneChanged) handle(c *Coordinator) {
	if c.anchors.HandleSceneEvent(c.roles.Role(), m.event) {
		c.refresh()
	}
}

type outboundEntity struct{ entity envelope.Entity }

func (m outboundEntity) handle(c *Coordinator) {
	if c.roster.Len() == 0 {
		return
	}
	entity := m.entity
	entity.SenderID = c.cfg.DeviceID
	payload, err := envelope.EncodeEntity(entity)
	if err != nil {
		c.logger.Warnw("Failed to encode scene entity", "object_id", entity.ObjectID, "error", err)
		return
	}
	if err := c.transport.Send(payload, c.roster.IDs(), domain.SendReliable); err != nil {
		c.logger.Debugw("Scene entity not sent", "object_id", entity.ObjectID, "error", err)
	}
}

type gateRetry struct{ epoch uint64 }

func (m gateRetry) handle(c *Coordinator) {
	if m.epoch != c.epoch {
		return
	}
	c.retryTimer = nil
	c.tryMapSend("dwell threshold reached")
}

type settleElapsed struct{ epoch uint64 }

func (m settleElapsed) handle(c *Coordinator) {
	if m.epoch != c.epoch {
		return
	}
	c.settleTimer = nil
	c.sendMapIfEligible()
}

type mapSendResult struct {
	epoch uint64
	peers int
	bytes int
	err   error
}

func (m mapSendResult) handle(c *Coordinator) { c.finishMapSend(m) }

type captureRequest struct{}

func (captureRequest) handle(c *Coordinator) { c.startCapture() }

type captureFinished struct {
	stage  string
	result domain.UploadResult
	err    error
}

func (m captureFinished) handle(c *Coordinator) { c.finishCapture(m) }
