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

// GateInput is what the map handoff gate looks at.
type GateInput struct {
	Role           domain.Role
	HasSentMap     bool
	TrackingActive bool
	PeerCount      int
	Elapsed        time.Duration
}

// GateDecision is the outcome of ShouldSendMap. At most one of Send and
// RetryAfter is set.
type GateDecision struct {
	Send       bool
	RetryAfter time.Duration
}

// ShouldSendMap decides whether the host may send its environment map now.
// When only the dwell threshold is missing it asks for a single retry once
// the threshold plus margin has passed.
func ShouldSendMap(in GateInput, threshold, margin time.Duration) GateDecision {
	if in.Role != domain.RoleHost || in.HasSentMap || !in.TrackingActive || in.PeerCount == 0 {
		return GateDecision{}
	}
	if in.Elapsed >= threshold {
		return GateDecision{Send: true}
	}
	return GateDecision{RetryAfter: threshold - in.Elapsed + margin}
}

func (c *Coordinator) gateInput() GateInput {
	return GateInput{
		Role:           c.roles.Role(),
		HasSentMap:     c.sync.HasSentMap,
		TrackingActive: c.trackingActive,
		PeerCount:      c.roster.Len(),
		Elapsed:        c.sync.Elapsed(c.clock.Now()),
	}
}

// tryMapSend runs the gate. A passing gate arms the settle timer; a gate
// waiting only on the dwell threshold arms the single retry timer.
func (c *Coordinator) tryMapSend(reason string) {
	decision := ShouldSendMap(c.gateInput(), c.cfg.DwellThreshold, c.cfg.RetryMargin)

	switch {
	case decision.Send:
		if c.mapSendInFlight || c.settleTimer != nil {
			return
		}
		if c.cfg.SettleDelay <= 0 {
			c.startMapSend()
			return
		}
		epoch := c.epoch
		c.settleTimer = c.clock.AfterFunc(c.cfg.SettleDelay, func() { c.post(settleElapsed{epoch: epoch}) })
		c.logger.Debugw("Map send scheduled", "reason", reason, "delay", c.cfg.SettleDelay, "epoch", epoch)

	case decision.RetryAfter > 0:
		if c.retryTimer != nil {
			return
		}
		epoch := c.epoch
		c.retryTimer = c.clock.AfterFunc(decision.RetryAfter, func() { c.post(gateRetry{epoch: epoch}) })
		c.logger.Debugw("Map send deferred", "reason", reason, "retry_in", decision.RetryAfter, "epoch", epoch)
	}
}

// sendMapIfEligible re-checks the gate once the link had time to settle.
func (c *Coordinator) sendMapIfEligible() {
	decision := ShouldSendMap(c.gateInput(), c.cfg.DwellThreshold, c.cfg.RetryMargin)
	if !decision.Send {
		c.tryMapSend("settle re-check")
		return
	}
	if c.mapSendInFlight {
		return
	}
	c.startMapSend()
}

func (c *Coordinator) startMapSend() {
	c.mapSendInFlight = true
	epoch := c.epoch
	peers := c.roster.IDs()
	ctx := c.runCtx

	c.setStatus(fmt.Sprintf("Sending map to %d peer(s)", len(peers)))
	go func() {
		size, err := c.sendEnvironmentMap(ctx, peers)
		c.post(mapSendResult{epoch: epoch, peers: len(peers), bytes: size, err: err})
	}()
}

// sendEnvironmentMap runs off the coordinator goroutine.
func (c *Coordinator) sendEnvironmentMap(ctx context.Context, peers []domain.PeerID) (int, error) {
	mapCtx, cancel := context.WithTimeout(ctx, c.cfg.MapTimeout)
	defer cancel()

	data, err := c.tracking.CurrentEnvironmentMap(mapCtx)
	if err != nil {
		return 0, apperrors.Serialization(err, "could not capture environment map")
	}
	payload, err := envelope.EncodeMap(envelope.Map{SenderID: c.cfg.DeviceID, Data: data})
	if err != nil {
		return 0, apperrors.Serialization(err, "could not encode environment map")
	}
	if err := c.transport.Send(payload, peers, domain.SendReliable); err != nil {
		return 0, apperrors.Transport(err, "could not send environment map")
	}
	return len(payload), nil
}

func (c *Coordinator) finishMapSend(m mapSendResult) {
	c.mapSendInFlight = false
	if m.epoch != c.epoch {
		c.logger.Debugw("Ignoring map send from a previous session", "epoch", m.epoch, "current", c.epoch)
		c.tryMapSend("stale map send finished")
		return
	}

	if m.err != nil {
		c.metrics.MapSent(false)
		c.logger.Warnw("Map send failed", "peers", m.peers, "error", m.err)
		c.setStatus("Failed to send map: " + describe(m.err))
		return
	}

	c.sync.HasSentMap = true
	c.sync.HasExchangedCollabData = true
	c.metrics.MapSent(true)
	c.logger.Infow("Environment map sent", "peers", m.peers, "bytes", m.bytes, "epoch", m.epoch)
	c.ensureHostAnchor()
	c.setStatus(fmt.Sprintf("Map sent to %d peer(s)", m.peers))
	c.refresh()
}

// ensureHostAnchor creates the host's anchor in front of the camera unless
// one exists.
func (c *Coordinator) ensureHostAnchor() {
	if c.roles.Role() != domain.RoleHost || !c.trackingActive {
		return
	}
	camera := geometry.Identity4()
	if frame, ok := c.tracking.CurrentFrame(); ok {
		camera = frame.CameraTransform
	}
	if _, err := c.anchors.Ensure(domain.RoleHost, camera); err != nil {
		c.logger.Warnw("Failed to create host anchor", "error", err)
	}
}

func (c *Coordinator) relayCollaboration(data []byte, critical bool) {
	if c.roster.Len() == 0 {
		return
	}
	payload, err := envelope.EncodeCollaboration(envelope.Collaboration{
		SenderID: c.cfg.DeviceID,
		Data:     data,
		Critical: critical,
	})
	if err != nil {
		c.logger.Warnw("Failed to encode collaboration data", "error", err)
		return
	}

	mode := domain.SendUnreliable
	if critical {
		mode = domain.SendReliable
	}
	if err := c.transport.Send(payload, c.roster.IDs(), mode); err != nil {
		c.logger.Debugw("Collaboration data not sent", "bytes", len(payload), "error", err)
		return
	}

	c.metrics.CollaborationMessage("out")
	if !c.sync.HasExchangedCollabData {
		c.sync.HasExchangedCollabData = true
		c.refresh()
	}
}

func (c *Coordinator) receivePayload(from domain.PeerID, payload []byte) {
	msg, err := envelope.Decode(payload)
	if err != nil {
		c.metrics.PayloadDropped("malformed")
		c.logger.Debugw("Dropping unrecognized peer payload", "peer_id", from, "bytes", len(payload), "error", err)
		return
	}

	switch msg.Kind {
	case envelope.KindMap:
		c.receiveMap(from, msg.Map)
	case envelope.KindCollaboration:
		c.receiveCollaboration(from, msg.Collaboration)
	case envelope.KindEntity:
		if err := c.scene.ApplyRemote(from, *msg.Entity); err != nil {
			c.metrics.PayloadDropped("entity_rejected")
			c.logger.Debugw("Scene rejected remote entity", "peer_id", from, "object_id", msg.Entity.ObjectID, "error", err)
		}
	}
}

func (c *Coordinator) receiveMap(from domain.PeerID, m *envelope.Map) {
	if c.roles.Role() != domain.RoleClient {
		c.metrics.PayloadDropped("unexpected_map")
		c.logger.Debugw("Dropping environment map outside client role", "peer_id", from, "role", c.roles.Role())
		return
	}

	c.sync.HasReceivedMap = true
	c.anchors.RemoveLocal()
	c.anchors.AdoptExisting(domain.RoleClient)

	if err := c.tracking.Restart(m.Data); err != nil {
		c.logger.Warnw("Failed to restart tracking from received map", "peer_id", from, "error", err)
		c.setStatus("Failed to apply received map: " + err.Error())
		c.refresh()
		return
	}

	c.sync.SessionStartedAt = c.clock.Now()
	c.relocalizing = true
	c.metrics.MapReceived()
	c.logger.Infow("Environment map received", "peer_id", from, "bytes", len(m.Data))
	c.setStatus("Relocalizing to host map...")
	c.refresh()
}

func (c *Coordinator) receiveCollaboration(from domain.PeerID, col *envelope.Collaboration) {
	if err := c.tracking.Apply(col.Data); err != nil {
		c.logger.Warnw("Failed to apply collaboration data", "peer_id", from, "error", err)
		return
	}

	c.metrics.CollaborationMessage("in")
	c.sync.HasExchangedCollabData = true
	if c.roles.Role() == domain.RoleHost && !c.anchors.Present() && c.trackingActive {
		c.ensureHostAnchor()
	}
	c.refresh()
}

func (c *Coordinator) handlePeerState(id domain.PeerID, state domain.ConnectionState) {
	switch state {
	case domain.StateConnecting:
		c.peerStates[id] = state
		c.logger.Debugw("Peer connecting", "peer_id", id)
		return

	case domain.StateConnected:
		c.peerStates[id] = state
		if c.roster.Add(id) {
			c.logger.Infow("Peer connected", "peer_id", id, "peers", c.roster.Len())
			c.setStatus(fmt.Sprintf("Connected to %s", id))
		}
		switch c.roles.Role() {
		case domain.RoleHost:
			c.tryMapSend("peer connected")
		case domain.RoleClient:
			c.anchors.RemoveLocal()
		}

	case domain.StateDisconnected:
		delete(c.peerStates, id)
		if c.roster.Remove(id) {
			c.logger.Infow("Peer disconnected", "peer_id", id, "peers", c.roster.Len())
			c.setStatus(fmt.Sprintf("Disconnected from %s", id))
		}
	}
	c.refresh()
}
