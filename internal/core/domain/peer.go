package domain

import "sort"

type PeerID string

// ConnectionState is the lifecycle of one peer link:
// Disconnected -> Connecting -> Connected -> Disconnected.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SendMode selects the delivery guarantee for a peer payload.
type SendMode int

const (
	SendReliable SendMode = iota
	SendUnreliable
)

// PeerRoster is the set of connected peers. Only transport connect and
// disconnect events mutate it.
type PeerRoster struct {
	peers map[PeerID]struct{}
}

func NewPeerRoster() *PeerRoster {
	return &PeerRoster{peers: make(map[PeerID]struct{})}
}

// Add returns false if id was already present.
func (r *PeerRoster) Add(id PeerID) bool {
	if _, ok := r.peers[id]; ok {
		return false
	}
	r.peers[id] = struct{}{}
	return true
}

// Remove returns false if id was not present.
func (r *PeerRoster) Remove(id PeerID) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *PeerRoster) Contains(id PeerID) bool {
	_, ok := r.peers[id]
	return ok
}

func (r *PeerRoster) Len() int { return len(r.peers) }

func (r *PeerRoster) Clear() { r.peers = make(map[PeerID]struct{}) }

// IDs returns the connected peers in lexical order.
func (r *PeerRoster) IDs() []PeerID {
	ids := make([]PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
