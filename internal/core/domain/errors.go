package domain

import "errors"

var (
	ErrNoTrackingFrame    = errors.New("no tracking frame available")
	ErrNoAnchor           = errors.New("no shared anchor placed")
	ErrNotAnchorAuthor    = errors.New("only the host may author the shared anchor")
	ErrCaptureInProgress  = errors.New("a capture is already in progress")
	ErrNoPeers            = errors.New("no connected peers")
	ErrTrackingInactive   = errors.New("tracking session is not active")
	ErrEnvironmentMapBusy = errors.New("environment map send already in flight")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrObjectNotFound     = errors.New("scene object not found")
)
