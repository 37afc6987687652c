package domain

import "time"

// SyncState tracks the map handoff for the current tracking session.
type SyncState struct {
	HasSentMap             bool
	HasReceivedMap         bool
	HasExchangedCollabData bool
	// SessionStartedAt is zero while no tracking session is running.
	SessionStartedAt time.Time
}

// Reset clears every flag and forgets the session start.
func (s *SyncState) Reset() { *s = SyncState{} }

func (s SyncState) SessionStarted() bool { return !s.SessionStartedAt.IsZero() }

// Elapsed returns the time since the session started, or zero if none has.
func (s SyncState) Elapsed(now time.Time) time.Duration {
	if !s.SessionStarted() {
		return 0
	}
	return now.Sub(s.SessionStartedAt)
}
