package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"spatialsync/internal/core/domain"
)

func TestShouldSendMap(t *testing.T) {
	const (
		threshold = time.Second
		margin    = 50 * time.Millisecond
	)
	ready := GateInput{
		Role:           domain.RoleHost,
		TrackingActive: true,
		PeerCount:      1,
		Elapsed:        2 * time.Second,
	}

	tests := []struct {
		name   string
		mutate func(*GateInput)
		want   GateDecision
	}{
		{name: "all conditions hold", mutate: func(*GateInput) {}, want: GateDecision{Send: true}},
		{name: "exactly at threshold", mutate: func(in *GateInput) { in.Elapsed = threshold }, want: GateDecision{Send: true}},
		{name: "client never sends", mutate: func(in *GateInput) { in.Role = domain.RoleClient }},
		{name: "idle never sends", mutate: func(in *GateInput) { in.Role = domain.RoleIdle }},
		{name: "already sent", mutate: func(in *GateInput) { in.HasSentMap = true }},
		{name: "tracking inactive", mutate: func(in *GateInput) { in.TrackingActive = false }},
		{name: "no peers", mutate: func(in *GateInput) { in.PeerCount = 0 }},
		{
			name:   "dwell not reached",
			mutate: func(in *GateInput) { in.Elapsed = 200 * time.Millisecond },
			want:   GateDecision{RetryAfter: 850 * time.Millisecond},
		},
		{
			name:   "no session start yet",
			mutate: func(in *GateInput) { in.Elapsed = 0 },
			want:   GateDecision{RetryAfter: threshold + margin},
		},
		{
			name: "dwell not reached without peers does not retry",
			mutate: func(in *GateInput) {
				in.Elapsed = 200 * time.Millisecond
				in.PeerCount = 0
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := ready
			tt.mutate(&in)

			got := ShouldSendMap(in, threshold, margin)
			assert.Equal(t, tt.want, got)
			assert.False(t, got.Send && got.RetryAfter > 0)
		})
	}
}
