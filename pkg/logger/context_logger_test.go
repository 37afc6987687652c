package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsKnownFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), RequestIDKey, "req_1")
	ctx = WithValue(ctx, ClientIDKey, "10.0.0.2:5000")
	cl.LogInfo(ctx, "frame stored")

	entries := logs.All()
	assert.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req_1", fields["request_id"])
	assert.Equal(t, "10.0.0.2:5000", fields["client_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("loud")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
