package logging

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHonoursVerbosity(t *testing.T) {
	logger, err := New(Options{Level: DEBUG})
	require.NoError(t, err)
	assert.True(t, logger.V(DEBUG).Enabled())
	assert.False(t, logger.V(TRACE).Enabled())

	logger, err = New(Options{Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Enabled())
	assert.False(t, logger.V(DEBUG).Enabled())
}

func TestContextRoundTrip(t *testing.T) {
	fallback := logr.Discard()
	assert.Equal(t, fallback, FromContext(context.Background(), fallback))

	logger := NewTestLogger().WithName("request")
	ctx := IntoContext(context.Background(), logger)
	assert.True(t, FromContext(ctx, fallback).V(TRACE).Enabled())
}
