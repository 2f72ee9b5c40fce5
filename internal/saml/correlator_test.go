package saml

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbenholt/drupal-samlauth/internal/session"
)

func TestCorrelatorSingleUse(t *testing.T) {
	ctx := context.Background()
	correlator := NewCorrelator(session.NewMemoryStore())

	requestID, err := correlator.BeginRequest(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)
	assert.True(t, strings.HasPrefix(requestID, "id-"))

	got, ok, err := correlator.TakePendingRequestID(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, requestID, got)

	// Second take in the same session yields absent
	_, ok, err = correlator.TakePendingRequestID(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorrelatorSessionsAreIndependent(t *testing.T) {
	ctx := context.Background()
	correlator := NewCorrelator(session.NewMemoryStore())

	first, err := correlator.BeginRequest(ctx, "sess-1")
	require.NoError(t, err)
	second, err := correlator.BeginRequest(ctx, "sess-2")
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "request ids must be unpredictable per session")

	got, ok, err := correlator.TakePendingRequestID(ctx, "sess-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, got)

	got, ok, err = correlator.TakePendingRequestID(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestCorrelatorNewRequestReplacesPending(t *testing.T) {
	ctx := context.Background()
	correlator := NewCorrelator(session.NewMemoryStore())

	_, err := correlator.BeginRequest(ctx, "sess-1")
	require.NoError(t, err)
	latest, err := correlator.BeginRequest(ctx, "sess-1")
	require.NoError(t, err)

	got, ok, err := correlator.TakePendingRequestID(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, latest, got, "only the latest request id may be pending")
}
