package memory

import (
	"context"
	"testing"

	"eterlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPeerRegistry_RegisterConflict(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryPeerRegistry()

	ok, err := reg.Register(ctx, "A", "relay-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Register(ctx, "A", "relay-2")
	require.NoError(t, err)
	assert.False(t, ok, "another instance holds the code")

	ok, err = reg.Register(ctx, "A", "relay-1")
	require.NoError(t, err)
	assert.True(t, ok, "re-registering on the owning instance is allowed")

	owner, found, err := reg.Lookup(ctx, "A")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "relay-1", owner)
}

func TestMemoryPeerRegistry_UnregisterOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryPeerRegistry()

	_, err := reg.Register(ctx, "A", "relay-1")
	require.NoError(t, err)

	require.NoError(t, reg.Unregister(ctx, "A", "relay-2"))
	_, found, _ := reg.Lookup(ctx, "A")
	assert.True(t, found)

	require.NoError(t, reg.Unregister(ctx, "A", "relay-1"))
	_, found, _ = reg.Lookup(ctx, "A")
	assert.False(t, found)
}

func TestMemoryPeerRegistry_Refresh(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryPeerRegistry()

	assert.ErrorIs(t, reg.Refresh(ctx, "A", "relay-1"), domain.ErrPeerNotFound)
	_, _ = reg.Register(ctx, "A", "relay-1")
	assert.NoError(t, reg.Refresh(ctx, "A", "relay-1"))
	assert.NoError(t, reg.Ping(ctx))
}
