package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedMemory(ttl time.Duration) (*MemoryRegistry, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewMemoryRegistry(ttl)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryRegistryLifecycle(t *testing.T) {
	m, now := newClockedMemory(10 * time.Second)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, testRecord("a")))
	assert.ErrorIs(t, m.Register(ctx, testRecord("a")), ErrSessionExists)

	*now = now.Add(8 * time.Second)
	require.NoError(t, m.Heartbeat(ctx, "a", Heartbeat{State: "streaming", FramesPublished: 9}))

	*now = now.Add(8 * time.Second)
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "streaming", got.State)
	assert.Equal(t, uint64(9), got.FramesPublished)
	assert.Equal(t, *now, got.LastHeartbeat.Add(8*time.Second))

	// Returned records are copies.
	got.State = "changed"
	again, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "streaming", again.State)

	require.NoError(t, m.Unregister(ctx, "a"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryRegistryExpiry(t *testing.T) {
	m, now := newClockedMemory(10 * time.Second)
	ctx := context.Background()

	require.NoError(t, m.Register(ctx, testRecord("old")))
	*now = now.Add(5 * time.Second)
	require.NoError(t, m.Register(ctx, testRecord("new")))

	recs, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "old", recs[0].SessionID)

	*now = now.Add(6 * time.Second)
	recs, err = m.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].SessionID)

	assert.ErrorIs(t, m.Heartbeat(ctx, "old", Heartbeat{}), ErrSessionNotFound)
	require.NoError(t, m.Register(ctx, testRecord("old")))
}

func TestMemoryRegistryClose(t *testing.T) {
	m := NewMemoryRegistry(0)
	require.NoError(t, m.Register(context.Background(), testRecord("a")))
	require.NoError(t, m.Close())

	recs, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}
