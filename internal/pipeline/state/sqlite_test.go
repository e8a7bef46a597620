package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureStates(ctx, "vid-1", []string{"360p", "720p"}))

	t.Run("ensure is idempotent", func(t *testing.T) {
		require.NoError(t, store.EnsureStates(ctx, "vid-1", []string{"360p", "720p"}))
		states, err := store.ListByVideo(ctx, "vid-1")
		require.NoError(t, err)
		require.Len(t, states, 2)
		for _, st := range states {
			assert.Equal(t, StatusPending, st.Status)
			assert.Zero(t, st.Attempts)
		}
	})

	t.Run("claim wins once", func(t *testing.T) {
		ok, err := store.Claim(ctx, "vid-1", "360p")
		require.NoError(t, err)
		require.True(t, ok)

		again, err := store.Claim(ctx, "vid-1", "360p")
		require.NoError(t, err)
		assert.False(t, again, "running rendition must not be claimable")
	})

	t.Run("failure can be retried", func(t *testing.T) {
		require.NoError(t, store.MarkFailed(ctx, "vid-1", "360p", "encoder exited 1"))

		st, err := store.Get(ctx, "vid-1", "360p")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, st.Status)
		assert.Equal(t, "encoder exited 1", st.LastError)

		ok, err := store.Claim(ctx, "vid-1", "360p")
		require.NoError(t, err)
		require.True(t, ok)

		st, err = store.Get(ctx, "vid-1", "360p")
		require.NoError(t, err)
		assert.Equal(t, 2, st.Attempts)
	})

	t.Run("success is terminal", func(t *testing.T) {
		require.NoError(t, store.MarkSucceeded(ctx, "vid-1", "360p", "/media/hls/vid-1/360p/index.m3u8"))
		require.NoError(t, store.MarkFailed(ctx, "vid-1", "360p", "late failure"))

		st, err := store.Get(ctx, "vid-1", "360p")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, st.Status)
		assert.Equal(t, "/media/hls/vid-1/360p/index.m3u8", st.ManifestPath)
		assert.Empty(t, st.LastError)

		ok, err := store.Claim(ctx, "vid-1", "360p")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSQLiteStoreUnknownRendition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "vid-missing", "360p")
	assert.ErrorIs(t, err, ErrStateNotFound)

	_, err = store.Claim(ctx, "vid-missing", "360p")
	assert.ErrorIs(t, err, ErrStateNotFound)

	err = store.MarkSucceeded(ctx, "vid-missing", "360p", "/tmp/index.m3u8")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestSQLiteStoreResetStalled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	require.NoError(t, store.EnsureStates(ctx, "vid-1", []string{"360p", "720p"}))
	ok, err := store.Claim(ctx, "vid-1", "360p")
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(30 * time.Minute)
	ok, err = store.Claim(ctx, "vid-1", "720p")
	require.NoError(t, err)
	require.True(t, ok)

	reset, err := store.ResetStalled(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	stale, err := store.Get(ctx, "vid-1", "360p")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stale.Status)
	assert.Equal(t, 1, stale.Attempts, "reset must preserve attempts")

	fresh, err := store.Get(ctx, "vid-1", "720p")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, fresh.Status)
}
