package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.Get(ctx, "sess-1", KeyRequestID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "sess-1", KeyRequestID, "id-abc"))

	value, ok, err := store.Get(ctx, "sess-1", KeyRequestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id-abc", value)

	// Values are scoped per session
	_, ok, err = store.Get(ctx, "sess-2", KeyRequestID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "sess-1", KeyAuthenticated, "1"))
	require.NoError(t, store.Delete(ctx, "sess-1", KeyAuthenticated))

	_, ok, err := store.Get(ctx, "sess-1", KeyAuthenticated)
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is not an error
	require.NoError(t, store.Delete(ctx, "sess-1", KeyAuthenticated))
}

func TestMemoryStoreTakeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "sess-1", KeyRequestID, "id-abc"))

	value, ok, err := store.Take(ctx, "sess-1", KeyRequestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id-abc", value)

	_, ok, err = store.Take(ctx, "sess-1", KeyRequestID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreTakeConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "sess-1", KeyRequestID, "id-abc"))

	const callers = 16
	wins := make([]bool, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, wins[i], errs[i] = store.Take(ctx, "sess-1", KeyRequestID)
		}(i)
	}
	wg.Wait()

	won := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if wins[i] {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one concurrent caller takes the value")
}

func TestMemoryStorePurgeOlderThan(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "sess-old", KeyRequestID, "id-old"))
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Set(ctx, "sess-new", KeyRequestID, "id-new"))

	purged, err := store.PurgeOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, ok, err := store.Get(ctx, "sess-old", KeyRequestID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Get(ctx, "sess-new", KeyRequestID)
	require.NoError(t, err)
	assert.True(t, ok)
}
