package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAdmit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	window := time.Minute

	// Fill the window up to the limit.
	for i := 0; i < 3; i++ {
		admitted, _, err := store.Admit(ctx, "k", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second), window, 3)
		require.NoError(t, err)
		assert.True(t, admitted, "entry %d should be admitted", i)
	}

	// Fourth call inside the window is rejected, oldest is the first entry.
	admitted, oldest, err := store.Admit(ctx, "k", "m3", base.Add(5*time.Second), window, 3)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, base, oldest)

	// Once the oldest entry ages out, a slot frees up.
	admitted, _, err = store.Admit(ctx, "k", "m4", base.Add(61*time.Second), window, 3)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryStoreAdmitSeparateKeys(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	admitted, _, err := store.Admit(ctx, "a", "m", now, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, admitted)

	// A different key has its own window.
	admitted, _, err = store.Admit(ctx, "b", "m", now, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, admitted)
}

func TestMemoryStoreCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("payload"), 0))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), val)

	// Returned slice is a copy; mutating it must not corrupt the store.
	val[0] = 'X'
	val2, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), val2)
}

func TestMemoryStoreCacheTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Nanosecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must not be returned")
}
