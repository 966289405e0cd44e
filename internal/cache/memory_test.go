package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	val, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	_, found, err = m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 30*time.Millisecond))

	_, found, _ := m.Get(ctx, "k")
	assert.True(t, found)

	time.Sleep(60 * time.Millisecond)
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found, "entry should lazily expire on read")
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))

	_, found, _ := m.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryGetSetMultiple(t *testing.T) {
	m := NewMemory(100, time.Minute)
	defer m.Close()
	ctx := context.Background()

	items := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}
	require.NoError(t, m.SetMultiple(ctx, items, time.Minute))

	got, err := m.GetMultiple(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Equal(t, []byte("2"), got["b"])
	assert.NotContains(t, got, "missing")
}

func TestMemoryCleanupEnforcesMaxSize(t *testing.T) {
	m := NewMemory(5, time.Minute)
	defer m.Close()
	ctx := context.Background()

	// Staggered TTLs: cleanup evicts the entries closest to expiry
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		ttl := time.Duration(i+1) * time.Minute
		require.NoError(t, m.Set(ctx, key, []byte("v"), ttl))
	}

	m.cleanup()

	var remaining int
	for i := 0; i < 10; i++ {
		if _, found, _ := m.Get(ctx, fmt.Sprintf("k%d", i)); found {
			remaining++
		}
	}
	assert.Equal(t, 5, remaining)

	// The longest-lived entries survive
	_, found, _ := m.Get(ctx, "k9")
	assert.True(t, found)
	_, found, _ = m.Get(ctx, "k0")
	assert.False(t, found)
}
