package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_PutGet(t *testing.T) {
	c := NewLRU(LRUOpts{Size: 4})

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = c.Get("missing")
	require.False(t, ok)

	require.Equal(t, 2, c.Len())
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(LRUOpts{Size: 3})

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	// touch k0 so k1 becomes the eviction candidate
	_, ok := c.Get("k0")
	require.True(t, ok)

	c.Put("k3", 3)

	_, ok = c.Get("k1")
	require.False(t, ok)
	_, ok = c.Get("k0")
	require.True(t, ok)
	_, ok = c.Get("k3")
	require.True(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	c := NewLRU(LRUOpts{Size: 8})

	c.Put("short", "x", WithTTL(10*time.Millisecond))
	c.Put("keep", "y")

	_, ok := c.Get("short")
	require.True(t, ok)

	<-time.After(20 * time.Millisecond)

	_, ok = c.Get("short")
	require.False(t, ok)
	_, ok = c.Get("keep")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())
}

func TestTypedCache(t *testing.T) {
	c := NewTyped[string](NewLRU(LRUOpts{Size: 2}))

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)

	c.Delete("k")
	_, ok = c.Get("k")
	require.False(t, ok)
}
