package ttlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	c := New[string, int](time.Hour)
	_, ok := c.Get("missing")
	require.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New[string, string](5 * time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.Set("group", "g.us")
	v, ok := c.Get("group")
	require.True(t, ok)
	assert.Equal(t, "g.us", v)

	c.now = func() time.Time { return fixed.Add(6 * time.Minute) }
	_, ok = c.Get("group")
	assert.False(t, ok, "entry should have expired after TTL elapsed")
	assert.Equal(t, 0, c.Len(), "expired entry should be purged on read")
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := New[string, int](time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.Set("fresh", 1)
	c.now = func() time.Time { return fixed.Add(-2 * time.Minute) }
	c.Set("stale", 2)
	c.now = func() time.Time { return fixed }

	removed := c.Sweep()
	assert.Equal(t, 1, removed)
	_, ok := c.Get("fresh")
	assert.True(t, ok)
	_, ok = c.Get("stale")
	assert.False(t, ok)
}
