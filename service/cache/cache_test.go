package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestCache(t *testing.T, cfg Config) (*TTL[int], *fakeClock) {
	t.Helper()
	c := New[int](cfg)
	require.NotNil(t, c)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clock.now
	return c, clock
}

func TestTTL_GetAdd(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxEntries: 10, TTL: time.Minute})

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Add("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestTTL_Expiry(t *testing.T) {
	c, clock := newTestCache(t, Config{MaxEntries: 10, TTL: time.Minute})
	c.Add("a", 1)

	clock.t = clock.t.Add(2 * time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "expired entries stay until purged")

	_, _, ok = c.GetStale("a")
	assert.True(t, ok)
}

func TestTTL_GetStale(t *testing.T) {
	c, clock := newTestCache(t, Config{MaxEntries: 10, TTL: time.Minute})
	c.Add("sol", 150)

	clock.t = clock.t.Add(5 * time.Minute)

	v, age, ok := c.GetStale("sol")
	require.True(t, ok)
	assert.Equal(t, 150, v)
	assert.Equal(t, 5*time.Minute, age)
}

func TestTTL_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxEntries: 2})
	c.Add("a", 1)
	c.Add("b", 2)
	c.Get("a")
	c.Add("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestTTL_PurgeExpired(t *testing.T) {
	c, clock := newTestCache(t, Config{MaxEntries: 10, TTL: time.Minute})
	c.Add("old", 1)
	clock.t = clock.t.Add(90 * time.Second)
	c.Add("new", 2)

	c.PurgeExpired()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("new")
	assert.True(t, ok)
}

func TestTTL_NilIsNoop(t *testing.T) {
	c := New[string](Config{MaxEntries: 0})
	assert.Nil(t, c)

	c.Add("k", "v")
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	c.PurgeExpired()
	c.Remove("k")
}
