package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tissuealign/internal/imaging"
	"tissuealign/internal/masking"
)

func key(id string) CacheKey {
	return CacheKey{SourceID: id, ConfigHash: "h", Grid: "10x10@0"}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache(2)
	c.Put(key("a"), masking.Result{Filled: imaging.NewMask(1, 1)})
	c.Put(key("b"), masking.Result{})

	_, ok := c.Get(key("a"))
	assert.True(t, ok)

	c.Put(key("c"), masking.Result{})
	assert.Equal(t, []CacheKey{key("c"), key("a")}, c.Keys())

	_, ok = c.Get(key("b"))
	assert.False(t, ok)

	got, ok := c.Get(key("a"))
	assert.True(t, ok)
	assert.Equal(t, 1, got.Filled.Width)

	assert.Equal(t, CacheStats{Hits: 2, Misses: 1, Evictions: 1}, c.Stats())
}

func TestLRUCacheOverwriteKeepsSize(t *testing.T) {
	c := NewLRUCache(0)
	c.Put(key("a"), masking.Result{})
	c.Put(key("a"), masking.Result{Filled: imaging.NewMask(3, 3)})
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get(key("a"))
	assert.True(t, ok)
	assert.Equal(t, 3, got.Filled.Width)

	c.Put(key("b"), masking.Result{})
	assert.Equal(t, []CacheKey{key("b")}, c.Keys())
}
