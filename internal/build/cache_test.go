package build

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snowdrift/internal/urls"
)

func testBuilder(loc string) *FileBuilder {
	return NewFileBuilder(FileBuilderOptions{Loc: loc}, &Services{})
}

func TestCacheLRU(t *testing.T) {
	t.Run("evicts the least recently used entry", func(t *testing.T) {
		cache := NewCache(3, 0)
		for i := 1; i <= 3; i++ {
			cache.Set(fmt.Sprintf("key%d", i), testBuilder(fmt.Sprintf("/f%d", i)))
		}
		_, found := cache.Get("key1")
		require.True(t, found)

		cache.Set("key4", testBuilder("/f4"))

		_, found = cache.Get("key2")
		assert.False(t, found, "key2 was least recently used")
		for _, key := range []string{"key1", "key3", "key4"} {
			_, found := cache.Get(key)
			assert.True(t, found, key)
		}
		assert.Equal(t, int64(1), cache.Stats().Evictions)
	})

	t.Run("builders are listed most recent first", func(t *testing.T) {
		cache := NewCache(0, 0)
		a, b := testBuilder("/a"), testBuilder("/b")
		cache.Set("a", a)
		cache.Set("b", b)
		cache.Get("a")
		assert.Equal(t, []*FileBuilder{a, b}, cache.Builders())
	})

	t.Run("replacing a key keeps one entry", func(t *testing.T) {
		cache := NewCache(0, 0)
		cache.Set("a", testBuilder("/a"))
		replacement := testBuilder("/a")
		cache.Set("a", replacement)
		got, _ := cache.Get("a")
		assert.Same(t, replacement, got)
		assert.Equal(t, 1, cache.Stats().Entries)
	})
}

func TestCacheGetOrCreateShares(t *testing.T) {
	cache := NewCache(0, 0)
	var created int
	var mu sync.Mutex
	create := func() *FileBuilder {
		mu.Lock()
		created++
		mu.Unlock()
		return testBuilder("/app.js")
	}

	results := make([]*FileBuilder, 16)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.GetOrCreate("key", create)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	for _, fb := range results {
		assert.Same(t, results[0], fb)
	}
	stats := cache.Stats()
	assert.Equal(t, int64(15), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 15.0/16.0, stats.HitRate(), 1e-9)
}

func TestCacheDeleteFile(t *testing.T) {
	cache := NewCache(0, 0)
	for _, mode := range []string{urls.ModeDev, urls.ModeProd} {
		for _, ssr := range []bool{false, true} {
			cache.Set(urls.CacheKey("/src/app.js", mode, ssr), testBuilder("/src/app.js"))
		}
	}
	cache.Set(urls.CacheKey("/src/app.jsx", urls.ModeDev, false), testBuilder("/src/app.jsx"))

	assert.Equal(t, 4, cache.DeleteFile("/src/app.js"))
	assert.Equal(t, 1, cache.Stats().Entries, "a file sharing the prefix survives")
	assert.Equal(t, 0, cache.DeleteFile("/src/app.js"))

	assert.True(t, cache.Delete(urls.CacheKey("/src/app.jsx", urls.ModeDev, false)))
	assert.False(t, cache.Delete("missing"))
	assert.Equal(t, int64(5), cache.Stats().Deletes)
}

func TestCacheTTL(t *testing.T) {
	cache := NewCache(0, 20*time.Millisecond)
	cache.Set("key", testBuilder("/a"))
	_, found := cache.Get("key")
	require.True(t, found)

	time.Sleep(40 * time.Millisecond)
	_, found = cache.Get("key")
	assert.False(t, found)
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestCacheClear(t *testing.T) {
	cache := NewCache(0, 0)
	cache.Set("a", testBuilder("/a"))
	cache.Get("a")
	cache.Clear()

	assert.Equal(t, CacheStats{}, cache.Stats())
	assert.Empty(t, cache.Builders())
}
