package embeddings

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes a Provider. Concurrent requests for the same text share
// one upstream call.
type Cached struct {
	next  Provider
	cache *ristretto.Cache
	group singleflight.Group
}

// NewCached wraps next with a cache holding roughly maxEntries vectors.
func NewCached(next Provider, maxEntries int64) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c}, nil
}

func (c *Cached) Dimensions() int { return c.next.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return clone(v.([]float32)), nil
	}
	v, err, _ := c.group.Do(text, func() (any, error) {
		vec, err := c.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(text, vec, 1)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]float32)), nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
