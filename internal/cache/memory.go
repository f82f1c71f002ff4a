package cache

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/rafaeljc/bifrost/internal/flags"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// MemoryCache is the bounded in-process L1 of flag snapshots (S3-FIFO via otter).
// Snapshots are immutable, so they are shared without copying.
type MemoryCache struct {
	store otter.Cache[string, *flags.FeatureFlag]
}

// NewMemoryCache builds a cache holding at most capacity flags, each for at most ttl.
func NewMemoryCache(capacity int, ttl time.Duration) (*MemoryCache, error) {
	store, err := otter.MustBuilder[string, *flags.FeatureFlag](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store}, nil
}

// Get returns a cached snapshot and records a hit or miss.
func (c *MemoryCache) Get(name string) (*flags.FeatureFlag, bool) {
	f, ok := c.store.Get(name)
	if ok {
		observability.DataPlaneCacheHits.Inc()
	} else {
		observability.DataPlaneCacheMisses.Inc()
	}
	return f, ok
}

// Set stores a snapshot unless a newer version is already cached.
func (c *MemoryCache) Set(f *flags.FeatureFlag) {
	if cur, ok := c.store.Get(f.Name); ok && cur.Version > f.Version {
		return
	}
	c.store.Set(f.Name, f)
}

func (c *MemoryCache) Delete(name string) {
	c.store.Delete(name)
}

func (c *MemoryCache) Size() int {
	return c.store.Size()
}

// Close stops otter's background goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}
