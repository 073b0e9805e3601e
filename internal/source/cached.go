package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/pkg/redis"
)

// Cached serves repeated fetches of the same range from Redis so manual
// reruns do not spend API quota. Cache failures fall through to the adapter.
type Cached struct {
	inner contracts.Adapter
	cache *redis.Cache
	ttl   time.Duration
	hash  string
	log   zerolog.Logger
}

// NewCached wraps an adapter. hash distinguishes registry configurations.
func NewCached(inner contracts.Adapter, cache *redis.Cache, ttl time.Duration, hash string, log zerolog.Logger) *Cached {
	return &Cached{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		hash:  hash,
		log:   log.With().Str("component", "source").Str("adapter", inner.Name()).Logger(),
	}
}

// Name returns the wrapped adapter's name
func (c *Cached) Name() string {
	return c.inner.Name()
}

// Columns returns the wrapped adapter's columns
func (c *Cached) Columns() []string {
	return c.inner.Columns()
}

// Fetch returns the cached response or fetches and caches a non-empty one.
func (c *Cached) Fetch(ctx context.Context, r contracts.Range) (map[string]contracts.Series, error) {
	key := redis.AdapterKey(c.inner.Name(), c.hash, r.Start, r.End)

	var cached map[string]contracts.Series
	found, err := c.cache.Get(ctx, key, &cached)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache read failed")
	}
	if found {
		c.log.Debug().Str("key", key).Msg("cache hit")
		return cached, nil
	}

	out, err := c.inner.Fetch(ctx, r)
	if err != nil {
		return nil, err
	}

	if len(out) > 0 {
		if err := c.cache.Set(ctx, key, out, c.ttl); err != nil {
			c.log.Warn().Err(err).Msg("cache write failed")
		}
	}
	return out, nil
}
