package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/market-aggregator/internal/logging"
	"github.com/market-aggregator/internal/observability"
)

// CacheService provides JSON caching on top of a Store and the read-through
// helper used by every aggregation.
type CacheService struct {
	store   Store
	metrics *observability.Metrics
	group   singleflight.Group
}

// NewCacheService creates a new cache service
func NewCacheService(store Store, metrics *observability.Metrics) *CacheService {
	return &CacheService{
		store:   store,
		metrics: metrics,
	}
}

// CacheKeyType represents different types of cache keys
type CacheKeyType string

// Key types. Aggregations cache their normalized inputs, never their
// derived views, so results do not depend on cache state.
const (
	CacheKeyListings      CacheKeyType = "listings"
	CacheKeyPurchases     CacheKeyType = "purchases"
	CacheKeyWindow        CacheKeyType = "window"
	CacheKeyRecentTrades  CacheKeyType = "trades"
	CacheKeyItems         CacheKeyType = "items"
	CacheKeyItem          CacheKeyType = "item"
	CacheKeyDayData       CacheKeyType = "daydata"
	CacheKeyUserPurchases CacheKeyType = "userpurchases"
	CacheKeyUserListings  CacheKeyType = "userlistings"
	CacheKeyUserHistory   CacheKeyType = "userhistory"
	CacheKeyBalance       CacheKeyType = "balance"
	CacheKeyETHPrice      CacheKeyType = "ethprice"
	CacheKeyGameItems     CacheKeyType = "gameitems"
	CacheKeyRecipes       CacheKeyType = "recipes"
	CacheKeyGameTime      CacheKeyType = "gametime"
	CacheKeyExecutions    CacheKeyType = "executions"
	CacheKeyStubIcon      CacheKeyType = "stubicon"
	CacheKeyAccount       CacheKeyType = "account"
)

// ErrCorruptEntry is returned by Get when a stored value cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// CacheKey builds a cache key for a given type and parameters.
// Format: <type>:<param1>:<param2>:...
// Every parameter that changes the cached result must be passed.
func CacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, p := range params {
		parts = append(parts, strings.ToLower(p))
	}
	return strings.Join(parts, ":")
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.store.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, found, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return true, nil
}

// Invalidate removes one or more keys from cache
func (c *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.store.Del(ctx, keys...)
}

// Ping checks the underlying store
func (c *CacheService) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// ReadThrough returns the cached value under key, or runs load and caches its
// result for ttl. Concurrent misses on one key share a single load. A value
// is written only when load succeeded and ctx is still live, so failed or
// cancelled aggregations never populate the cache. Cache errors are logged
// and treated as misses. A nil cache or non-positive ttl calls load directly.
func ReadThrough[T any](ctx context.Context, c *CacheService, kind CacheKeyType, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil || ttl <= 0 {
		return load(ctx)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	logger := logging.FromContext(ctx).WithField("cacheKey", key)

	var cached T
	found, err := c.Get(ctx, key, &cached)
	switch {
	case errors.Is(err, ErrCorruptEntry):
		c.metrics.RecordCacheLookup(string(kind), "error")
		logger.WithError(err).Warn("Dropping undecodable cache entry")
		if derr := c.Invalidate(ctx, key); derr != nil {
			logger.WithError(derr).Warn("Cache delete failed")
		}
	case err != nil:
		c.metrics.RecordCacheLookup(string(kind), "error")
		logger.WithError(err).Warn("Cache read failed, loading from source")
	case found:
		c.metrics.RecordCacheLookup(string(kind), "hit")
		return cached, nil
	default:
		c.metrics.RecordCacheLookup(string(kind), "miss")
	}

	// A follower whose leader was cancelled gets one more chance to load
	// under its own context.
	for attempt := 0; attempt < 2; attempt++ {
		ch := c.group.DoChan(key, func() (interface{}, error) {
			v, err := load(ctx)
			if err != nil || ctx.Err() != nil {
				return v, err
			}
			if werr := c.SetWithTTL(ctx, key, v, ttl); werr != nil {
				logger.WithError(werr).Warn("Cache write failed")
			}
			return v, nil
		})

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			if res.Err != nil {
				if isCancellation(res.Err) && ctx.Err() == nil {
					continue
				}
				return zero, res.Err
			}
			v, ok := res.Val.(T)
			if !ok {
				return zero, fmt.Errorf("cache: unexpected value type %T for key %s", res.Val, key)
			}
			return v, nil
		}
	}
	return zero, context.Canceled
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
