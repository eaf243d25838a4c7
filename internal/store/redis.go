package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantenergx/trading-engine/internal/model"
)

// CachedCollateral wraps a primary CollateralStore (PostgreSQL) with a Redis
// read-through cache. Writes go to the primary and invalidate the cache;
// reads check Redis first then fall back to the primary. The margin sweep
// reads collateral for every user each interval, which is what the cache
// absorbs.
type CachedCollateral struct {
	primary CollateralStore
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedCollateral creates a cached wrapper around a primary store.
func NewCachedCollateral(primary CollateralStore, rdb redis.Cmdable, ttl time.Duration) *CachedCollateral {
	return &CachedCollateral{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedCollateral) Collateral(ctx context.Context, userID, region string) (model.Collateral, error) {
	key := cacheKey(userID, region)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var c model.Collateral
		if json.Unmarshal(data, &c) == nil {
			return c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.Collateral(ctx, userID, region)
	if err != nil {
		return model.Collateral{}, err
	}

	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return c, nil
}

func (s *CachedCollateral) SetCollateral(ctx context.Context, userID, region string, c model.Collateral) error {
	if err := s.primary.SetCollateral(ctx, userID, region, c); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, cacheKey(userID, region))
	return nil
}

func cacheKey(userID, region string) string { return fmt.Sprintf("collateral:%s:%s", userID, region) }
