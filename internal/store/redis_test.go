package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/model"
)

// fakeRedis implements the three commands CachedCollateral uses.
type fakeRedis struct {
	redis.Cmdable
	data map[string][]byte
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: make(map[string][]byte)} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if v, ok := f.data[key]; ok {
		cmd.SetVal(string(v))
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = v
	case string:
		f.data[key] = []byte(v)
	}
	cmd := redis.NewStatusCmd(ctx, "set", key)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	cmd := redis.NewIntCmd(ctx, "del")
	cmd.SetVal(n)
	return cmd
}

type countingCollateral struct {
	*MemoryCollateral
	reads int
}

func (c *countingCollateral) Collateral(ctx context.Context, userID, region string) (model.Collateral, error) {
	c.reads++
	return c.MemoryCollateral.Collateral(ctx, userID, region)
}

func TestCachedCollateral_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	primary := &countingCollateral{MemoryCollateral: NewMemoryCollateral()}
	rdb := newFakeRedis()
	cs := NewCachedCollateral(primary, rdb, time.Minute)

	require.NoError(t, cs.SetCollateral(ctx, "alice", "US", model.Collateral{Cash: decimal.NewFromInt(1000)}))

	c, err := cs.Collateral(ctx, "alice", "US")
	require.NoError(t, err)
	assert.True(t, c.Cash.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, primary.reads)

	// Second read is served by the cache.
	c, err = cs.Collateral(ctx, "alice", "US")
	require.NoError(t, err)
	assert.True(t, c.Cash.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, primary.reads)

	// A write invalidates the cached entry.
	require.NoError(t, cs.SetCollateral(ctx, "alice", "US", model.Collateral{Cash: decimal.NewFromInt(5)}))
	c, _ = cs.Collateral(ctx, "alice", "US")
	assert.True(t, c.Cash.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, 2, primary.reads)
}
