package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/model"
)

func TestMemoryRepository_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[model.Order]()

	require.NoError(t, repo.Put(ctx, "o1", model.Order{ID: "o1", UserID: "alice"}))
	require.NoError(t, repo.Put(ctx, "o2", model.Order{ID: "o2", UserID: "bob"}))

	got, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	// Replace in place.
	require.NoError(t, repo.Put(ctx, "o1", model.Order{ID: "o1", UserID: "carol"}))
	got, _ = repo.Get(ctx, "o1")
	assert.Equal(t, "carol", got.UserID)
	assert.Equal(t, 2, repo.Len())

	require.NoError(t, repo.Delete(ctx, "o1"))
	_, err = repo.Get(ctx, "o1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.True(t, errors.Is(repo.Delete(ctx, "o1"), apperr.ErrNotFound))
}

func TestMemoryRepository_ReusesFreedSlots(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[int]()

	require.NoError(t, repo.Put(ctx, "a", 1))
	require.NoError(t, repo.Put(ctx, "b", 2))
	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Put(ctx, "c", 3))

	assert.Len(t, repo.slots, 2, "freed slot should be reused")

	all, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{2, 3}, all)

	odd, err := repo.List(ctx, func(v int) bool { return v%2 == 1 })
	require.NoError(t, err)
	assert.Equal(t, []int{3}, odd)
}

func TestMemoryCollateral_DefaultsToZero(t *testing.T) {
	ctx := context.Background()
	cs := NewMemoryCollateral()

	c, err := cs.Collateral(ctx, "alice", "US")
	require.NoError(t, err)
	assert.True(t, c.Value().IsZero())

	require.NoError(t, cs.SetCollateral(ctx, "alice", "US", model.Collateral{
		Cash:        decimal.NewFromInt(100),
		Securities:  decimal.NewFromInt(50),
		Commodities: decimal.NewFromInt(25),
	}))

	c, _ = cs.Collateral(ctx, "alice", "US")
	assert.True(t, c.Value().Equal(decimal.NewFromInt(175)))

	other, _ := cs.Collateral(ctx, "alice", "EU")
	assert.True(t, other.Value().IsZero(), "collateral is per region")
}
