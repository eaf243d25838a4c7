package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantenergx/trading-engine/internal/model"
)

type slot[T any] struct {
	id   string
	val  T
	used bool
}

// MemoryRepository implements Repository as an arena of slots plus an
// id → slot index. Freed slots are reused. Values are stored by value, so
// callers never share memory with the repository.
type MemoryRepository[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	index map[string]int
	free  []int
}

// NewMemoryRepository creates an empty arena.
func NewMemoryRepository[T any]() *MemoryRepository[T] {
	return &MemoryRepository[T]{
		index: make(map[string]int),
	}
}

func (r *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.slots[i].val, nil
}

func (r *MemoryRepository[T]) Put(_ context.Context, id string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[id]; ok {
		r.slots[i].val = v
		return nil
	}

	s := slot[T]{id: id, val: v, used: true}
	if n := len(r.free); n > 0 {
		i := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i] = s
		r.index[id] = i
		return nil
	}
	r.slots = append(r.slots, s)
	r.index[id] = len(r.slots) - 1
	return nil
}

func (r *MemoryRepository[T]) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var zero T
	r.slots[i] = slot[T]{val: zero}
	delete(r.index, id)
	r.free = append(r.free, i)
	return nil
}

func (r *MemoryRepository[T]) List(_ context.Context, match func(T) bool) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.index))
	for _, s := range r.slots {
		if !s.used {
			continue
		}
		if match == nil || match(s.val) {
			out = append(out, s.val)
		}
	}
	return out, nil
}

// Len returns the number of live records.
func (r *MemoryRepository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// MemoryCollateral implements CollateralStore with an in-memory map.
// Used for tests and development.
type MemoryCollateral struct {
	mu   sync.RWMutex
	data map[string]model.Collateral
}

// NewMemoryCollateral creates an empty collateral store.
func NewMemoryCollateral() *MemoryCollateral {
	return &MemoryCollateral{data: make(map[string]model.Collateral)}
}

func (s *MemoryCollateral) Collateral(_ context.Context, userID, region string) (model.Collateral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[collateralKey(userID, region)], nil
}

func (s *MemoryCollateral) SetCollateral(_ context.Context, userID, region string, c model.Collateral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[collateralKey(userID, region)] = c
	return nil
}

func collateralKey(userID, region string) string { return userID + "|" + region }
