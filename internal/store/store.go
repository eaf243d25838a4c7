// Package store defines the storage interfaces used by the trading engine.
//
// Engine state (orders, positions, margin calls) lives behind the narrow
// Repository interface; the in-memory arena implementation is the only one
// the engine ships with, but a persistent one can be dropped in without
// touching matching or margin logic.
//
// Collateral is owned by an external system. It is read through the
// CollateralStore interface with PostgreSQL, Redis read-through cache, and
// in-memory implementations.
package store

import (
	"context"
	"fmt"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/model"
)

// ErrNotFound is returned by Repository.Get and Delete for unknown ids.
var ErrNotFound = fmt.Errorf("%w: record", apperr.ErrNotFound)

// Repository is a key-indexed record store.
type Repository[T any] interface {
	// Get returns the record stored under id.
	Get(ctx context.Context, id string) (T, error)

	// Put inserts or replaces the record stored under id.
	Put(ctx context.Context, id string, v T) error

	// Delete removes the record stored under id.
	Delete(ctx context.Context, id string) error

	// List returns every record for which match returns true.
	// A nil match returns all records.
	List(ctx context.Context, match func(T) bool) ([]T, error)
}

// CollateralStore reads and writes posted collateral per user and region.
type CollateralStore interface {
	// Collateral returns the user's collateral in region, zero when absent.
	Collateral(ctx context.Context, userID, region string) (model.Collateral, error)

	// SetCollateral replaces the user's collateral in region.
	SetCollateral(ctx context.Context, userID, region string, c model.Collateral) error
}
