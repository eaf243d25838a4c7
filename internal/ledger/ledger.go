// Package ledger aggregates executed trades into per-user positions.
//
// Every user has an account guarded by its own mutex. A trade side is
// booked and the caller's follow-up (margin re-evaluation) runs while that
// lock is held, so no reader of the account observes the position update
// without its margin check. After every change the account publishes an
// immutable snapshot that background readers load without locking.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/store"
)

// PriceScale is the number of decimal places kept on average prices.
const PriceScale int32 = 8

// ErrInvalidFill is returned for a zero quantity or non-positive price.
var ErrInvalidFill = fmt.Errorf("%w: invalid fill", apperr.ErrValidation)

// Snapshot is an immutable view of one account.
type Snapshot struct {
	UserID      string
	Region      string
	Positions   []model.Position
	RealizedPnL decimal.Decimal
}

type account struct {
	mu        sync.Mutex
	userID    string
	region    string
	positions map[string]*model.Position // by instrument
	realized  decimal.Decimal            // P&L from fully closed positions

	snap atomic.Pointer[Snapshot]
}

// Ledger owns all positions.
type Ledger struct {
	mu            sync.RWMutex
	accounts      map[string]*account
	repo          store.Repository[model.Position]
	defaultRegion string
}

// New creates a ledger persisting positions to repo.
func New(repo store.Repository[model.Position], defaultRegion string) *Ledger {
	return &Ledger{
		accounts:      make(map[string]*account),
		repo:          repo,
		defaultRegion: defaultRegion,
	}
}

func (l *Ledger) account(userID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[userID]; ok {
		return a
	}
	a = &account{
		userID:    userID,
		region:    l.defaultRegion,
		positions: make(map[string]*model.Position),
	}
	a.publish()
	l.accounts[userID] = a
	return a
}

// SetRegion assigns the region the user is margined in.
func (l *Ledger) SetRegion(userID, region string) {
	a := l.account(userID)
	a.mu.Lock()
	a.region = region
	a.publish()
	a.mu.Unlock()
}

// Region returns the user's margin region.
func (l *Ledger) Region(userID string) string {
	return l.Snapshot(userID).Region
}

// Apply books one side of a trade for userID: a signed quantity (positive
// buys, negative sells) at price. If after is non-nil it runs with the
// post-trade snapshot while the account is still locked, and its error is
// returned.
func (l *Ledger) Apply(ctx context.Context, userID, instrument string, qty, price decimal.Decimal,
	at time.Time, after func(Snapshot) error) error {
	if qty.IsZero() || !price.IsPositive() {
		return fmt.Errorf("%w: %s %s qty=%s price=%s", ErrInvalidFill, userID, instrument, qty, price)
	}

	a := l.account(userID)
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.positions[instrument]
	if !ok {
		p = &model.Position{UserID: userID, Instrument: instrument}
	}
	applyFill(p, qty, price)
	p.UpdatedAt = at

	key := positionKey(userID, instrument)
	if p.NetQuantity.IsZero() {
		a.realized = a.realized.Add(p.RealizedPnL)
		delete(a.positions, instrument)
		if ok {
			if err := l.repo.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete position %s: %w", key, err)
			}
		}
	} else {
		a.positions[instrument] = p
		if err := l.repo.Put(ctx, key, *p); err != nil {
			return fmt.Errorf("store position %s: %w", key, err)
		}
	}

	snap := a.publish()
	if after != nil {
		return after(*snap)
	}
	return nil
}

// applyFill updates p for a signed fill.
//
// Adding in the same direction moves the weighted average price. Reducing
// realizes (price − average) per closed unit, signed by the old direction.
// Crossing through zero opens the remainder at the fill price.
func applyFill(p *model.Position, qty, price decimal.Decimal) {
	old := p.NetQuantity
	next := old.Add(qty)

	if old.IsZero() || old.Sign() == qty.Sign() {
		cost := old.Abs().Mul(p.AveragePrice).Add(qty.Abs().Mul(price))
		p.AveragePrice = cost.DivRound(next.Abs(), PriceScale)
		p.NetQuantity = next
		return
	}

	closed := decimal.Min(qty.Abs(), old.Abs())
	pnl := price.Sub(p.AveragePrice).Mul(closed)
	if old.IsNegative() {
		pnl = pnl.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.NetQuantity = next

	if next.Sign() != 0 && next.Sign() != old.Sign() {
		p.AveragePrice = price
	}
}

// publish stores a fresh snapshot. Callers hold a.mu.
func (a *account) publish() *Snapshot {
	positions := make([]model.Position, 0, len(a.positions))
	for _, p := range a.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Instrument < positions[j].Instrument
	})
	s := &Snapshot{
		UserID:      a.userID,
		Region:      a.region,
		Positions:   positions,
		RealizedPnL: a.realized,
	}
	a.snap.Store(s)
	return s
}

// Snapshot returns the latest published view of the user's account. It
// never blocks on trading activity. Unknown users get an empty snapshot in
// the default region.
func (l *Ledger) Snapshot(userID string) Snapshot {
	l.mu.RLock()
	a, ok := l.accounts[userID]
	l.mu.RUnlock()
	if !ok {
		return Snapshot{UserID: userID, Region: l.defaultRegion}
	}
	return *a.snap.Load()
}

// Positions returns the user's current positions.
func (l *Ledger) Positions(userID string) []model.Position {
	return l.Snapshot(userID).Positions
}

// Snapshots returns the latest view of every account.
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	out := make([]Snapshot, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, *a.snap.Load())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Portfolio returns the user's positions and region. Collateral is owned by
// the collateral store and left zero.
func (l *Ledger) Portfolio(userID string) model.Portfolio {
	s := l.Snapshot(userID)
	return model.Portfolio{
		UserID:      s.UserID,
		Region:      s.Region,
		Positions:   s.Positions,
		RealizedPnL: s.RealizedPnL,
	}
}

func positionKey(userID, instrument string) string { return userID + "|" + instrument }
