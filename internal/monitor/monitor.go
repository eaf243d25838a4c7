// Package monitor runs the margin-call state machine.
//
// A user in a region is ADEQUATE until an evaluation finds maintenance
// margin above collateral value, at which point one MarginCall is issued
// and the user is in MARGIN_CALL. The call stays open, even if collateral
// later recovers, until it is explicitly resolved as met or unmet. Both are
// final. The next evaluation after resolution starts from ADEQUATE again.
//
// Evaluations are triggered by the engine after every trade (under the
// user's ledger lock) and by a periodic sweep over ledger snapshots that
// never touches trading locks.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/events"
	"github.com/quantenergx/trading-engine/internal/ledger"
	"github.com/quantenergx/trading-engine/internal/metrics"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/store"
)

var (
	ErrCallNotFound      = fmt.Errorf("%w: margin call", apperr.ErrNotFound)
	ErrAlreadyResolved   = fmt.Errorf("%w: margin call already resolved", apperr.ErrValidation)
	ErrInvalidResolution = fmt.Errorf("%w: resolution must be met or unmet", apperr.ErrValidation)
)

// State is a user's margin state in one region.
type State string

const (
	Adequate   State = "ADEQUATE"
	MarginCall State = "MARGIN_CALL"
)

// Calculator computes portfolio margin for a position set.
type Calculator interface {
	ForPositions(userID, region string, positions []model.Position) (model.PortfolioMargin, error)
}

// Accounts supplies position snapshots.
type Accounts interface {
	Snapshot(userID string) ledger.Snapshot
	Snapshots() []ledger.Snapshot
}

// Status is the current margin picture for one user.
type Status struct {
	UserID     string                `json:"user_id"`
	Region     string                `json:"region"`
	State      State                 `json:"state"`
	Margin     model.PortfolioMargin `json:"margin"`
	Collateral decimal.Decimal       `json:"collateral"`
	Excess     decimal.Decimal       `json:"excess"` // collateral − maintenance, negative when short
	OpenCall   *model.MarginCall     `json:"open_call,omitempty"`
}

// Monitor owns the margin-call lifecycle.
type Monitor struct {
	calc       Calculator
	collateral store.CollateralStore
	accounts   Accounts
	pub        events.Publisher
	logger     *slog.Logger

	// mu orders check-and-issue against resolve, so at most one call is
	// open per user and region.
	mu    sync.Mutex
	calls store.Repository[model.MarginCall]
	open  map[string]string // user|region → call id

	now   func() time.Time
	newID func() string
}

// New creates a monitor.
func New(calc Calculator, collateral store.CollateralStore, calls store.Repository[model.MarginCall],
	accounts Accounts, pub events.Publisher, logger *slog.Logger) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		calc:       calc,
		collateral: collateral,
		accounts:   accounts,
		pub:        pub,
		logger:     logger,
		calls:      calls,
		open:       make(map[string]string),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func openKey(userID, region string) string { return userID + "|" + region }

// Evaluate recomputes margin for one account snapshot and issues a call if
// maintenance margin exceeds collateral and none is open. It returns the
// issued call, or nil.
func (m *Monitor) Evaluate(ctx context.Context, snap ledger.Snapshot) (*model.MarginCall, error) {
	pm, err := m.calc.ForPositions(snap.UserID, snap.Region, snap.Positions)
	if err != nil {
		return nil, fmt.Errorf("margin for %s: %w", snap.UserID, err)
	}
	coll, err := m.collateral.Collateral(ctx, snap.UserID, snap.Region)
	if err != nil {
		return nil, fmt.Errorf("collateral for %s: %w", snap.UserID, err)
	}
	value := coll.Value()
	if !pm.TotalMaintenance.GreaterThan(value) {
		return nil, nil
	}

	m.mu.Lock()
	key := openKey(snap.UserID, snap.Region)
	if _, exists := m.open[key]; exists {
		m.mu.Unlock()
		return nil, nil
	}
	call := model.MarginCall{
		ID:       m.newID(),
		UserID:   snap.UserID,
		Region:   snap.Region,
		Amount:   pm.TotalMaintenance.Sub(value),
		Status:   model.CallOpen,
		IssuedAt: m.now(),
	}
	if err := m.calls.Put(ctx, call.ID, call); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("store margin call: %w", err)
	}
	m.open[key] = call.ID
	m.mu.Unlock()

	metrics.MarginCallsIssued.WithLabelValues(call.Region).Inc()
	metrics.OpenMarginCalls.Inc()
	m.logger.Info("margin call issued",
		"call_id", call.ID,
		"user_id", call.UserID,
		"region", call.Region,
		"amount", call.Amount.String(),
		"maintenance", pm.TotalMaintenance.String(),
		"collateral", value.String(),
	)
	m.pub.Publish(ctx, events.NewMarginCall(call))
	return &call, nil
}

// EvaluateUser evaluates the user's latest snapshot.
func (m *Monitor) EvaluateUser(ctx context.Context, userID string) (*model.MarginCall, error) {
	return m.Evaluate(ctx, m.accounts.Snapshot(userID))
}

// Resolve moves an open call to met or unmet.
func (m *Monitor) Resolve(ctx context.Context, callID string, resolution model.MarginCallStatus) (model.MarginCall, error) {
	if resolution != model.CallMet && resolution != model.CallUnmet {
		return model.MarginCall{}, fmt.Errorf("%w: got %q", ErrInvalidResolution, resolution)
	}

	m.mu.Lock()
	call, err := m.calls.Get(ctx, callID)
	if err != nil {
		m.mu.Unlock()
		return model.MarginCall{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if call.Status != model.CallOpen {
		m.mu.Unlock()
		return model.MarginCall{}, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, callID, call.Status)
	}
	now := m.now()
	call.Status = resolution
	call.ResolvedAt = &now
	if err := m.calls.Put(ctx, call.ID, call); err != nil {
		m.mu.Unlock()
		return model.MarginCall{}, fmt.Errorf("store margin call: %w", err)
	}
	delete(m.open, openKey(call.UserID, call.Region))
	m.mu.Unlock()

	metrics.MarginCallsResolved.WithLabelValues(string(resolution)).Inc()
	metrics.OpenMarginCalls.Dec()
	m.logger.Info("margin call resolved", "call_id", call.ID, "user_id", call.UserID, "resolution", resolution)
	m.pub.Publish(ctx, events.NewMarginCallResolved(call))
	return call, nil
}

// Call returns one margin call.
func (m *Monitor) Call(ctx context.Context, callID string) (model.MarginCall, error) {
	call, err := m.calls.Get(ctx, callID)
	if err != nil {
		return model.MarginCall{}, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return call, nil
}

// Calls lists a user's margin calls, oldest first.
func (m *Monitor) Calls(ctx context.Context, userID string) ([]model.MarginCall, error) {
	calls, err := m.calls.List(ctx, func(c model.MarginCall) bool { return c.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].IssuedAt.Before(calls[j].IssuedAt) })
	return calls, nil
}

// Status reports the user's margin state without issuing anything.
func (m *Monitor) Status(ctx context.Context, userID string) (Status, error) {
	snap := m.accounts.Snapshot(userID)
	pm, err := m.calc.ForPositions(snap.UserID, snap.Region, snap.Positions)
	if err != nil {
		return Status{}, err
	}
	coll, err := m.collateral.Collateral(ctx, snap.UserID, snap.Region)
	if err != nil {
		return Status{}, fmt.Errorf("collateral for %s: %w", userID, err)
	}

	st := Status{
		UserID:     snap.UserID,
		Region:     snap.Region,
		State:      Adequate,
		Margin:     pm,
		Collateral: coll.Value(),
		Excess:     coll.Value().Sub(pm.TotalMaintenance),
	}

	m.mu.Lock()
	id, ok := m.open[openKey(snap.UserID, snap.Region)]
	m.mu.Unlock()
	if ok {
		if call, err := m.calls.Get(ctx, id); err == nil {
			st.State = MarginCall
			st.OpenCall = &call
		}
	}
	return st, nil
}

// Sweep evaluates every known account once and returns the number of calls
// issued. Failures for one account are logged and do not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) int {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	issued := 0
	for _, snap := range m.accounts.Snapshots() {
		if ctx.Err() != nil {
			break
		}
		call, err := m.Evaluate(ctx, snap)
		if err != nil {
			m.logger.Error("margin sweep evaluation failed", "user_id", snap.UserID, "err", err)
			continue
		}
		if call != nil {
			issued++
		}
	}
	return issued
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("margin monitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("margin monitor stopped")
			return nil
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Info("margin sweep issued calls", "count", n)
			}
		}
	}
}
