// Package margin computes initial and maintenance margin per contract and
// per portfolio.
//
// Per-contract margin depends on the contract family:
//
//	future           notional × max(risk-array worst loss, floor rate)
//	option (long)    premium
//	option (short)   premium + short rate × underlying notional
//	swap             notional × (base + tenor rate × years to maturity)
//	structured note  notional × (min rate + base rate × (1 − protection))
//
// Maintenance margin is initial × the region's maintenance ratio, which the
// region package guarantees to be in (0, 1).
//
// Portfolio margin either sums per-position requirements (simple) or, when
// the region enables it, nets positions per commodity, computes one risk per
// commodity group and scales the sum by a correlation-derived
// diversification factor.
package margin

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/contract"
	"github.com/quantenergx/trading-engine/internal/correlation"
	"github.com/quantenergx/trading-engine/internal/instrument"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/region"
)

var (
	// ErrUnsupportedContract is returned for a contract variant the
	// calculator has no formula for.
	ErrUnsupportedContract = fmt.Errorf("%w: unsupported contract type", apperr.ErrConfiguration)

	// ErrInvalidRequirement is returned when a requirement would break
	// maintenance < initial.
	ErrInvalidRequirement = fmt.Errorf("%w: maintenance margin must be below initial margin", apperr.ErrConfiguration)
)

// hoursPerYear is used to express swap tenor in years.
var hoursPerYear = decimal.NewFromInt(24 * 365)

// PositionSource returns a snapshot of a user's positions.
type PositionSource interface {
	Positions(userID string) []model.Position
}

// PriceSource returns the current mark price of an instrument.
type PriceSource interface {
	MarkPrice(instrument string) (decimal.Decimal, bool)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(instrument string) (decimal.Decimal, bool)

func (f PriceFunc) MarkPrice(instrument string) (decimal.Decimal, bool) { return f(instrument) }

// Calculator computes margin requirements. It holds no mutable state and
// is safe for concurrent use.
type Calculator struct {
	rates     region.Provider
	ref       *instrument.Registry
	positions PositionSource
	prices    PriceSource
	now       func() time.Time
}

// NewCalculator creates a calculator. positions and prices may be nil when
// only per-contract margin is needed.
func NewCalculator(rates region.Provider, ref *instrument.Registry, positions PositionSource, prices PriceSource) *Calculator {
	return &Calculator{
		rates:     rates,
		ref:       ref,
		positions: positions,
		prices:    prices,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for swap tenors.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	cp := *c
	cp.now = now
	return &cp
}

// Rates exposes the rate table the calculator reads.
func (c *Calculator) Rates(regionName string) region.Rates {
	return c.rates.Rates(regionName)
}

// NewRequirement builds a MarginRequirement, enforcing
// 0 <= maintenance < initial.
func NewRequirement(id string, initial, maintenance decimal.Decimal, regionName string) (model.MarginRequirement, error) {
	if maintenance.IsNegative() || maintenance.GreaterThanOrEqual(initial) {
		return model.MarginRequirement{}, fmt.Errorf("%w: %s initial=%s maintenance=%s",
			ErrInvalidRequirement, id, initial, maintenance)
	}
	return model.MarginRequirement{
		PositionOrContractID: id,
		InitialMargin:        initial,
		MaintenanceMargin:    maintenance,
		Region:               regionName,
	}, nil
}

// InitialMargin returns the initial margin for one contract in a region.
func (c *Calculator) InitialMargin(ct contract.Contract, regionName string) (decimal.Decimal, error) {
	return c.initial(ct, c.rates.Rates(regionName))
}

// Requirement returns the full requirement for one contract in a region.
func (c *Calculator) Requirement(id string, ct contract.Contract, regionName string) (model.MarginRequirement, error) {
	r := c.rates.Rates(regionName)
	initial, err := c.initial(ct, r)
	if err != nil {
		return model.MarginRequirement{}, err
	}
	return NewRequirement(id, initial, initial.Mul(r.MaintenanceRatio), regionName)
}

func (c *Calculator) initial(ct contract.Contract, r region.Rates) (decimal.Decimal, error) {
	if ct == nil {
		return decimal.Zero, fmt.Errorf("%w: nil contract", ErrUnsupportedContract)
	}
	if err := ct.Validate(); err != nil {
		return decimal.Zero, err
	}

	switch v := ct.(type) {
	case contract.Future:
		return c.futureInitial(v.Commodity, v.Notional, v.Direction, r)

	case contract.Option:
		if v.Direction == contract.Long {
			// Loss is capped at the premium paid.
			return v.Premium, nil
		}
		return v.Premium.Add(v.UnderlyingNotional.Mul(r.OptionShortRate)), nil

	case contract.Swap:
		years := decimal.Zero
		if remaining := v.Maturity.Sub(c.now()); remaining > 0 {
			years = decimal.NewFromFloat(remaining.Hours()).Div(hoursPerYear)
		}
		rate := r.SwapBaseRate.Add(r.SwapTenorRate.Mul(years))
		return v.Notional.Mul(rate), nil

	case contract.StructuredNote:
		unprotected := decimal.NewFromInt(1).Sub(v.Protection)
		rate := r.NoteMinRate.Add(r.NoteBaseRate.Mul(unprotected))
		return v.Notional.Mul(rate), nil

	default:
		return decimal.Zero, fmt.Errorf("%w: %T", ErrUnsupportedContract, ct)
	}
}

// futureInitial evaluates the risk array for a linear exposure and floors
// the worst loss at the region's minimum rate.
func (c *Calculator) futureInitial(commodity string, notional decimal.Decimal, dir contract.Direction, r region.Rates) (decimal.Decimal, error) {
	vol, err := c.ref.Volatility(commodity)
	if err != nil {
		return decimal.Zero, err
	}
	rate := RiskArrayLoss(dir, vol, r.ShockMultipliers)
	if r.FutureFloorRate.GreaterThan(rate) {
		rate = r.FutureFloorRate
	}
	return notional.Mul(rate), nil
}

// RiskArrayLoss returns the worst loss, as a fraction of notional, over
// the symmetric price-shock scenarios ±m·vol for every multiplier m.
func RiskArrayLoss(dir contract.Direction, vol decimal.Decimal, multipliers []decimal.Decimal) decimal.Decimal {
	sign := dir.Sign()
	worst := decimal.Zero
	for _, m := range multipliers {
		shock := m.Mul(vol)
		for _, move := range []decimal.Decimal{shock, shock.Neg()} {
			loss := sign.Mul(move).Neg()
			if loss.GreaterThan(worst) {
				worst = loss
			}
		}
	}
	return worst
}

// PortfolioMargin computes the user's margin in a region from the current
// position snapshot.
func (c *Calculator) PortfolioMargin(_ context.Context, userID, regionName string) (model.PortfolioMargin, error) {
	var positions []model.Position
	if c.positions != nil {
		positions = c.positions.Positions(userID)
	}
	return c.ForPositions(userID, regionName, positions)
}

// ForPositions computes portfolio margin for an explicit position set.
func (c *Calculator) ForPositions(userID, regionName string, positions []model.Position) (model.PortfolioMargin, error) {
	r := c.rates.Rates(regionName)

	exposures, err := c.exposures(positions)
	if err != nil {
		return model.PortfolioMargin{}, err
	}

	pm, err := c.simple(exposures, r)
	if err != nil {
		return model.PortfolioMargin{}, err
	}
	pm.UserID = userID
	pm.Region = regionName

	if !r.PortfolioMargining {
		return pm, nil
	}

	total, factor, err := c.netted(exposures, r)
	if err != nil {
		return model.PortfolioMargin{}, err
	}
	pm.Method = model.MethodPortfolio
	pm.TotalInitial = total
	pm.TotalMaintenance = total.Mul(r.MaintenanceRatio)
	pm.DiversificationFactor = &factor
	return pm, nil
}

// exposure is one position expressed as a signed commodity notional.
type exposure struct {
	id        string
	commodity string
	notional  decimal.Decimal // signed
}

func (c *Calculator) exposures(positions []model.Position) ([]exposure, error) {
	out := make([]exposure, 0, len(positions))
	for _, p := range positions {
		if p.NetQuantity.IsZero() {
			continue
		}
		in, err := c.ref.Lookup(p.Instrument)
		if err != nil {
			return nil, err
		}
		price := p.AveragePrice
		if c.prices != nil {
			if mark, ok := c.prices.MarkPrice(p.Instrument); ok {
				price = mark
			}
		}
		notional := p.NetQuantity.Mul(price).Mul(in.ContractSize)
		if notional.IsZero() {
			continue
		}
		out = append(out, exposure{
			id:        p.UserID + ":" + p.Instrument,
			commodity: in.Commodity,
			notional:  notional,
		})
	}
	return out, nil
}

func direction(signed decimal.Decimal) contract.Direction {
	if signed.IsNegative() {
		return contract.Short
	}
	return contract.Long
}

// simple sums the per-position requirements.
func (c *Calculator) simple(exposures []exposure, r region.Rates) (model.PortfolioMargin, error) {
	pm := model.PortfolioMargin{
		Method:           model.MethodSimple,
		TotalInitial:     decimal.Zero,
		TotalMaintenance: decimal.Zero,
		Requirements:     make([]model.MarginRequirement, 0, len(exposures)),
	}
	for _, e := range exposures {
		initial, err := c.futureInitial(e.commodity, e.notional.Abs(), direction(e.notional), r)
		if err != nil {
			return model.PortfolioMargin{}, err
		}
		req, err := NewRequirement(e.id, initial, initial.Mul(r.MaintenanceRatio), r.Region)
		if err != nil {
			return model.PortfolioMargin{}, err
		}
		pm.Requirements = append(pm.Requirements, req)
		pm.TotalInitial = pm.TotalInitial.Add(req.InitialMargin)
		pm.TotalMaintenance = pm.TotalMaintenance.Add(req.MaintenanceMargin)
	}
	return pm, nil
}

// netted groups exposures by commodity, nets opposing notionals inside each
// group and applies the diversification factor across groups.
func (c *Calculator) netted(exposures []exposure, r region.Rates) (decimal.Decimal, decimal.Decimal, error) {
	net := make(map[string]decimal.Decimal)
	for _, e := range exposures {
		net[e.commodity] = net[e.commodity].Add(e.notional)
	}

	risks := make(map[string]decimal.Decimal, len(net))
	sum := decimal.Zero
	for commodity, n := range net {
		if n.IsZero() {
			continue
		}
		risk, err := c.futureInitial(commodity, n.Abs(), direction(n), r)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		risks[commodity] = risk
		sum = sum.Add(risk)
	}

	factor := correlation.Factor(risks, r, r.MinDiversificationFactor)
	return sum.Mul(factor), factor, nil
}
