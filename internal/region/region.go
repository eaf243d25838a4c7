// Package region supplies jurisdiction-specific margin rate tables.
//
// Rates are validated when a Table is built, so every Rates value handed to
// the margin calculator already satisfies 0 < MaintenanceRatio < 1 and the
// positivity constraints the formulas rely on. Unknown regions fall back to
// the table's default rates instead of failing.
package region

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

// ErrInvalidRates is returned when a rate table fails validation.
var ErrInvalidRates = fmt.Errorf("%w: invalid region rates", apperr.ErrConfiguration)

// DefaultRegion is the name used for the fallback table.
const DefaultRegion = "DEFAULT"

// Rates is one region's margin parameter set.
type Rates struct {
	Region string `json:"region"`

	// FutureFloorRate is the regulatory minimum initial margin as a
	// fraction of notional.
	FutureFloorRate decimal.Decimal `json:"future_floor_rate"`

	// ShockMultipliers define the risk array: each m produces the
	// scenarios +m·vol and −m·vol.
	ShockMultipliers []decimal.Decimal `json:"shock_multipliers"`

	// MaintenanceRatio converts initial into maintenance margin.
	MaintenanceRatio decimal.Decimal `json:"maintenance_ratio"`

	// OptionShortRate is charged on underlying notional for short options.
	OptionShortRate decimal.Decimal `json:"option_short_rate"`

	// Swap margin: notional × (SwapBaseRate + SwapTenorRate × years).
	SwapBaseRate  decimal.Decimal `json:"swap_base_rate"`
	SwapTenorRate decimal.Decimal `json:"swap_tenor_rate"`

	// Note margin: notional × (NoteMinRate + NoteBaseRate × (1 − protection)).
	NoteMinRate  decimal.Decimal `json:"note_min_rate"`
	NoteBaseRate decimal.Decimal `json:"note_base_rate"`

	// PortfolioMargining enables commodity netting and diversification.
	PortfolioMargining bool `json:"portfolio_margining"`

	// MinDiversificationFactor floors the diversification multiplier.
	MinDiversificationFactor decimal.Decimal `json:"min_diversification_factor"`

	// DefaultCorrelation applies to commodity pairs missing from Correlations.
	DefaultCorrelation decimal.Decimal `json:"default_correlation"`

	// Correlations between commodity pairs, keyed by PairKey.
	Correlations map[string]decimal.Decimal `json:"correlations"`
}

// PairKey builds the order-independent key for a commodity pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Correlation returns the correlation between two commodities.
func (r Rates) Correlation(a, b string) decimal.Decimal {
	if a == b {
		return decimal.NewFromInt(1)
	}
	if rho, ok := r.Correlations[PairKey(a, b)]; ok {
		return rho
	}
	return r.DefaultCorrelation
}

// Validate checks the constraints the margin formulas depend on.
func (r Rates) Validate() error {
	one := decimal.NewFromInt(1)

	if !r.FutureFloorRate.IsPositive() || r.FutureFloorRate.GreaterThan(one) {
		return fmt.Errorf("%w: %s future floor rate %s not in (0, 1]", ErrInvalidRates, r.Region, r.FutureFloorRate)
	}
	if !r.MaintenanceRatio.IsPositive() || r.MaintenanceRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: %s maintenance ratio %s not in (0, 1)", ErrInvalidRates, r.Region, r.MaintenanceRatio)
	}
	if len(r.ShockMultipliers) == 0 {
		return fmt.Errorf("%w: %s has no risk array scenarios", ErrInvalidRates, r.Region)
	}
	for _, m := range r.ShockMultipliers {
		if !m.IsPositive() {
			return fmt.Errorf("%w: %s shock multiplier %s must be positive", ErrInvalidRates, r.Region, m)
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"option short rate": r.OptionShortRate,
		"swap base rate":    r.SwapBaseRate,
		"swap tenor rate":   r.SwapTenorRate,
		"note base rate":    r.NoteBaseRate,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s %s is negative", ErrInvalidRates, r.Region, name)
		}
	}
	if !r.SwapBaseRate.IsPositive() || !r.NoteMinRate.IsPositive() {
		return fmt.Errorf("%w: %s swap base and note minimum rates must be positive", ErrInvalidRates, r.Region)
	}
	if !r.MinDiversificationFactor.IsPositive() || r.MinDiversificationFactor.GreaterThan(one) {
		return fmt.Errorf("%w: %s min diversification factor %s not in (0, 1]",
			ErrInvalidRates, r.Region, r.MinDiversificationFactor)
	}
	if err := checkCorrelation(r.Region, "default", r.DefaultCorrelation); err != nil {
		return err
	}
	for pair, rho := range r.Correlations {
		if err := checkCorrelation(r.Region, pair, rho); err != nil {
			return err
		}
	}
	return nil
}

func checkCorrelation(region, pair string, rho decimal.Decimal) error {
	if rho.LessThan(decimal.NewFromInt(-1)) || rho.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s correlation %s = %s not in [-1, 1]", ErrInvalidRates, region, pair, rho)
	}
	return nil
}

// Provider is the Region Configuration collaborator.
type Provider interface {
	Rates(region string) Rates
}

// Table is an immutable, validated set of regional rate tables.
type Table struct {
	byRegion map[string]Rates
	fallback Rates
}

// NewTable validates every rate set. fallback serves unknown regions.
func NewTable(fallback Rates, regions ...Rates) (*Table, error) {
	fallback.Region = DefaultRegion
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	t := &Table{byRegion: make(map[string]Rates, len(regions)), fallback: fallback}
	for _, r := range regions {
		if r.Region == "" {
			return nil, fmt.Errorf("%w: region name is required", ErrInvalidRates)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		t.byRegion[r.Region] = r
	}
	return t, nil
}

// Rates returns the rates for region, or the fallback rates relabelled
// with the requested region name.
func (t *Table) Rates(region string) Rates {
	if r, ok := t.byRegion[region]; ok {
		return r
	}
	r := t.fallback
	r.Region = region
	return r
}

// Known reports whether region has its own table.
func (t *Table) Known(region string) bool {
	_, ok := t.byRegion[region]
	return ok
}

// Regions lists the configured region names in sorted order.
func (t *Table) Regions() []string {
	out := make([]string, 0, len(t.byRegion))
	for name := range t.byRegion {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
