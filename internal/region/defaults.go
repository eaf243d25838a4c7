package region

import "github.com/shopspring/decimal"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func shocks(ms ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(ms))
	for i, m := range ms {
		out[i] = dec(m)
	}
	return out
}

// energyCorrelations are the cross-commodity correlations used by the
// built-in tables.
func energyCorrelations() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		PairKey("crude_oil", "natural_gas"):      dec("0.60"),
		PairKey("crude_oil", "coal"):             dec("0.40"),
		PairKey("crude_oil", "electricity"):      dec("0.35"),
		PairKey("natural_gas", "electricity"):    dec("0.70"),
		PairKey("natural_gas", "coal"):           dec("0.45"),
		PairKey("coal", "electricity"):           dec("0.50"),
		PairKey("carbon_credits", "coal"):        dec("0.30"),
		PairKey("carbon_credits", "electricity"): dec("0.25"),
		PairKey("carbon_credits", "natural_gas"): dec("0.20"),
		PairKey("carbon_credits", "crude_oil"):   dec("0.15"),
	}
}

// DefaultRates is the documented fallback rate set for unknown regions:
// 10% future floor, risk array at ±1/2/3 volatilities, maintenance at 75%
// of initial, no portfolio margining.
func DefaultRates() Rates {
	return Rates{
		Region:                   DefaultRegion,
		FutureFloorRate:          dec("0.10"),
		ShockMultipliers:         shocks("1", "2", "3"),
		MaintenanceRatio:         dec("0.75"),
		OptionShortRate:          dec("0.15"),
		SwapBaseRate:             dec("0.02"),
		SwapTenorRate:            dec("0.01"),
		NoteMinRate:              dec("0.01"),
		NoteBaseRate:             dec("0.20"),
		PortfolioMargining:       false,
		MinDiversificationFactor: dec("0.25"),
		DefaultCorrelation:       dec("1"),
		Correlations:             map[string]decimal.Decimal{},
	}
}

// DefaultTable returns the built-in regional tables.
func DefaultTable() *Table {
	us := DefaultRates()
	us.Region = "US"
	us.FutureFloorRate = dec("0.12")
	us.MaintenanceRatio = dec("0.80")
	us.OptionShortRate = dec("0.20")
	us.SwapBaseRate = dec("0.025")
	us.SwapTenorRate = dec("0.012")
	us.NoteMinRate = dec("0.015")
	us.NoteBaseRate = dec("0.25")
	us.PortfolioMargining = true
	us.MinDiversificationFactor = dec("0.30")
	us.Correlations = energyCorrelations()

	eu := DefaultRates()
	eu.Region = "EU"
	eu.PortfolioMargining = true
	eu.Correlations = energyCorrelations()

	uk := DefaultRates()
	uk.Region = "UK"
	uk.FutureFloorRate = dec("0.11")
	uk.MaintenanceRatio = dec("0.78")

	apac := DefaultRates()
	apac.Region = "APAC"
	apac.FutureFloorRate = dec("0.13")
	apac.OptionShortRate = dec("0.18")

	t, err := NewTable(DefaultRates(), us, eu, uk, apac)
	if err != nil {
		panic(err)
	}
	return t
}
