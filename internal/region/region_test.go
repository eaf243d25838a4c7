package region

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

func TestDefaultTable_UnknownRegionFallsBack(t *testing.T) {
	tbl := DefaultTable()

	assert.True(t, tbl.Known("US"))
	assert.False(t, tbl.Known("MARS"))

	r := tbl.Rates("MARS")
	assert.Equal(t, "MARS", r.Region)
	assert.True(t, r.FutureFloorRate.Equal(DefaultRates().FutureFloorRate))
	assert.False(t, r.PortfolioMargining)
}

func TestDefaultTable_USFloorAboveEU(t *testing.T) {
	tbl := DefaultTable()
	assert.True(t, tbl.Rates("US").FutureFloorRate.GreaterThan(tbl.Rates("EU").FutureFloorRate))
	assert.Equal(t, []string{"APAC", "EU", "UK", "US"}, tbl.Regions())
}

func TestCorrelation(t *testing.T) {
	r := DefaultTable().Rates("US")

	assert.True(t, r.Correlation("coal", "coal").Equal(decimal.NewFromInt(1)))
	assert.True(t, r.Correlation("crude_oil", "natural_gas").Equal(r.Correlation("natural_gas", "crude_oil")))
	assert.True(t, r.Correlation("crude_oil", "uranium").Equal(r.DefaultCorrelation))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Rates){
		"maintenance ratio of one": func(r *Rates) { r.MaintenanceRatio = decimal.NewFromInt(1) },
		"zero floor":               func(r *Rates) { r.FutureFloorRate = decimal.Zero },
		"no scenarios":             func(r *Rates) { r.ShockMultipliers = nil },
		"negative option rate":     func(r *Rates) { r.OptionShortRate = decimal.NewFromInt(-1) },
		"zero note minimum":        func(r *Rates) { r.NoteMinRate = decimal.Zero },
		"diversification floor 0":  func(r *Rates) { r.MinDiversificationFactor = decimal.Zero },
		"correlation above one": func(r *Rates) {
			r.Correlations = map[string]decimal.Decimal{PairKey("a", "b"): decimal.NewFromInt(2)}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := DefaultRates()
			mutate(&r)
			err := r.Validate()
			assert.True(t, errors.Is(err, apperr.ErrConfiguration), "got %v", err)
		})
	}
	assert.NoError(t, DefaultRates().Validate())
}

func TestParse(t *testing.T) {
	raw := []byte(`
default:
  future_floor_rate: 0.09
regions:
  US:
    future_floor_rate: 0.15
    portfolio_margining: true
    shock_multipliers: [1, 2]
    correlations:
      - {a: crude_oil, b: natural_gas, rho: 0.5}
  EU: {}
`)
	tbl, err := Parse(raw)
	require.NoError(t, err)

	us := tbl.Rates("US")
	assert.True(t, us.FutureFloorRate.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, us.PortfolioMargining)
	assert.Len(t, us.ShockMultipliers, 2)
	assert.True(t, us.Correlation("natural_gas", "crude_oil").Equal(decimal.RequireFromString("0.5")))

	// EU inherits the file's default block.
	assert.True(t, tbl.Rates("EU").FutureFloorRate.Equal(decimal.RequireFromString("0.09")))
	assert.True(t, tbl.Rates("ZZ").FutureFloorRate.Equal(decimal.RequireFromString("0.09")))
}

func TestParse_InvalidRegion(t *testing.T) {
	_, err := Parse([]byte(`
regions:
  US:
    maintenance_ratio: 1.2
`))
	assert.True(t, errors.Is(err, ErrInvalidRates))
}
