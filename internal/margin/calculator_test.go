package margin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/apperr"
	"github.com/quantenergx/trading-engine/internal/contract"
	"github.com/quantenergx/trading-engine/internal/instrument"
	"github.com/quantenergx/trading-engine/internal/model"
	"github.com/quantenergx/trading-engine/internal/region"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type staticPositions map[string][]model.Position

func (s staticPositions) Positions(userID string) []model.Position { return s[userID] }

type staticPrices map[string]decimal.Decimal

func (s staticPrices) MarkPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := s[symbol]
	return p, ok
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	return NewCalculator(region.DefaultTable(), instrument.Default(), nil, nil)
}

func pos(user, symbol, qty, avg string) model.Position {
	return model.Position{UserID: user, Instrument: symbol, NetQuantity: d(qty), AveragePrice: d(avg)}
}

func TestFutureMargin_RegionFloors(t *testing.T) {
	c := newCalc(t)
	f := contract.Future{Commodity: "crude_oil", Notional: d("1000000"), Direction: contract.Long}

	us, err := c.InitialMargin(f, "US")
	require.NoError(t, err)
	eu, err := c.InitialMargin(f, "EU")
	require.NoError(t, err)

	// Risk array worst loss 3 × 0.03 = 0.09 is below both floors.
	assert.True(t, us.Equal(d("120000")), "US got %s", us)
	assert.True(t, eu.Equal(d("100000")), "EU got %s", eu)
	assert.True(t, us.GreaterThan(eu))
}

func TestFutureMargin_RiskArrayAboveFloor(t *testing.T) {
	c := newCalc(t)
	f := contract.Future{Commodity: "electricity", Notional: d("100000"), Direction: contract.Short}

	got, err := c.InitialMargin(f, "EU")
	require.NoError(t, err)
	// 3 × 0.06 = 0.18 > 0.10 floor.
	assert.True(t, got.Equal(d("18000")), "got %s", got)
}

func TestRiskArrayLoss_Symmetric(t *testing.T) {
	mults := []decimal.Decimal{d("1"), d("2"), d("3")}
	long := RiskArrayLoss(contract.Long, d("0.05"), mults)
	short := RiskArrayLoss(contract.Short, d("0.05"), mults)
	assert.True(t, long.Equal(d("0.15")))
	assert.True(t, long.Equal(short))
	assert.True(t, RiskArrayLoss(contract.Long, d("0.05"), nil).IsZero())
}

func TestFutureMargin_UnknownCommodity(t *testing.T) {
	c := newCalc(t)
	_, err := c.InitialMargin(contract.Future{Commodity: "unobtainium", Notional: d("1"), Direction: contract.Long}, "US")
	assert.True(t, errors.Is(err, instrument.ErrUnknownCommodity))
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestOptionMargin(t *testing.T) {
	c := newCalc(t)
	long := contract.Option{Commodity: "natural_gas", Kind: contract.Call, Direction: contract.Long,
		Premium: d("5000"), UnderlyingNotional: d("100000")}
	short := long
	short.Direction = contract.Short

	for _, r := range []string{"US", "EU", "UK", "APAC", "MARS"} {
		lm, err := c.InitialMargin(long, r)
		require.NoError(t, err)
		assert.True(t, lm.Equal(d("5000")), "%s long got %s", r, lm)

		sm, err := c.InitialMargin(short, r)
		require.NoError(t, err)
		assert.True(t, sm.GreaterThan(d("5000")), "%s short got %s", r, sm)
	}

	sm, err := c.InitialMargin(short, "US")
	require.NoError(t, err)
	assert.True(t, sm.Equal(d("25000")), "got %s", sm) // 5000 + 0.20 × 100000
}

func TestSwapMargin_TenorAndExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newCalc(t).WithClock(func() time.Time { return now })

	oneYear := contract.Swap{Commodity: "electricity", Notional: d("100000"), Maturity: now.Add(365 * 24 * time.Hour)}
	got, err := c.InitialMargin(oneYear, "DEFAULT")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("3000")), "got %s", got) // 100000 × (0.02 + 0.01 × 1)

	expired := oneYear
	expired.Maturity = now.Add(-48 * time.Hour)
	got, err = c.InitialMargin(expired, "DEFAULT")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("2000")), "got %s", got)

	longer := oneYear
	longer.Maturity = now.Add(3 * 365 * 24 * time.Hour)
	got3, err := c.InitialMargin(longer, "DEFAULT")
	require.NoError(t, err)
	assert.True(t, got3.GreaterThan(got))
}

func TestStructuredNoteMargin(t *testing.T) {
	c := newCalc(t)
	full := contract.StructuredNote{Commodity: "coal", Notional: d("10000"), Protection: d("1")}
	none := contract.StructuredNote{Commodity: "coal", Notional: d("10000"), Protection: d("0")}

	fm, err := c.InitialMargin(full, "DEFAULT")
	require.NoError(t, err)
	nm, err := c.InitialMargin(none, "DEFAULT")
	require.NoError(t, err)

	assert.True(t, fm.Equal(d("100")), "got %s", fm)  // min rate only
	assert.True(t, nm.Equal(d("2100")), "got %s", nm) // 0.01 + 0.20
}

type bogusContract struct{ contract.Future }

func TestInitialMargin_UnsupportedVariant(t *testing.T) {
	c := newCalc(t)
	_, err := c.InitialMargin(bogusContract{contract.Future{Commodity: "coal", Notional: d("1"), Direction: contract.Long}}, "US")
	assert.True(t, errors.Is(err, ErrUnsupportedContract))
	assert.True(t, errors.Is(err, apperr.ErrConfiguration))
}

func TestInitialMargin_InvalidContract(t *testing.T) {
	c := newCalc(t)
	_, err := c.InitialMargin(contract.Future{Commodity: "coal", Direction: contract.Long}, "US")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestRequirement_MaintenanceBelowInitial(t *testing.T) {
	c := newCalc(t)
	contracts := []contract.Contract{
		contract.Future{Commodity: "crude_oil", Notional: d("1000000"), Direction: contract.Long},
		contract.Option{Commodity: "coal", Kind: contract.Put, Direction: contract.Short, Premium: d("10"), UnderlyingNotional: d("1000")},
		contract.StructuredNote{Commodity: "coal", Notional: d("500"), Protection: d("0.5")},
	}
	for _, r := range []string{"US", "EU", "UK", "APAC", "DEFAULT"} {
		for _, ct := range contracts {
			req, err := c.Requirement("c1", ct, r)
			require.NoError(t, err)
			assert.True(t, req.MaintenanceMargin.LessThan(req.InitialMargin), "%s %T", r, ct)
			assert.Equal(t, r, req.Region)
		}
	}
}

func TestNewRequirement_RejectsInvertedMargins(t *testing.T) {
	_, err := NewRequirement("x", d("100"), d("100"), "US")
	assert.True(t, errors.Is(err, ErrInvalidRequirement))
	_, err = NewRequirement("x", d("100"), d("-1"), "US")
	assert.True(t, errors.Is(err, ErrInvalidRequirement))
}

func TestPortfolioMargin_Empty(t *testing.T) {
	c := newCalc(t)
	pm, err := c.ForPositions("u1", "US", nil)
	require.NoError(t, err)
	assert.True(t, pm.TotalInitial.IsZero())
	assert.True(t, pm.TotalMaintenance.IsZero())
}

func TestPortfolioMargin_SimpleRegionSumsPositions(t *testing.T) {
	c := newCalc(t)
	positions := []model.Position{
		pos("u1", "crude_oil", "100", "80"),    // 8000 notional → 880 at UK 11%
		pos("u1", "electricity", "-10", "50"), // 500 notional → 90 at 18%
	}
	pm, err := c.ForPositions("u1", "UK", positions)
	require.NoError(t, err)

	assert.Equal(t, model.MethodSimple, pm.Method)
	assert.Nil(t, pm.DiversificationFactor)
	assert.Len(t, pm.Requirements, 2)
	assert.True(t, pm.TotalInitial.Equal(d("970")), "got %s", pm.TotalInitial)
	assert.True(t, pm.TotalMaintenance.Equal(d("756.6")), "got %s", pm.TotalMaintenance)
}

func TestPortfolioMargin_NettingOffsetsSameCommodity(t *testing.T) {
	ref, err := instrument.New(
		[]instrument.Instrument{
			{Symbol: "WTI", Commodity: "crude_oil", ContractSize: d("1"), MinOrderSize: d("1"), MaxOrderSize: d("1000")},
			{Symbol: "BRENT", Commodity: "crude_oil", ContractSize: d("1"), MinOrderSize: d("1"), MaxOrderSize: d("1000")},
		},
		[]instrument.Commodity{{Name: "crude_oil", Volatility: d("0.03")}},
	)
	require.NoError(t, err)
	c := NewCalculator(region.DefaultTable(), ref, nil, nil)

	positions := []model.Position{
		pos("u1", "WTI", "100", "80"),
		pos("u1", "BRENT", "-100", "80"),
	}
	pm, err := c.ForPositions("u1", "US", positions)
	require.NoError(t, err)

	assert.Equal(t, model.MethodPortfolio, pm.Method)
	assert.True(t, pm.TotalInitial.IsZero(), "got %s", pm.TotalInitial)
	// Per-position requirements are still reported.
	assert.Len(t, pm.Requirements, 2)
}

func TestPortfolioMargin_NeverExceedsSimple(t *testing.T) {
	c := newCalc(t)
	portfolios := [][]model.Position{
		{pos("u", "crude_oil", "100", "80")},
		{pos("u", "crude_oil", "100", "80"), pos("u", "natural_gas", "200", "3")},
		{pos("u", "crude_oil", "-50", "80"), pos("u", "coal", "400", "120"), pos("u", "electricity", "10", "55")},
		{pos("u", "carbon_credits", "1000", "90"), pos("u", "coal", "-1000", "90")},
	}

	us := region.DefaultTable().Rates("US")
	for i, positions := range portfolios {
		exp, err := c.exposures(positions)
		require.NoError(t, err)
		simple, err := c.simple(exp, us)
		require.NoError(t, err)

		pm, err := c.ForPositions("u", "US", positions)
		require.NoError(t, err)
		assert.Equal(t, model.MethodPortfolio, pm.Method)
		assert.True(t, pm.TotalInitial.LessThanOrEqual(simple.TotalInitial),
			"case %d: portfolio %s > simple %s", i, pm.TotalInitial, simple.TotalInitial)

		require.NotNil(t, pm.DiversificationFactor)
		f := *pm.DiversificationFactor
		assert.True(t, f.GreaterThanOrEqual(us.MinDiversificationFactor) && f.LessThanOrEqual(decimal.NewFromInt(1)),
			"case %d factor %s", i, f)
		if pm.TotalInitial.IsPositive() {
			assert.True(t, pm.TotalMaintenance.LessThan(pm.TotalInitial))
		}
	}
}

func TestPortfolioMargin_UsesMarkPrice(t *testing.T) {
	positions := staticPositions{"u1": {pos("u1", "crude_oil", "100", "80")}}
	prices := staticPrices{"crude_oil": d("100")}
	c := NewCalculator(region.DefaultTable(), instrument.Default(), positions, prices)

	pm, err := c.PortfolioMargin(context.Background(), "u1", "EU")
	require.NoError(t, err)
	// 100 × 100 at 10%.
	assert.True(t, pm.TotalInitial.Equal(d("1000")), "got %s", pm.TotalInitial)
	assert.Equal(t, "u1", pm.UserID)
	assert.Equal(t, "EU", pm.Region)
}

func TestPortfolioMargin_UnknownInstrument(t *testing.T) {
	c := newCalc(t)
	_, err := c.ForPositions("u1", "US", []model.Position{pos("u1", "lumber", "1", "1")})
	assert.True(t, errors.Is(err, instrument.ErrUnsupportedInstrument))
}
