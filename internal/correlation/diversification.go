// Package correlation combines per-commodity risks into a portfolio risk
// using a cross-commodity correlation matrix.
//
// When a portfolio is long crude oil and long coal, the two risks do not
// peak together unless the commodities are perfectly correlated. The
// combined risk is
//
//	R = sqrt(Σᵢ Σⱼ ρᵢⱼ · rᵢ · rⱼ)
//
// and the diversification factor is R / Σᵢ rᵢ, which is 1 for perfectly
// correlated risks and shrinks as correlation falls. The factor is bounded
// below by a regulatory floor so that many uncorrelated commodities cannot
// drive margin towards zero.
package correlation

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// FactorScale is the number of decimal places kept on the factor.
const FactorScale int32 = 8

// Matrix returns the correlation between two commodities.
// Implementations must return 1 for a == b.
type Matrix interface {
	Correlation(a, b string) decimal.Decimal
}

// Factor computes the diversification factor for the given per-commodity
// risks, clamped to [floor, 1]. A portfolio with at most one non-zero risk
// gets factor 1.
func Factor(risks map[string]decimal.Decimal, m Matrix, floor decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)

	names := make([]string, 0, len(risks))
	total := decimal.Zero
	for name, r := range risks {
		if !r.IsPositive() {
			continue
		}
		names = append(names, name)
		total = total.Add(r)
	}
	if len(names) < 2 {
		return one
	}
	// Fixed iteration order keeps the float sum reproducible.
	sort.Strings(names)

	// The square root is computed in float64 and converted straight back.
	variance := 0.0
	for _, a := range names {
		ra := risks[a].InexactFloat64()
		for _, b := range names {
			rho := m.Correlation(a, b).InexactFloat64()
			variance += rho * ra * risks[b].InexactFloat64()
		}
	}
	if variance < 0 {
		variance = 0
	}

	combined := decimal.NewFromFloat(math.Sqrt(variance))
	f := combined.DivRound(total, FactorScale)

	return Clamp(f, floor, one)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
