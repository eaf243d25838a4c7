package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestBuild_AllTypes(t *testing.T) {
	maturity := time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		spec Spec
		want Contract
	}{
		{
			Spec{Type: TypeFuture, Commodity: "crude_oil", Notional: d(1e6), Direction: Long},
			Future{Commodity: "crude_oil", Notional: d(1e6), Direction: Long},
		},
		{
			Spec{Type: TypeOption, Commodity: "natural_gas", Direction: Short, Premium: d(5000),
				OptionKind: Call, UnderlyingNotional: d(100000)},
			Option{Commodity: "natural_gas", Kind: Call, Direction: Short, Premium: d(5000),
				UnderlyingNotional: d(100000)},
		},
		{
			Spec{Type: TypeSwap, Commodity: "electricity", Notional: d(250000), Maturity: maturity},
			Swap{Commodity: "electricity", Notional: d(250000), Maturity: maturity},
		},
		{
			Spec{Type: TypeStructuredNote, Commodity: "coal", Notional: d(1000), Protection: d(0.9)},
			StructuredNote{Commodity: "coal", Notional: d(1000), Protection: d(0.9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.spec.Type, func(t *testing.T) {
			got, err := tt.spec.Build()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.spec.Commodity, got.Underlying())
		})
	}
}

func TestBuild_UnsupportedType(t *testing.T) {
	_, err := Spec{Type: "weather_derivative", Commodity: "x", Notional: d(1)}.Build()
	assert.True(t, errors.Is(err, ErrInvalidType))
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]Contract{
		"future zero notional":   Future{Commodity: "coal", Notional: decimal.Zero, Direction: Long},
		"future bad direction":   Future{Commodity: "coal", Notional: d(1), Direction: "sideways"},
		"future no commodity":    Future{Notional: d(1), Direction: Long},
		"option zero premium":    Option{Commodity: "coal", Kind: Call, Direction: Long, UnderlyingNotional: d(1)},
		"option bad kind":        Option{Commodity: "coal", Kind: "straddle", Direction: Long, Premium: d(1), UnderlyingNotional: d(1)},
		"option no underlying":   Option{Commodity: "coal", Kind: Put, Direction: Long, Premium: d(1)},
		"swap no maturity":       Swap{Commodity: "coal", Notional: d(1)},
		"note protection > 1":    StructuredNote{Commodity: "coal", Notional: d(1), Protection: d(1.5)},
		"note negative notional": StructuredNote{Commodity: "coal", Notional: d(-1), Protection: d(0.5)},
	}
	for name, c := range tests {
		t.Run(name, func(t *testing.T) {
			err := c.Validate()
			assert.True(t, errors.Is(err, ErrInvalidParameter), "got %v", err)
		})
	}
}

func TestDirectionSign(t *testing.T) {
	assert.True(t, Long.Sign().Equal(decimal.NewFromInt(1)))
	assert.True(t, Short.Sign().Equal(decimal.NewFromInt(-1)))
}
