package engine

import (
	"fmt"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

// SelfTradePolicy decides what happens when an order would trade against a
// resting order from the same user.
type SelfTradePolicy string

const (
	// SelfTradeAllow matches same-user orders like any other.
	SelfTradeAllow SelfTradePolicy = "allow"
	// SelfTradeReject stops matching at the first same-user resting order;
	// the incoming order's residual is not booked.
	SelfTradeReject SelfTradePolicy = "reject"
)

// MarketResidualPolicy decides what happens to the unfilled part of a
// market order once the opposite side is exhausted.
type MarketResidualPolicy string

const (
	// MarketResidualReject ends the order; it is rejected when nothing
	// filled and cancelled otherwise.
	MarketResidualReject MarketResidualPolicy = "reject"
	// MarketResidualRestAtWorst rests the residual of a partially filled
	// GTC market order as a limit at its last, worst execution price.
	MarketResidualRestAtWorst MarketResidualPolicy = "rest_at_worst"
)

// Options configures matching policy.
type Options struct {
	SelfTrade      SelfTradePolicy
	MarketResidual MarketResidualPolicy
}

// Validate rejects unknown policy names. Empty values take the defaults.
func (o Options) Validate() error {
	switch o.SelfTrade {
	case "", SelfTradeAllow, SelfTradeReject:
	default:
		return fmt.Errorf("%w: self-trade policy %q", apperr.ErrConfiguration, o.SelfTrade)
	}
	switch o.MarketResidual {
	case "", MarketResidualReject, MarketResidualRestAtWorst:
	default:
		return fmt.Errorf("%w: market residual policy %q", apperr.ErrConfiguration, o.MarketResidual)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.SelfTrade == "" {
		o.SelfTrade = SelfTradeAllow
	}
	if o.MarketResidual == "" {
		o.MarketResidual = MarketResidualReject
	}
	return o
}
