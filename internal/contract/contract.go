// Package contract defines the margined contract families as a closed sum
// type: Future, Option, Swap and StructuredNote. Only this package can add
// a variant, so the margin calculator's type switch covers the full set.
package contract

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

// Supported contract types.
const (
	TypeFuture         = "future"
	TypeOption         = "option"
	TypeSwap           = "swap"
	TypeStructuredNote = "structured_note"
)

var (
	ErrInvalidType      = fmt.Errorf("%w: unsupported contract type", apperr.ErrValidation)
	ErrInvalidParameter = fmt.Errorf("%w: invalid contract parameter", apperr.ErrValidation)
)

// Direction is long or short exposure.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OptionKind is call or put.
type OptionKind string

const (
	Call OptionKind = "call"
	Put  OptionKind = "put"
)

// Contract is one margined exposure.
type Contract interface {
	// Underlying is the commodity the contract's risk is driven by.
	Underlying() string
	// Validate checks the contract's own parameters.
	Validate() error

	isContract()
}

// Future is a linear exposure of Notional to the commodity price.
type Future struct {
	Commodity string          `json:"commodity"`
	Notional  decimal.Decimal `json:"notional"`
	Direction Direction       `json:"direction"`
}

// Option is a call or put with a known premium.
type Option struct {
	Commodity          string          `json:"commodity"`
	Kind               OptionKind      `json:"kind"`
	Direction          Direction       `json:"direction"`
	Premium            decimal.Decimal `json:"premium"`
	UnderlyingNotional decimal.Decimal `json:"underlying_notional"`
}

// Swap exchanges floating for fixed commodity prices until Maturity.
type Swap struct {
	Commodity string          `json:"commodity"`
	Notional  decimal.Decimal `json:"notional"`
	Maturity  time.Time       `json:"maturity"`
}

// StructuredNote returns at least Protection × Notional at maturity.
type StructuredNote struct {
	Commodity  string          `json:"commodity"`
	Notional   decimal.Decimal `json:"notional"`
	Protection decimal.Decimal `json:"protection"` // fraction of principal, [0, 1]
}

func (Future) isContract()         {}
func (Option) isContract()         {}
func (Swap) isContract()           {}
func (StructuredNote) isContract() {}

func (f Future) Underlying() string         { return f.Commodity }
func (o Option) Underlying() string         { return o.Commodity }
func (s Swap) Underlying() string           { return s.Commodity }
func (n StructuredNote) Underlying() string { return n.Commodity }

func (f Future) Validate() error {
	if err := checkCommon(f.Commodity, f.Notional, "notional"); err != nil {
		return err
	}
	return checkDirection(f.Direction)
}

func (o Option) Validate() error {
	if err := checkCommon(o.Commodity, o.Premium, "premium"); err != nil {
		return err
	}
	if !o.UnderlyingNotional.IsPositive() {
		return fmt.Errorf("%w: underlying notional must be positive", ErrInvalidParameter)
	}
	if o.Kind != Call && o.Kind != Put {
		return fmt.Errorf("%w: option kind %q", ErrInvalidParameter, o.Kind)
	}
	return checkDirection(o.Direction)
}

func (s Swap) Validate() error {
	if err := checkCommon(s.Commodity, s.Notional, "notional"); err != nil {
		return err
	}
	if s.Maturity.IsZero() {
		return fmt.Errorf("%w: swap maturity is required", ErrInvalidParameter)
	}
	return nil
}

func (n StructuredNote) Validate() error {
	if err := checkCommon(n.Commodity, n.Notional, "notional"); err != nil {
		return err
	}
	if n.Protection.IsNegative() || n.Protection.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: protection %s not in [0, 1]", ErrInvalidParameter, n.Protection)
	}
	return nil
}

func checkCommon(commodity string, amount decimal.Decimal, name string) error {
	if commodity == "" {
		return fmt.Errorf("%w: commodity is required", ErrInvalidParameter)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidParameter, name, amount)
	}
	return nil
}

func checkDirection(d Direction) error {
	if d != Long && d != Short {
		return fmt.Errorf("%w: direction %q", ErrInvalidParameter, d)
	}
	return nil
}

// Spec is the wire form of a contract, as accepted by the API.
type Spec struct {
	Type               string          `json:"type"`
	Commodity          string          `json:"commodity"`
	Direction          Direction       `json:"direction,omitempty"`
	Notional           decimal.Decimal `json:"notional"`
	Premium            decimal.Decimal `json:"premium,omitempty"`
	OptionKind         OptionKind      `json:"option_kind,omitempty"`
	UnderlyingNotional decimal.Decimal `json:"underlying_notional,omitempty"`
	Maturity           time.Time       `json:"maturity,omitempty"`
	Protection         decimal.Decimal `json:"protection,omitempty"`
}

// Build converts a Spec into its typed variant and validates it.
func (s Spec) Build() (Contract, error) {
	var c Contract
	switch s.Type {
	case TypeFuture:
		c = Future{Commodity: s.Commodity, Notional: s.Notional, Direction: s.Direction}
	case TypeOption:
		c = Option{
			Commodity:          s.Commodity,
			Kind:               s.OptionKind,
			Direction:          s.Direction,
			Premium:            s.Premium,
			UnderlyingNotional: s.UnderlyingNotional,
		}
	case TypeSwap:
		c = Swap{Commodity: s.Commodity, Notional: s.Notional, Maturity: s.Maturity}
	case TypeStructuredNote:
		c = StructuredNote{Commodity: s.Commodity, Notional: s.Notional, Protection: s.Protection}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, s.Type)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
