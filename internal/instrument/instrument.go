// Package instrument holds reference data for tradable instruments and the
// commodities they settle against.
package instrument

import (
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

var (
	ErrUnsupportedInstrument = fmt.Errorf("%w: unsupported instrument", apperr.ErrValidation)
	ErrUnknownCommodity      = fmt.Errorf("%w: unknown commodity", apperr.ErrConfiguration)
	ErrInvalidReferenceData  = fmt.Errorf("%w: invalid instrument reference data", apperr.ErrConfiguration)
)

// Instrument is a tradable order book.
type Instrument struct {
	Symbol       string          `json:"symbol"`
	Commodity    string          `json:"commodity"`
	ContractSize decimal.Decimal `json:"contract_size"` // notional multiplier per unit
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxOrderSize decimal.Decimal `json:"max_order_size"`
}

// Commodity carries the risk parameters shared by every instrument on it.
type Commodity struct {
	Name       string          `json:"name"`
	Volatility decimal.Decimal `json:"volatility"` // one-period price move, fraction of price
}

// Registry is an immutable lookup of instruments and commodities.
type Registry struct {
	instruments map[string]Instrument
	commodities map[string]Commodity
}

// New validates and indexes the reference data.
func New(instruments []Instrument, commodities []Commodity) (*Registry, error) {
	r := &Registry{
		instruments: make(map[string]Instrument, len(instruments)),
		commodities: make(map[string]Commodity, len(commodities)),
	}
	for _, c := range commodities {
		if c.Name == "" || c.Volatility.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%w: commodity %q needs a positive volatility", ErrInvalidReferenceData, c.Name)
		}
		r.commodities[c.Name] = c
	}
	for _, in := range instruments {
		if _, ok := r.commodities[in.Commodity]; !ok {
			return nil, fmt.Errorf("%w: instrument %q references %q", ErrUnknownCommodity, in.Symbol, in.Commodity)
		}
		if in.ContractSize.IsZero() {
			in.ContractSize = decimal.NewFromInt(1)
		}
		if !in.ContractSize.IsPositive() {
			return nil, fmt.Errorf("%w: instrument %q contract size %s must be positive",
				ErrInvalidReferenceData, in.Symbol, in.ContractSize)
		}
		if in.MinOrderSize.LessThanOrEqual(decimal.Zero) || in.MaxOrderSize.LessThan(in.MinOrderSize) {
			return nil, fmt.Errorf("%w: instrument %q order size bounds [%s, %s]",
				ErrInvalidReferenceData, in.Symbol, in.MinOrderSize, in.MaxOrderSize)
		}
		r.instruments[in.Symbol] = in
	}
	return r, nil
}

// Lookup returns the instrument for symbol.
func (r *Registry) Lookup(symbol string) (Instrument, error) {
	in, ok := r.instruments[symbol]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnsupportedInstrument, symbol)
	}
	return in, nil
}

// Volatility returns the configured volatility of a commodity.
func (r *Registry) Volatility(commodity string) (decimal.Decimal, error) {
	c, ok := r.commodities[commodity]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCommodity, commodity)
	}
	return c.Volatility, nil
}

// Symbols lists the instrument symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.instruments))
	for s := range r.instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Default returns the built-in energy instrument set.
func Default() *Registry {
	commodities := []Commodity{
		{Name: "crude_oil", Volatility: decimal.RequireFromString("0.03")},
		{Name: "natural_gas", Volatility: decimal.RequireFromString("0.05")},
		{Name: "electricity", Volatility: decimal.RequireFromString("0.06")},
		{Name: "coal", Volatility: decimal.RequireFromString("0.025")},
		{Name: "carbon_credits", Volatility: decimal.RequireFromString("0.04")},
	}
	instruments := make([]Instrument, 0, len(commodities))
	for _, c := range commodities {
		instruments = append(instruments, Instrument{
			Symbol:       c.Name,
			Commodity:    c.Name,
			ContractSize: decimal.NewFromInt(1),
			MinOrderSize: decimal.NewFromInt(1),
			MaxOrderSize: decimal.NewFromInt(1_000_000),
		})
	}
	r, err := New(instruments, commodities)
	if err != nil {
		panic(err)
	}
	return r
}

type fileFormat struct {
	Commodities []struct {
		Name       string  `yaml:"name"`
		Volatility float64 `yaml:"volatility"`
	} `yaml:"commodities"`
	Instruments []struct {
		Symbol       string  `yaml:"symbol"`
		Commodity    string  `yaml:"commodity"`
		ContractSize float64 `yaml:"contract_size"`
		MinOrderSize float64 `yaml:"min_order_size"`
		MaxOrderSize float64 `yaml:"max_order_size"`
	} `yaml:"instruments"`
}

// Load reads reference data from a YAML file. An empty path returns Default.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes YAML reference data.
func Parse(raw []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReferenceData, err)
	}

	commodities := make([]Commodity, 0, len(f.Commodities))
	for _, c := range f.Commodities {
		commodities = append(commodities, Commodity{Name: c.Name, Volatility: decimal.NewFromFloat(c.Volatility)})
	}
	instruments := make([]Instrument, 0, len(f.Instruments))
	for _, in := range f.Instruments {
		instruments = append(instruments, Instrument{
			Symbol:       in.Symbol,
			Commodity:    in.Commodity,
			ContractSize: decimal.NewFromFloat(in.ContractSize),
			MinOrderSize: decimal.NewFromFloat(in.MinOrderSize),
			MaxOrderSize: decimal.NewFromFloat(in.MaxOrderSize),
		})
	}
	return New(instruments, commodities)
}
