package region

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// rateFile mirrors Rates with optional fields so a region only lists what
// differs from the default block.
type rateFile struct {
	FutureFloorRate          *float64      `yaml:"future_floor_rate"`
	ShockMultipliers         []float64     `yaml:"shock_multipliers"`
	MaintenanceRatio         *float64      `yaml:"maintenance_ratio"`
	OptionShortRate          *float64      `yaml:"option_short_rate"`
	SwapBaseRate             *float64      `yaml:"swap_base_rate"`
	SwapTenorRate            *float64      `yaml:"swap_tenor_rate"`
	NoteMinRate              *float64      `yaml:"note_min_rate"`
	NoteBaseRate             *float64      `yaml:"note_base_rate"`
	PortfolioMargining       *bool         `yaml:"portfolio_margining"`
	MinDiversificationFactor *float64      `yaml:"min_diversification_factor"`
	DefaultCorrelation       *float64      `yaml:"default_correlation"`
	Correlations             []correlation `yaml:"correlations"`
}

type correlation struct {
	A   string  `yaml:"a"`
	B   string  `yaml:"b"`
	Rho float64 `yaml:"rho"`
}

type tableFile struct {
	Default rateFile            `yaml:"default"`
	Regions map[string]rateFile `yaml:"regions"`
}

// Load reads a YAML rate file. An empty path returns DefaultTable.
//
//	default:
//	  future_floor_rate: 0.10
//	regions:
//	  US:
//	    future_floor_rate: 0.12
//	    portfolio_margining: true
//	    correlations:
//	      - {a: crude_oil, b: natural_gas, rho: 0.6}
func Load(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region rates %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a YAML rate file on top of DefaultRates.
func Parse(raw []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRates, err)
	}

	fallback := f.Default.apply(DefaultRates())
	regions := make([]Rates, 0, len(f.Regions))
	for name, rf := range f.Regions {
		r := rf.apply(fallback)
		r.Region = name
		regions = append(regions, r)
	}
	return NewTable(fallback, regions...)
}

func (f rateFile) apply(base Rates) Rates {
	r := base
	setDec(&r.FutureFloorRate, f.FutureFloorRate)
	setDec(&r.MaintenanceRatio, f.MaintenanceRatio)
	setDec(&r.OptionShortRate, f.OptionShortRate)
	setDec(&r.SwapBaseRate, f.SwapBaseRate)
	setDec(&r.SwapTenorRate, f.SwapTenorRate)
	setDec(&r.NoteMinRate, f.NoteMinRate)
	setDec(&r.NoteBaseRate, f.NoteBaseRate)
	setDec(&r.MinDiversificationFactor, f.MinDiversificationFactor)
	setDec(&r.DefaultCorrelation, f.DefaultCorrelation)
	if f.PortfolioMargining != nil {
		r.PortfolioMargining = *f.PortfolioMargining
	}
	if len(f.ShockMultipliers) > 0 {
		r.ShockMultipliers = make([]decimal.Decimal, len(f.ShockMultipliers))
		for i, m := range f.ShockMultipliers {
			r.ShockMultipliers[i] = decimal.NewFromFloat(m)
		}
	}
	if len(f.Correlations) > 0 {
		r.Correlations = make(map[string]decimal.Decimal, len(f.Correlations))
		for _, c := range f.Correlations {
			r.Correlations[PairKey(c.A, c.B)] = decimal.NewFromFloat(c.Rho)
		}
	}
	return r
}

func setDec(dst *decimal.Decimal, v *float64) {
	if v != nil {
		*dst = decimal.NewFromFloat(*v)
	}
}
