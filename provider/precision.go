package provider

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

// ErrUnknownSymbol is returned for symbols that are neither configured nor
// covered by a default.
var ErrUnknownSymbol = errors.New("unknown symbol")

// PrecisionRegistry serves symbol precision from configuration. It is built
// once and never mutated, so it is safe for concurrent use.
type PrecisionRegistry struct {
	symbols  map[string]domain.SymbolPrecisionInfo
	fallback *domain.SymbolPrecisionInfo
}

// NewPrecisionRegistry parses the configured symbols. fallback, when not nil,
// applies to every well-formed symbol that is not listed.
func NewPrecisionRegistry(symbols map[string]config.SymbolSpec, fallback *config.SymbolSpec) (*PrecisionRegistry, error) {
	r := &PrecisionRegistry{symbols: make(map[string]domain.SymbolPrecisionInfo, len(symbols))}

	for raw, spec := range symbols {
		symbol, err := domain.NewMarketSymbolFromString(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "symbols.%s", raw)
		}
		info, err := precisionInfo(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "symbols.%s", raw)
		}
		r.symbols[symbol.String()] = info
	}

	if fallback != nil {
		info, err := precisionInfo(*fallback)
		if err != nil {
			return nil, errors.Wrap(err, "default_symbol")
		}
		r.fallback = &info
	}
	return r, nil
}

func (r *PrecisionRegistry) Precision(symbol *domain.MarketSymbol) (domain.SymbolPrecisionInfo, error) {
	if info, ok := r.symbols[symbol.String()]; ok {
		return info, nil
	}
	if r.fallback != nil {
		return *r.fallback, nil
	}
	return domain.SymbolPrecisionInfo{}, errors.Wrap(ErrUnknownSymbol, symbol.String())
}

func precisionInfo(spec config.SymbolSpec) (domain.SymbolPrecisionInfo, error) {
	if spec.PricePrecision < 0 || spec.AmountPrecision < 0 {
		return domain.SymbolPrecisionInfo{}, errors.New("precision must not be negative")
	}

	info := domain.SymbolPrecisionInfo{
		PricePrecision:  spec.PricePrecision,
		AmountPrecision: spec.AmountPrecision,
	}
	if spec.TickSize != "" {
		tick, err := decimal.NewFromString(spec.TickSize)
		if err != nil {
			return domain.SymbolPrecisionInfo{}, errors.Wrap(err, "tick_size")
		}
		if !tick.IsPositive() {
			return domain.SymbolPrecisionInfo{}, errors.New("tick_size must be positive")
		}
		info.TickSize = tick
	}
	return info, nil
}
