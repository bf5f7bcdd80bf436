package registry

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

type ValidationServiceConfig struct {
	MinLimit     int
	MaxLimit     int
	DefaultLimit int
	MaxRounding  decimal.Decimal
}

func ValidationServiceConfigFrom(cfg config.AggregationConfig) (*ValidationServiceConfig, error) {
	maxRounding, err := decimal.NewFromString(cfg.MaxRounding)
	if err != nil {
		return nil, errors.Wrap(err, "max rounding")
	}
	return &ValidationServiceConfig{
		MinLimit:     cfg.MinLimit,
		MaxLimit:     cfg.MaxLimit,
		DefaultLimit: cfg.DefaultLimit,
		MaxRounding:  maxRounding,
	}, nil
}

// ValidationService checks client supplied view parameters against the
// configured bounds and the known symbols.
type ValidationService struct {
	config    *ValidationServiceConfig
	precision domain.PrecisionSource
}

func NewValidationService(config *ValidationServiceConfig, precision domain.PrecisionSource) *ValidationService {
	return &ValidationService{
		config:    config,
		precision: precision,
	}
}

func (s *ValidationService) Symbol(raw string) (*domain.MarketSymbol, domain.SymbolPrecisionInfo, error) {
	symbol, err := domain.NewMarketSymbolFromString(raw)
	if err != nil {
		return nil, domain.SymbolPrecisionInfo{}, domain.NewValidationError("symbol", err.Error())
	}

	info, err := s.precision.Precision(symbol)
	if err != nil {
		return nil, domain.SymbolPrecisionInfo{}, domain.NewValidationError("symbol", fmt.Sprintf("%s is not supported", symbol))
	}
	return symbol, info, nil
}

func (s *ValidationService) Limit(limit int) error {
	if limit < s.config.MinLimit || limit > s.config.MaxLimit {
		return domain.NewValidationError("limit", fmt.Sprintf("must be between %d and %d", s.config.MinLimit, s.config.MaxLimit))
	}
	return nil
}

func (s *ValidationService) Rounding(rounding decimal.Decimal) error {
	if !rounding.IsPositive() {
		return domain.NewValidationError("rounding", "must be positive")
	}
	if s.config.MaxRounding.IsPositive() && rounding.GreaterThan(s.config.MaxRounding) {
		return domain.NewValidationError("rounding", "must not exceed "+s.config.MaxRounding.String())
	}
	return nil
}

func (s *ValidationService) DefaultLimit() int {
	return s.config.DefaultLimit
}
