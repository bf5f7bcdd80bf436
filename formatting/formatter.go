// Package formatting renders prices, amounts and cumulative totals into the
// display strings sent to clients.
package formatting

import (
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/rounding"
)

var logger = logrus.WithField("component", "formatting")

// Invalid is rendered for inputs that have no meaningful display value.
const Invalid = "N/A"

var (
	scientificBelow = decimal.New(1, -5)
	smallBelow      = decimal.New(1, -2)
	thousand        = decimal.New(1, 3)
	million         = decimal.New(1, 6)
)

// Formatter is stateless apart from a rounding unit -> decimals memo and can
// be shared between goroutines.
type Formatter struct {
	unitDecimals sync.Map
}

func NewFormatter() *Formatter {
	return &Formatter{}
}

func (f *Formatter) FormatPrice(value float64, info domain.SymbolPrecisionInfo, roundingUnit float64) string {
	if !finite(value) || !finite(roundingUnit) {
		return invalid("price", value)
	}
	unit := decimal.Zero
	if roundingUnit > 0 {
		unit = decimal.NewFromFloat(roundingUnit)
	}
	return f.FormatPriceDecimal(decimal.NewFromFloat(value), info, unit)
}

func (f *Formatter) FormatAmount(value float64, info domain.SymbolPrecisionInfo) string {
	if !finite(value) {
		return invalid("amount", value)
	}
	return f.FormatAmountDecimal(decimal.NewFromFloat(value), info)
}

func (f *Formatter) FormatTotal(value float64, info domain.SymbolPrecisionInfo) string {
	if !finite(value) {
		return invalid("total", value)
	}
	return f.FormatTotalDecimal(decimal.NewFromFloat(value), info)
}

// FormatPriceDecimal takes its decimal places from roundingUnit when it is
// positive, otherwise from the symbol price precision.
func (f *Formatter) FormatPriceDecimal(value decimal.Decimal, info domain.SymbolPrecisionInfo, roundingUnit decimal.Decimal) string {
	if isTiny(value) {
		return scientific(value)
	}

	places := info.PricePrecision
	if roundingUnit.IsPositive() {
		places = f.decimalsOf(roundingUnit)
	}
	return value.StringFixed(places)
}

func (f *Formatter) FormatAmountDecimal(value decimal.Decimal, info domain.SymbolPrecisionInfo) string {
	if value.IsNegative() {
		return invalid("amount", value)
	}

	switch {
	case isTiny(value):
		return scientific(value)
	case !value.IsZero() && value.LessThan(smallBelow):
		return value.StringFixed(max(4, info.AmountPrecision))
	case value.GreaterThanOrEqual(million):
		return compact(value, million, "M")
	case value.GreaterThanOrEqual(thousand):
		return compact(value, thousand, "K")
	default:
		return value.StringFixed(max(2, info.AmountPrecision))
	}
}

// FormatTotalDecimal checks the K/M compaction before the small-value rules.
func (f *Formatter) FormatTotalDecimal(value decimal.Decimal, _ domain.SymbolPrecisionInfo) string {
	if value.IsNegative() {
		return invalid("total", value)
	}

	switch {
	case value.GreaterThanOrEqual(million):
		return compact(value, million, "M")
	case value.GreaterThanOrEqual(thousand):
		return compact(value, thousand, "K")
	case isTiny(value):
		return scientific(value)
	case !value.IsZero() && value.LessThan(smallBelow):
		return value.StringFixed(4)
	default:
		return value.StringFixed(2)
	}
}

func (f *Formatter) decimalsOf(unit decimal.Decimal) int32 {
	key := unit.String()
	if cached, ok := f.unitDecimals.Load(key); ok {
		return cached.(int32)
	}
	places := rounding.Decimals(unit)
	f.unitDecimals.Store(key, places)
	return places
}

// isTiny reports a non-zero magnitude below 1e-5.
func isTiny(value decimal.Decimal) bool {
	return !value.IsZero() && value.Abs().LessThan(scientificBelow)
}

func scientific(value decimal.Decimal) string {
	return fmt.Sprintf("%.2e", value.InexactFloat64())
}

func compact(value, divisor decimal.Decimal, suffix string) string {
	return value.Div(divisor).StringFixed(2) + suffix
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func invalid(kind string, value any) string {
	logger.WithFields(logrus.Fields{"kind": kind, "value": fmt.Sprint(value)}).Warn("cannot format value")
	return Invalid
}
