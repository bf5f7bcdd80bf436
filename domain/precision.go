package domain

import "github.com/shopspring/decimal"

type SymbolPrecisionInfo struct {
	PricePrecision  int32
	AmountPrecision int32
	TickSize        decimal.Decimal
}

// EffectiveTick falls back to 10^-PricePrecision when no tick size is known.
func (p SymbolPrecisionInfo) EffectiveTick() decimal.Decimal {
	if p.TickSize.IsPositive() {
		return p.TickSize
	}
	return decimal.New(1, -p.PricePrecision)
}
