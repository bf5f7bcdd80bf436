// Package rounding snaps prices to a rounding unit with exact decimal
// arithmetic and proposes "nice" rounding units for a symbol.
package rounding

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NoisePlaces is the precision a generated unit must survive unchanged.
const NoisePlaces = 10

// niceMultipliers are applied to every power of ten.
var niceMultipliers = []decimal.Decimal{
	decimal.NewFromInt(1),
	decimal.RequireFromString("2.5"),
	decimal.NewFromInt(5),
}

var ten = decimal.NewFromInt(10)

// RoundDown returns the largest multiple of unit that is <= value.
func RoundDown(value, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return value
	}
	rem := value.Mod(unit)
	if rem.IsNegative() {
		rem = rem.Add(unit)
	}
	return value.Sub(rem)
}

// RoundUp returns the smallest multiple of unit that is >= value.
func RoundUp(value, unit decimal.Decimal) decimal.Decimal {
	if !unit.IsPositive() {
		return value
	}
	down := RoundDown(value, unit)
	if down.Equal(value) {
		return down
	}
	return down.Add(unit)
}

// RoundTo rounds half away from zero to the given number of decimal places.
func RoundTo(value decimal.Decimal, places int32) decimal.Decimal {
	return value.Round(places)
}

// IsMultiple reports whether value is an exact multiple of unit.
func IsMultiple(value, unit decimal.Decimal) bool {
	if !unit.IsPositive() {
		return false
	}
	return value.Mod(unit).IsZero()
}

// Decimals is the number of fractional digits of unit once trailing zeros
// are dropped: 10 -> 0, 0.1 -> 1, 0.25 -> 2.
func Decimals(unit decimal.Decimal) int32 {
	s := unit.Abs().String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return int32(len(s) - idx - 1)
}

// GenerateOptions lists ascending rounding units built from powers of ten times
// 1, 2.5 and 5, starting at 10^-basePrecision. Units that are not a multiple of
// the base unit or exceed maxValue are skipped. When nothing qualifies the
// base unit alone is returned.
func GenerateOptions(basePrecision int32, maxOptions int, maxValue decimal.Decimal) []decimal.Decimal {
	base := decimal.New(1, -basePrecision)
	if maxOptions < 1 {
		maxOptions = 1
	}

	places := max(int32(NoisePlaces), basePrecision)
	options := make([]decimal.Decimal, 0, maxOptions)
	seen := make(map[string]struct{})

	for power := base; power.LessThanOrEqual(maxValue) && len(options) < maxOptions; power = power.Mul(ten) {
		for _, mul := range niceMultipliers {
			unit := RoundTo(power.Mul(mul), places)
			if unit.GreaterThan(maxValue) || !IsMultiple(unit, base) {
				continue
			}
			key := unit.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			options = append(options, unit)
			if len(options) == maxOptions {
				break
			}
		}
	}

	if len(options) == 0 {
		return []decimal.Decimal{base}
	}
	return options
}
