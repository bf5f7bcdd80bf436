package rounding

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRoundDown(t *testing.T) {
	tests := []struct {
		value, unit, want string
	}{
		{"100.03", "0.05", "100"},
		{"100.05", "0.05", "100.05"},
		{"100.01", "0.05", "100"},
		{"0.3", "0.1", "0.3"},
		{"12345.678", "10", "12340"},
		{"12345.678", "0.25", "12345.5"},
		{"-1.03", "0.05", "-1.05"},
		{"7", "0", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.value+"/"+tt.unit, func(t *testing.T) {
			got := RoundDown(d(tt.value), d(tt.unit))
			assert.True(t, got.Equal(d(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct {
		value, unit, want string
	}{
		{"100.05", "0.05", "100.05"},
		{"100.03", "0.05", "100.05"},
		{"100.06", "0.05", "100.1"},
		{"0.1", "0.1", "0.1"},
		{"12341", "10", "12350"},
		{"-1.03", "0.05", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.value+"/"+tt.unit, func(t *testing.T) {
			got := RoundUp(d(tt.value), d(tt.unit))
			assert.True(t, got.Equal(d(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestRoundingProducesExactMultiples(t *testing.T) {
	units := []string{"0.01", "0.05", "0.1", "0.25", "0.5", "1", "2.5", "10"}
	values := []string{"0.07", "1.2345", "99.999", "100.03", "50000.12", "64321.987654"}

	for _, u := range units {
		for _, v := range values {
			unit, value := d(u), d(v)

			down := RoundDown(value, unit)
			up := RoundUp(value, unit)

			assert.True(t, IsMultiple(down, unit), "%s down to %s = %s", v, u, down)
			assert.True(t, IsMultiple(up, unit), "%s up to %s = %s", v, u, up)
			assert.True(t, down.LessThanOrEqual(value))
			assert.True(t, up.GreaterThanOrEqual(value))
			assert.True(t, up.Sub(down).LessThanOrEqual(unit))
		}
	}
}

func TestDecimals(t *testing.T) {
	tests := []struct {
		unit string
		want int32
	}{
		{"10", 0},
		{"1", 0},
		{"1.0", 0},
		{"0.1", 1},
		{"0.25", 2},
		{"0.50", 1},
		{"0.00001", 5},
	}

	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			assert.Equal(t, tt.want, Decimals(d(tt.unit)))
		})
	}
}

func TestGenerateOptions(t *testing.T) {
	t.Run("NiceUnitsUpToMax", func(t *testing.T) {
		got := GenerateOptions(2, 10, d("1"))
		assert.Equal(t, []string{"0.01", "0.05", "0.1", "0.25", "0.5", "1"}, toStrings(got))
	})

	t.Run("CappedAtMaxOptions", func(t *testing.T) {
		got := GenerateOptions(2, 3, d("1000"))
		assert.Equal(t, []string{"0.01", "0.05", "0.1"}, toStrings(got))
	})

	t.Run("IntegerPrecisionSkipsFractionalMultiples", func(t *testing.T) {
		got := GenerateOptions(0, 10, d("100"))
		assert.Equal(t, []string{"1", "5", "10", "25", "50", "100"}, toStrings(got))
	})

	t.Run("FallsBackToBaseUnit", func(t *testing.T) {
		got := GenerateOptions(2, 10, d("0.001"))
		assert.Equal(t, []string{"0.01"}, toStrings(got))
	})

	t.Run("NonPositiveMaxOptions", func(t *testing.T) {
		got := GenerateOptions(4, 0, d("10"))
		assert.Equal(t, []string{"0.0001"}, toStrings(got))
	})
}

func TestGenerateOptionsHasNoFloatNoise(t *testing.T) {
	for precision := int32(0); precision <= 8; precision++ {
		options := GenerateOptions(precision, 20, d("100000"))
		for i, u := range options {
			assert.True(t, u.Equal(RoundTo(u, NoisePlaces)), "precision %d: %s is noisy", precision, u)
			if i > 0 {
				assert.True(t, u.GreaterThan(options[i-1]), "options must ascend")
			}
		}
	}
}

func toStrings(units []decimal.Decimal) []string {
	result := make([]string, len(units))
	for i, u := range units {
		result[i] = u.String()
	}
	return result
}
