package provider

import (
	"testing"

	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecisionRegistry(t *testing.T) {
	registry, err := NewPrecisionRegistry(map[string]config.SymbolSpec{
		"BTCUSDT":  {PricePrecision: 2, AmountPrecision: 5, TickSize: "0.01"},
		"eth-usdt": {PricePrecision: 2, AmountPrecision: 4},
	}, nil)
	require.NoError(t, err)

	btc, _ := domain.NewMarketSymbol("BTC", "USDT")
	info, err := registry.Precision(btc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), info.PricePrecision)
	assert.Equal(t, int32(5), info.AmountPrecision)
	assert.Equal(t, "0.01", info.TickSize.String())

	eth, _ := domain.NewMarketSymbol("ETH", "USDT")
	info, err = registry.Precision(eth)
	require.NoError(t, err)
	assert.True(t, info.TickSize.IsZero())
	assert.Equal(t, "0.01", info.EffectiveTick().String())

	doge, _ := domain.NewMarketSymbol("DOGE", "USDT")
	_, err = registry.Precision(doge)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestPrecisionRegistry_Fallback(t *testing.T) {
	registry, err := NewPrecisionRegistry(nil, &config.SymbolSpec{PricePrecision: 4, AmountPrecision: 2, TickSize: "0.0005"})
	require.NoError(t, err)

	doge, _ := domain.NewMarketSymbol("DOGE", "USDT")
	info, err := registry.Precision(doge)
	require.NoError(t, err)
	assert.Equal(t, int32(4), info.PricePrecision)
	assert.Equal(t, "0.0005", info.TickSize.String())
}

func TestPrecisionRegistry_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		symbols map[string]config.SymbolSpec
	}{
		{"BadSymbol", map[string]config.SymbolSpec{"BTC_USDT_PERP": {PricePrecision: 2}}},
		{"BadTick", map[string]config.SymbolSpec{"BTCUSDT": {TickSize: "tick"}}},
		{"ZeroTick", map[string]config.SymbolSpec{"BTCUSDT": {TickSize: "0"}}},
		{"NegativePrecision", map[string]config.SymbolSpec{"BTCUSDT": {PricePrecision: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrecisionRegistry(tt.symbols, nil)
			assert.Error(t, err)
		})
	}
}
