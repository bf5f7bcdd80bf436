package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Checked longest first when a symbol arrives without a separator.
var knownQuoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "EUR", "TRY", "BTC", "ETH", "BNB", "USD"}

type MarketSymbol struct {
	BaseAsset  string
	QuoteAsset string
}

func NewMarketSymbol(base string, quote string) (*MarketSymbol, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))

	if base == "" || quote == "" {
		return nil, errors.New("base and quote must not be empty")
	}
	if base == quote {
		return nil, errors.New("base and quote must be different")
	}
	return &MarketSymbol{
		BaseAsset:  base,
		QuoteAsset: quote,
	}, nil
}

// NewMarketSymbolFromString accepts "BTC_USDT", "BTC-USDT", "BTC/USDT" and the
// exchange-native "BTCUSDT" form.
func NewMarketSymbolFromString(s string) (*MarketSymbol, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return nil, errors.New("empty symbol string")
	}

	for _, sep := range []string{"_", "-", "/"} {
		if strings.Contains(s, sep) {
			split := strings.Split(s, sep)
			if len(split) != 2 {
				return nil, errors.Errorf("invalid symbol string %q", s)
			}
			return NewMarketSymbol(split[0], split[1])
		}
	}

	for _, quote := range knownQuoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return NewMarketSymbol(strings.TrimSuffix(s, quote), quote)
		}
	}

	return nil, errors.Errorf("unknown quote asset in symbol %q", s)
}

func (ms *MarketSymbol) Join(separator string) string {
	return ms.BaseAsset + separator + ms.QuoteAsset
}

// String is the canonical wire form, e.g. BTCUSDT.
func (ms *MarketSymbol) String() string {
	return ms.Join("")
}

func (ms *MarketSymbol) Equal(other *MarketSymbol) bool {
	return ms.BaseAsset == other.BaseAsset && ms.QuoteAsset == other.QuoteAsset
}
