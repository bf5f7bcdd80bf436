// Package aggregation turns raw order book snapshots into rounded,
// depth-limited and formatted views, and caches them per view parameters.
package aggregation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/formatting"
	"github.com/spooky-finn/go-cryptomarkets-depthview/rounding"
)

// Key identifies one cacheable view. Rounding holds the normalized unit so
// that 0.5 and 0.50 share an entry.
type Key struct {
	Symbol   string
	Rounding string
	Limit    int
}

func NewKey(symbol string, unit decimal.Decimal, limit int) Key {
	return Key{Symbol: symbol, Rounding: unit.String(), Limit: limit}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d", k.Symbol, k.Rounding, k.Limit)
}

type AggregatedLevel struct {
	Price               decimal.Decimal
	Quantity            decimal.Decimal
	Cumulative          decimal.Decimal
	PriceFormatted      string
	AmountFormatted     string
	CumulativeFormatted string
}

// MarketDepthInfo tells the client whether the rounding left enough levels
// to fill the requested depth. Insufficient depth is not an error.
type MarketDepthInfo struct {
	SufficientData  bool   `json:"sufficient_data"`
	RawLevelsCount  int    `json:"raw_levels_count"`
	RawBidLevels    int    `json:"raw_bid_levels"`
	RawAskLevels    int    `json:"raw_ask_levels"`
	RequestedLevels int    `json:"requested_levels"`
	Stale           bool   `json:"stale"`
	Error           string `json:"error,omitempty"`
}

type AggregatedView struct {
	Symbol          string
	Bids            []AggregatedLevel
	Asks            []AggregatedLevel
	Rounding        decimal.Decimal
	RoundingOptions []decimal.Decimal
	SourceVersion   uint64
	// Timestamp is the book's last update in unix milliseconds.
	Timestamp int64
	DepthInfo MarketDepthInfo
}

// Aggregate snaps bids down and asks up to unit, merges equal prices, keeps
// the best limit groups per side and formats them.
func Aggregate(
	book domain.OrderBookView,
	limit int,
	unit decimal.Decimal,
	info domain.SymbolPrecisionInfo,
	formatter *formatting.Formatter,
) AggregatedView {
	bids := groupSide(book.Bids, unit, rounding.RoundDown)
	asks := groupSide(book.Asks, unit, rounding.RoundUp)

	view := AggregatedView{
		Symbol:        book.Symbol,
		Rounding:      unit,
		SourceVersion: book.Version,
		DepthInfo: MarketDepthInfo{
			SufficientData:  len(bids) >= limit && len(asks) >= limit,
			RawLevelsCount:  len(bids) + len(asks),
			RawBidLevels:    len(bids),
			RawAskLevels:    len(asks),
			RequestedLevels: limit,
			Stale:           book.Stale,
		},
	}
	if !book.UpdatedAt.IsZero() {
		view.Timestamp = book.UpdatedAt.UnixMilli()
	}

	view.Bids = accumulate(truncate(bids, limit), unit, info, formatter)
	view.Asks = accumulate(truncate(asks, limit), unit, info, formatter)
	return view
}

// RoundingOptions proposes units up to ratio of the best price. An empty book
// allows units up to a million base units.
func RoundingOptions(book domain.OrderBookView, info domain.SymbolPrecisionInfo, maxOptions int, ratio decimal.Decimal) []decimal.Decimal {
	var reference decimal.Decimal
	switch {
	case len(book.Bids) > 0:
		reference = book.Bids[0].Price
	case len(book.Asks) > 0:
		reference = book.Asks[0].Price
	}

	maxValue := reference.Mul(ratio)
	if !maxValue.IsPositive() {
		maxValue = decimal.New(1, 6-info.PricePrecision)
	}
	return rounding.GenerateOptions(info.PricePrecision, maxOptions, maxValue)
}

// groupSide relies on levels being sorted best first; both rounding
// directions preserve that order, so equal rounded prices are adjacent.
func groupSide(levels []domain.PriceLevel, unit decimal.Decimal, snap func(v, u decimal.Decimal) decimal.Decimal) []domain.PriceLevel {
	grouped := make([]domain.PriceLevel, 0, len(levels))
	for _, level := range levels {
		price := snap(level.Price, unit)
		last := len(grouped) - 1
		if last >= 0 && grouped[last].Price.Equal(price) {
			grouped[last].Quantity = grouped[last].Quantity.Add(level.Quantity)
			continue
		}
		grouped = append(grouped, domain.PriceLevel{Price: price, Quantity: level.Quantity})
	}

	result := grouped[:0]
	for _, level := range grouped {
		if level.Quantity.IsPositive() {
			result = append(result, level)
		}
	}
	return result
}

func truncate(levels []domain.PriceLevel, limit int) []domain.PriceLevel {
	if limit >= 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}

func accumulate(levels []domain.PriceLevel, unit decimal.Decimal, info domain.SymbolPrecisionInfo, formatter *formatting.Formatter) []AggregatedLevel {
	result := make([]AggregatedLevel, len(levels))
	cumulative := decimal.Zero
	for i, level := range levels {
		cumulative = cumulative.Add(level.Quantity)
		result[i] = AggregatedLevel{
			Price:               level.Price,
			Quantity:            level.Quantity,
			Cumulative:          cumulative,
			PriceFormatted:      formatter.FormatPriceDecimal(level.Price, info, unit),
			AmountFormatted:     formatter.FormatAmountDecimal(level.Quantity, info),
			CumulativeFormatted: formatter.FormatTotalDecimal(cumulative, info),
		}
	}
	return result
}
