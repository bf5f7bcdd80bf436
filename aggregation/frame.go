package aggregation

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

const FrameTypeOrderBookUpdate = "orderbook_update"

type levelFrame struct {
	Price               json.Number `json:"price"`
	Quantity            json.Number `json:"quantity"`
	Cumulative          json.Number `json:"cumulative"`
	PriceFormatted      string      `json:"price_formatted"`
	AmountFormatted     string      `json:"amount_formatted"`
	CumulativeFormatted string      `json:"cumulative_formatted"`
}

// OrderBookFrame is the wire form of an AggregatedView. Numbers are written
// from their exact decimal representation.
type OrderBookFrame struct {
	Type            string          `json:"type"`
	Symbol          string          `json:"symbol"`
	Bids            []levelFrame    `json:"bids"`
	Asks            []levelFrame    `json:"asks"`
	Rounding        json.Number     `json:"rounding"`
	RoundingOptions []json.Number   `json:"rounding_options"`
	Timestamp       int64           `json:"timestamp"`
	MarketDepthInfo MarketDepthInfo `json:"market_depth_info"`
}

func NewOrderBookFrame(view AggregatedView) OrderBookFrame {
	options := make([]json.Number, len(view.RoundingOptions))
	for i, option := range view.RoundingOptions {
		options[i] = number(option)
	}

	return OrderBookFrame{
		Type:            FrameTypeOrderBookUpdate,
		Symbol:          view.Symbol,
		Bids:            levelFrames(view.Bids),
		Asks:            levelFrames(view.Asks),
		Rounding:        number(view.Rounding),
		RoundingOptions: options,
		Timestamp:       view.Timestamp,
		MarketDepthInfo: view.DepthInfo,
	}
}

// EncodeFrame serializes view; equal views always encode to equal bytes.
func EncodeFrame(view AggregatedView) ([]byte, error) {
	return json.Marshal(NewOrderBookFrame(view))
}

func levelFrames(levels []AggregatedLevel) []levelFrame {
	result := make([]levelFrame, len(levels))
	for i, level := range levels {
		result[i] = levelFrame{
			Price:               number(level.Price),
			Quantity:            number(level.Quantity),
			Cumulative:          number(level.Cumulative),
			PriceFormatted:      level.PriceFormatted,
			AmountFormatted:     level.AmountFormatted,
			CumulativeFormatted: level.CumulativeFormatted,
		}
	}
	return result
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
