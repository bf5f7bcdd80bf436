package domain

import "context"

// DepthFeed is the upstream raw depth source of one exchange gateway.
//
// DepthStream must emit a snapshot update first; everything after it is
// applied as an incremental diff. The stream is closed when the feed can no
// longer guarantee a consistent book (disconnect, sequence gap); the caller
// is expected to resubscribe.
type DepthFeed interface {
	Name() string
	DepthStream(ctx context.Context, symbol *MarketSymbol) (*Subscription[*OrderBookUpdate], error)
}

// PrecisionSource supplies read-only symbol metadata.
type PrecisionSource interface {
	Precision(symbol *MarketSymbol) (SymbolPrecisionInfo, error)
}
