package binance

import (
	"context"

	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

// Feed is the Binance spot depth feed: websocket diffs synchronized against a
// REST snapshot.
type Feed struct {
	client     *StreamClient
	streamAPI  *StreamAPI
	syncAPI    *SyncAPI
	depthLimit int
}

func NewFeed(cfg config.FeedConfig) *Feed {
	client := NewStreamClient(cfg.BinanceStreamURL)
	return &Feed{
		client:     client,
		streamAPI:  NewStreamAPI(client),
		syncAPI:    NewSyncAPI(cfg.BinanceRestURL),
		depthLimit: cfg.DepthLimit,
	}
}

func (f *Feed) Name() string { return "binance" }

func (f *Feed) DepthStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	f.client.Connect()

	maintainer := domain.NewOrderBookMaintainer(f.streamAPI, f.syncAPI, &DepthUpdateValidator{}, f.depthLimit)
	return maintainer.Maintain(ctx, symbol)
}

func (f *Feed) Close() error {
	f.client.Close()
	return nil
}
