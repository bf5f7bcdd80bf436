package kucoin

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

// Feed polls full book snapshots. Every new sequence is emitted as a
// snapshot update; unchanged sequences are skipped.
type Feed struct {
	api        domain.ProviderSyncAPI
	every      time.Duration
	depthLimit int
}

func NewFeed(cfg config.FeedConfig) *Feed {
	return NewPollingFeed(NewSyncAPI(cfg), cfg.KucoinPollEvery, cfg.DepthLimit)
}

func NewPollingFeed(api domain.ProviderSyncAPI, every time.Duration, depthLimit int) *Feed {
	return &Feed{api: api, every: every, depthLimit: depthLimit}
}

func (f *Feed) Name() string { return "kucoin" }

// DepthStream fetches the first snapshot before returning. A failed poll
// later on ends the stream.
func (f *Feed) DepthStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	first, err := f.api.OrderBookSnapshot(ctx, symbol, f.depthLimit)
	if err != nil {
		return nil, errors.Wrap(err, "kucoin snapshot")
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan *domain.OrderBookUpdate, 1)
	out <- first

	go f.poll(ctx, symbol, first.LastUpdateID, out)

	var once sync.Once
	return &domain.Subscription[*domain.OrderBookUpdate]{
		Stream:      out,
		Unsubscribe: func() { once.Do(cancel) },
		Topic:       "/market/level2:" + symbol.Join("-"),
	}, nil
}

func (f *Feed) poll(ctx context.Context, symbol *domain.MarketSymbol, last int64, out chan<- *domain.OrderBookUpdate) {
	defer close(out)

	ticker := time.NewTicker(f.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := f.api.OrderBookSnapshot(ctx, symbol, f.depthLimit)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).WithField("symbol", symbol.String()).Warn("snapshot poll failed, closing stream")
			}
			return
		}
		if snapshot.LastUpdateID <= last {
			continue
		}

		if config.DebugMode {
			logger.WithFields(logrus.Fields{
				"symbol":   symbol.String(),
				"sequence": snapshot.LastUpdateID,
			}).Debug("new snapshot")
		}

		select {
		case out <- snapshot:
			last = snapshot.LastUpdateID
		case <-ctx.Done():
			return
		}
	}
}
