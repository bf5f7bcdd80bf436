package kucoin

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

var logger = logrus.WithField("component", "kucoin")

const apiSuccess = "200000"

type SyncAPI struct {
	apiService *kucoin.ApiService
}

func NewSyncAPI(cfg config.FeedConfig) *SyncAPI {
	return &SyncAPI{
		apiService: kucoin.NewApiService(
			kucoin.ApiBaseURIOption(cfg.KucoinBaseURL),
			kucoin.ApiKeyOption(cfg.KucoinAPIKey),
			kucoin.ApiSecretOption(cfg.KucoinSecretKey),
			kucoin.ApiPassPhraseOption(cfg.KucoinPassphrase),
		),
	}
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// OrderBookSnapshot fetches the full aggregated book. limit > 0 keeps that
// many levels per side.
func (api *SyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookUpdate, error) {
	resp, err := api.apiService.AggregatedFullOrderBookV3(symbol.Join("-"))
	if err != nil {
		return nil, errors.Wrap(domain.ErrFeedUnavailable, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Code != apiSuccess {
		return nil, errors.Wrapf(domain.ErrFeedUnavailable, "order book snapshot: code %s %s", resp.Code, resp.Message)
	}

	data := &OrderBookSnapshot{}
	if err = json.Unmarshal(resp.RawData, data); err != nil {
		return nil, errors.Wrapf(err, "unmarshal order book snapshot, response: %s", resp.RawData)
	}

	lastUpdId, err := strconv.ParseInt(data.Sequence, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "convert sequence to int, response: %s", resp.RawData)
	}

	update := domain.NewOrderBookSnapshotUpdate(truncate(data.Bids, limit), truncate(data.Asks, limit), lastUpdId, symbol)
	update.EventTime = data.Time
	return update, nil
}

func truncate(levels [][]string, limit int) [][]string {
	if limit > 0 && len(levels) > limit {
		return levels[:limit]
	}
	return levels
}
