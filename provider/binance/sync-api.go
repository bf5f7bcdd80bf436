package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

const depthPath = "/api/v3/depth"

// SyncAPI fetches depth snapshots from the REST API.
type SyncAPI struct {
	endpoint string
	client   *http.Client
}

type depthSnapshotResponse struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func NewSyncAPI(endpoint string) *SyncAPI {
	return &SyncAPI{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (api *SyncAPI) OrderBookSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookUpdate, error) {
	query := url.Values{}
	query.Set("symbol", symbol.String())
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.endpoint+depthPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build depth request")
	}

	res, err := api.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(domain.ErrFeedUnavailable, err.Error())
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read depth response")
	}

	if res.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		return nil, errors.Wrap(domain.ErrFeedUnavailable, fmt.Sprintf("depth snapshot: status %d code %d %s", res.StatusCode, apiErr.Code, apiErr.Msg))
	}

	var snapshot depthSnapshotResponse
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, errors.Wrapf(err, "unmarshal depth snapshot, data: %s", body)
	}

	return domain.NewOrderBookSnapshotUpdate(snapshot.Bids, snapshot.Asks, snapshot.LastUpdateId, symbol), nil
}
