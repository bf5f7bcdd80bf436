package binance

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

const depthStreamSuffix = "@depth@100ms"

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// StreamAPI turns raw combined-stream frames into depth diffs.
type StreamAPI struct {
	streamClient *StreamClient
}

func NewStreamAPI(client *StreamClient) *StreamAPI {
	return &StreamAPI{streamClient: client}
}

func DepthTopic(symbol *domain.MarketSymbol) string {
	return strings.ToLower(symbol.String()) + depthStreamSuffix
}

func (bs *StreamAPI) DepthDiffStream(symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	topic := DepthTopic(symbol)
	subscription, err := bs.streamClient.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.OrderBookUpdate)
	stop := make(chan struct{})

	go func() {
		defer close(out)

		for {
			var msg []byte
			var ok bool
			select {
			case <-stop:
				return
			case msg, ok = <-subscription.Stream:
				if !ok {
					return
				}
			}

			update, err := decodeDepthUpdate(msg, symbol)
			if err != nil {
				logger.WithError(err).WithField("topic", topic).Warn("skipping depth update")
				continue
			}

			select {
			case out <- update:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return &domain.Subscription[*domain.OrderBookUpdate]{
		Stream: out,
		Unsubscribe: func() {
			once.Do(func() {
				close(stop)
				subscription.Unsubscribe()
			})
		},
		Topic: topic,
	}, nil
}

func decodeDepthUpdate(msg []byte, symbol *domain.MarketSymbol) (*domain.OrderBookUpdate, error) {
	var message Message[DepthUpdateData]
	if err := json.Unmarshal(msg, &message); err != nil {
		return nil, errors.Wrap(err, "unmarshal depth update")
	}
	if message.Data.FinalUpdateId == 0 {
		return nil, errors.Errorf("depth update without update id on %s", message.Stream)
	}

	update := domain.NewOrderBookUpdate(
		message.Data.Bids, message.Data.Asks,
		message.Data.FirstUpdateId, message.Data.FinalUpdateId,
		symbol,
	)
	update.EventTime = message.Data.EventTime
	return update, nil
}
