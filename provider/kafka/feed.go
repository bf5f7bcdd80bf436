package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

var logger = logrus.WithField("component", "kafka-feed")

const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeUpdate   = "update"

	subscriberBuffer = 256
)

// DepthMessage is one record of the gateway depth topic, keyed by symbol.
type DepthMessage struct {
	Symbol        string     `json:"symbol"`
	Type          string     `json:"type"`
	FirstUpdateID int64      `json:"first_update_id"`
	LastUpdateID  int64      `json:"last_update_id"`
	EventTime     int64      `json:"event_time"`
	Bids          [][]string `json:"bids"`
	Asks          [][]string `json:"asks"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type subscriber struct {
	symbol *domain.MarketSymbol
	out    chan *domain.OrderBookUpdate
	synced bool
	last   int64
}

// Feed consumes one depth topic and fans records out to per-symbol
// subscribers. A subscriber sees nothing until the next snapshot of its
// symbol; a sequence gap or a full buffer ends its stream.
type Feed struct {
	reader     messageReader
	retryDelay time.Duration

	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}

	start  sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFeed(cfg config.FeedConfig) *Feed {
	return newFeed(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
	}))
}

func newFeed(reader messageReader) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		reader:      reader,
		retryDelay:  time.Second,
		subscribers: make(map[string]map[*subscriber]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (f *Feed) Name() string { return "kafka" }

func (f *Feed) DepthStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	if f.ctx.Err() != nil {
		return nil, errors.Wrap(domain.ErrFeedUnavailable, "kafka feed is closed")
	}
	f.start.Do(func() {
		f.wg.Add(1)
		go f.consume()
	})

	sub := &subscriber{symbol: symbol, out: make(chan *domain.OrderBookUpdate, subscriberBuffer)}
	key := symbol.String()

	f.mu.Lock()
	members, ok := f.subscribers[key]
	if !ok {
		members = make(map[*subscriber]struct{})
		f.subscribers[key] = members
	}
	members[sub] = struct{}{}
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.removeLocked(key, sub)
		f.mu.Unlock()
	}()

	return &domain.Subscription[*domain.OrderBookUpdate]{
		Stream:      sub.out,
		Unsubscribe: cancel,
		Topic:       key,
	}, nil
}

func (f *Feed) Close() error {
	f.cancel()
	f.wg.Wait()

	f.mu.Lock()
	f.closeAllLocked()
	f.mu.Unlock()

	return f.reader.Close()
}

func (f *Feed) consume() {
	defer f.wg.Done()

	for {
		msg, err := f.reader.ReadMessage(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("read failed, closing subscriber streams")
			f.mu.Lock()
			f.closeAllLocked()
			f.mu.Unlock()

			select {
			case <-f.ctx.Done():
				return
			case <-time.After(f.retryDelay):
			}
			continue
		}

		key, update, err := decode(msg)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("skipping malformed depth message")
			continue
		}
		f.dispatch(key, update)
	}
}

func (f *Feed) dispatch(key string, update *domain.OrderBookUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subscribers[key] {
		if !sub.synced {
			if !update.IsSnapshot {
				continue
			}
			sub.synced = true
		} else if !update.IsSnapshot && sub.last != 0 && update.FirstUpdateID > sub.last+1 {
			logger.WithFields(logrus.Fields{
				"symbol": key,
				"last":   sub.last,
				"first":  update.FirstUpdateID,
			}).Warn("sequence gap, closing stream for resync")
			f.removeLocked(key, sub)
			continue
		}

		own := *update
		own.Symbol = sub.symbol
		select {
		case sub.out <- &own:
			sub.last = update.LastUpdateID
		default:
			logger.WithField("symbol", key).Warn("subscriber is lagging, closing stream for resync")
			f.removeLocked(key, sub)
		}
	}
}

func (f *Feed) removeLocked(key string, sub *subscriber) {
	members, ok := f.subscribers[key]
	if !ok {
		return
	}
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	close(sub.out)
	if len(members) == 0 {
		delete(f.subscribers, key)
	}
}

func (f *Feed) closeAllLocked() {
	for key, members := range f.subscribers {
		for sub := range members {
			close(sub.out)
		}
		delete(f.subscribers, key)
	}
}

func decode(msg kafka.Message) (string, *domain.OrderBookUpdate, error) {
	var m DepthMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return "", nil, errors.Wrap(err, "unmarshal depth message")
	}

	raw := m.Symbol
	if raw == "" {
		raw = string(msg.Key)
	}
	symbol, err := domain.NewMarketSymbolFromString(raw)
	if err != nil {
		return "", nil, errors.Wrap(err, "depth message symbol")
	}

	var update *domain.OrderBookUpdate
	switch m.Type {
	case MessageTypeSnapshot:
		update = domain.NewOrderBookSnapshotUpdate(m.Bids, m.Asks, m.LastUpdateID, symbol)
	case MessageTypeUpdate, "":
		update = domain.NewOrderBookUpdate(m.Bids, m.Asks, m.FirstUpdateID, m.LastUpdateID, symbol)
	default:
		return "", nil, errors.Errorf("unknown depth message type %q", m.Type)
	}
	update.EventTime = m.EventTime
	return symbol.String(), update, nil
}
