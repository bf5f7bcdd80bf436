package domain

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/helpers"
)

var logger = logrus.WithField("component", "orderbook-maintainer")

const (
	defaultOutOfSequenceThreshold = 10
	defaultFirstUpdateTimeout     = 10 * time.Second
)

type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol *MarketSymbol, limit int) (*OrderBookUpdate, error)
}

type ProviderStreamAPI interface {
	DepthDiffStream(symbol *MarketSymbol) (*Subscription[*OrderBookUpdate], error)
}

// OrderbookMaintainer turns a diff-only exchange stream into a consistent
// snapshot-then-diffs stream: diffs are buffered while the snapshot is
// fetched, then replayed through the validator.
type OrderbookMaintainer struct {
	syncAPI   ProviderSyncAPI
	streamAPI ProviderStreamAPI

	depthUpdateQueue deque.Deque[*OrderBookUpdate]
	mu               sync.Mutex
	queued           chan struct{}
	upstreamClosed   bool

	OutOfSequenceErrCount  int
	OutOfSequenceThreshold int
	SnapshotLimit          int
	FirstUpdateWait        time.Duration

	// FirstUpdateTimeout bounds the wait for the first diff. Zero waits
	// until ctx is done.
	FirstUpdateTimeout time.Duration

	depthUpdateValidator IDepthUpdateValidator
}

func NewOrderBookMaintainer(
	stream ProviderStreamAPI,
	syncAPI ProviderSyncAPI,
	depthUpdateValidator IDepthUpdateValidator,
	snapshotLimit int,
) *OrderbookMaintainer {
	return &OrderbookMaintainer{
		syncAPI:   syncAPI,
		streamAPI: stream,

		queued:                 make(chan struct{}, 1),
		depthUpdateValidator:   depthUpdateValidator,
		OutOfSequenceThreshold: defaultOutOfSequenceThreshold,
		SnapshotLimit:          snapshotLimit,
		FirstUpdateWait:        time.Second,
		FirstUpdateTimeout:     defaultFirstUpdateTimeout,
	}
}

// Maintain starts the diff subscription, waits for the first diff, fetches the
// snapshot and returns a stream whose first element is that snapshot.
func (m *OrderbookMaintainer) Maintain(ctx context.Context, symbol *MarketSymbol) (*Subscription[*OrderBookUpdate], error) {
	ctx, cancel := context.WithCancel(ctx)

	diffs, err := m.streamAPI.DepthDiffStream(symbol)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe depth diff stream")
	}

	stop := func() {
		cancel()
		diffs.Unsubscribe()
	}

	var deadline <-chan time.Time
	if m.FirstUpdateTimeout > 0 {
		timer := time.NewTimer(m.FirstUpdateTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	firstUpd := m.runStreamSubscriber(ctx, diffs)
	select {
	case <-helpers.WithLatestFrom(ctx.Done(), firstUpd, helpers.TimeToEmptyChan(time.After(m.FirstUpdateWait))):
	case <-deadline:
		stop()
		return nil, errors.Wrapf(ErrFeedUnavailable, "no depth update for %s within %s", symbol, m.FirstUpdateTimeout)
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}

	if config.DebugMode {
		logger.Debugf("subscribed to depth update stream, Symbol=%s", symbol.String())
	}

	snapshot, err := m.syncAPI.OrderBookSnapshot(ctx, symbol, m.SnapshotLimit)
	if err != nil {
		stop()
		return nil, errors.Wrap(err, "fetch order book snapshot")
	}

	out := make(chan *OrderBookUpdate, 16)
	go m.queueReader(ctx, snapshot, out)

	return &Subscription[*OrderBookUpdate]{
		Stream:      out,
		Unsubscribe: stop,
		Topic:       diffs.Topic,
	}, nil
}

func (m *OrderbookMaintainer) queueReader(ctx context.Context, snapshot *OrderBookUpdate, out chan<- *OrderBookUpdate) {
	defer close(out)

	if !emit(ctx, out, snapshot) {
		return
	}
	lastUpdateID := snapshot.LastUpdateID

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.queued:
		}

		for {
			m.mu.Lock()
			if m.depthUpdateQueue.Len() == 0 {
				closed := m.upstreamClosed
				m.mu.Unlock()
				if closed {
					logger.Warn("depth diff stream closed, closing stream for resync")
					return
				}
				break
			}
			update := m.depthUpdateQueue.PopFront()
			m.mu.Unlock()

			err := m.depthUpdateValidator.IsValidUpd(update, lastUpdateID)
			switch {
			case err == nil:
				if !emit(ctx, out, update) {
					return
				}
				lastUpdateID = update.LastUpdateID
			case m.depthUpdateValidator.IsErrOutdated(err):
				continue
			case m.depthUpdateValidator.IsErrOutOfSequence(err):
				m.OutOfSequenceErrCount++
				logger.WithFields(logrus.Fields{
					"first": update.FirstUpdateID,
					"last":  lastUpdateID,
					"count": m.OutOfSequenceErrCount,
				}).Warn("dropped out of sequence update")

				if m.OutOfSequenceErrCount > m.OutOfSequenceThreshold {
					logger.Warn("out of sequence updates limit reached, closing stream for resync")
					return
				}
			default:
				logger.WithError(err).Warn("invalid depth update")
			}
		}
	}
}

func (m *OrderbookMaintainer) runStreamSubscriber(ctx context.Context, subscription *Subscription[*OrderBookUpdate]) chan struct{} {
	firstUpdateProcessed := false
	onFirstUpdateCh := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-subscription.Stream:
				if !ok {
					m.mu.Lock()
					m.upstreamClosed = true
					m.mu.Unlock()
					m.signal()
					if !firstUpdateProcessed {
						close(onFirstUpdateCh)
					}
					return
				}
				m.mu.Lock()
				m.depthUpdateQueue.PushBack(update)
				m.mu.Unlock()

				m.signal()

				if !firstUpdateProcessed {
					onFirstUpdateCh <- struct{}{}
					close(onFirstUpdateCh)
					firstUpdateProcessed = true
				}
			}
		}
	}()

	return onFirstUpdateCh
}

func (m *OrderbookMaintainer) signal() {
	select {
	case m.queued <- struct{}{}:
	default:
	}
}

func emit(ctx context.Context, out chan<- *OrderBookUpdate, update *OrderBookUpdate) bool {
	select {
	case out <- update:
		return true
	case <-ctx.Done():
		return false
	}
}
