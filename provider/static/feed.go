// Package static is an in-memory depth feed driven by the caller. It backs
// tests and the demo mode, where it synthesizes a random walk book.
package static

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

var logger = logrus.WithField("component", "static-feed")

const streamBuffer = 64

type stream struct {
	ch   chan *domain.OrderBookUpdate
	quit chan struct{}
	once sync.Once
}

func (s *stream) stop() {
	s.once.Do(func() { close(s.quit) })
}

type book struct {
	bids, asks [][]string
	seq        int64
}

type Feed struct {
	mu       sync.Mutex
	books    map[string]*book
	streams  map[string][]*stream
	failures map[string]int
	calls    map[string]int
	rnd      *rand.Rand
}

func NewFeed() *Feed {
	return &Feed{
		books:    make(map[string]*book),
		streams:  make(map[string][]*stream),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *Feed) Name() string { return "static" }

// SetSnapshot defines the book every new stream of symbol starts from.
func (f *Feed) SetSnapshot(symbol string, bids, asks [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.bookLocked(symbol)
	b.bids, b.asks = bids, asks
}

// FailNext makes the next n DepthStream calls for symbol fail.
func (f *Feed) FailNext(symbol string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failures[symbol] = n
}

// Calls is the number of DepthStream calls made for symbol.
func (f *Feed) Calls(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[symbol]
}

func (f *Feed) ActiveStreams(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.streams[symbol])
}

func (f *Feed) DepthStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	key := symbol.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[key]++
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, errors.Wrapf(domain.ErrFeedUnavailable, "static feed %s", key)
	}

	b := f.bookLocked(key)
	b.seq++
	s := &stream{
		ch:   make(chan *domain.OrderBookUpdate, streamBuffer),
		quit: make(chan struct{}),
	}
	s.ch <- domain.NewOrderBookSnapshotUpdate(b.bids, b.asks, b.seq, symbol)
	f.streams[key] = append(f.streams[key], s)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.quit:
		}
		f.remove(key, s)
	}()

	return &domain.Subscription[*domain.OrderBookUpdate]{
		Stream:      s.ch,
		Unsubscribe: s.stop,
		Topic:       key,
	}, nil
}

// Push sends a diff to every open stream of symbol and returns how many
// streams received it.
func (f *Feed) Push(symbol *domain.MarketSymbol, bids, asks [][]string) int {
	return f.broadcast(symbol, bids, asks, false)
}

// PushSnapshot replaces the book of every open stream of symbol.
func (f *Feed) PushSnapshot(symbol *domain.MarketSymbol, bids, asks [][]string) int {
	return f.broadcast(symbol, bids, asks, true)
}

func (f *Feed) broadcast(symbol *domain.MarketSymbol, bids, asks [][]string, snapshot bool) int {
	key := symbol.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.bookLocked(key)
	b.seq++
	update := domain.NewOrderBookUpdate(bids, asks, b.seq, b.seq, symbol)
	if snapshot {
		b.bids, b.asks = bids, asks
		update = domain.NewOrderBookSnapshotUpdate(bids, asks, b.seq, symbol)
	}
	update.EventTime = time.Now().UnixMilli()

	delivered := 0
	for _, s := range f.streams[key] {
		select {
		case s.ch <- update:
			delivered++
		case <-s.quit:
		}
	}
	return delivered
}

// Disconnect closes every open stream of symbol, as a dropped upstream would.
func (f *Feed) Disconnect(symbol *domain.MarketSymbol) {
	key := symbol.String()

	f.mu.Lock()
	streams := f.streams[key]
	delete(f.streams, key)
	f.mu.Unlock()

	for _, s := range streams {
		s.stop()
		close(s.ch)
	}
}

func (f *Feed) remove(key string, target *stream) {
	f.mu.Lock()
	defer f.mu.Unlock()

	streams := f.streams[key]
	for i, s := range streams {
		if s == target {
			f.streams[key] = append(streams[:i], streams[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(f.streams[key]) == 0 {
		delete(f.streams, key)
	}
}

func (f *Feed) bookLocked(key string) *book {
	b, ok := f.books[key]
	if !ok {
		b = &book{}
		f.books[key] = b
	}
	return b
}

// Synthesize keeps replacing the book of every open symbol with a ladder
// around a random walk mid price until ctx is done.
func (f *Feed) Synthesize(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mids := make(map[string]float64)
	logger.WithField("interval", interval).Info("synthetic depth generator started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, symbol := range f.openSymbols() {
			key := symbol.String()
			mid, ok := mids[key]
			if !ok {
				mid = 100 + float64(f.intn(50_000))
			}
			mid += float64(f.intn(21)-10) * 0.01
			mids[key] = mid

			f.PushSnapshot(symbol, f.ladder(mid, -1), f.ladder(mid, 1))
		}
	}
}

func (f *Feed) openSymbols() []*domain.MarketSymbol {
	f.mu.Lock()
	defer f.mu.Unlock()

	symbols := make([]*domain.MarketSymbol, 0, len(f.streams))
	for key := range f.streams {
		symbol, err := domain.NewMarketSymbolFromString(key)
		if err != nil {
			continue
		}
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ladder builds 50 levels one cent apart moving away from mid in direction.
func (f *Feed) ladder(mid float64, direction float64) [][]string {
	levels := make([][]string, 50)
	for i := range levels {
		price := mid + direction*float64(i+1)*0.01
		quantity := float64(1+f.intn(5000)) / 1000
		levels[i] = []string{
			strconv.FormatFloat(price, 'f', 2, 64),
			strconv.FormatFloat(quantity, 'f', 3, 64),
		}
	}
	return levels
}

func (f *Feed) intn(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rnd.Intn(n)
}
