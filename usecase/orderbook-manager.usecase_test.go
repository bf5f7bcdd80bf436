package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/static"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcusdt, _ = domain.NewMarketSymbol("BTC", "USDT")

var testOptions = ManagerOptions{
	IdleGrace:     time.Minute,
	SweepInterval: time.Hour,
	RetryMin:      5 * time.Millisecond,
	RetryMax:      20 * time.Millisecond,
}

// gatedFeed holds every DepthStream call until the gate is opened.
type gatedFeed struct {
	*static.Feed
	gate     chan struct{}
	attempts atomic.Int32
}

func (f *gatedFeed) DepthStream(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], error) {
	f.attempts.Add(1)
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Feed.DepthStream(ctx, symbol)
}

func newTestFeed() *static.Feed {
	feed := static.NewFeed()
	feed.SetSnapshot("BTCUSDT", [][]string{{"100", "1"}, {"99", "2"}}, [][]string{{"101", "1"}})
	return feed
}

func waitVersion(t *testing.T, m *OrderBookManager, atLeast uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := m.Version(btcusdt)
		return err == nil && v >= atLeast
	}, 2*time.Second, 5*time.Millisecond)
}

func shutdown(t *testing.T, m *OrderBookManager) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}

func TestOrderBookManager_SubscribeCreatesAndFeedsBook(t *testing.T) {
	feed := newTestFeed()
	m := NewOrderBookManager(feed, testOptions)
	defer shutdown(t, m)

	var mu sync.Mutex
	var versions []uint64
	m.OnBookChanged(func(symbol *domain.MarketSymbol, version uint64) {
		mu.Lock()
		versions = append(versions, version)
		mu.Unlock()
	})

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	waitVersion(t, m, 1)
	view, err := m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	assert.Len(t, view.Bids, 2)
	assert.Len(t, view.Asks, 1)

	assert.Equal(t, 1, feed.Push(btcusdt, [][]string{{"100", "0"}}, nil))
	waitVersion(t, m, 2)

	view, err = m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	assert.Len(t, view.Bids, 1, "zero quantity removes the level")

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, versions)
	mu.Unlock()
}

func TestOrderBookManager_OneBookPerSymbol(t *testing.T) {
	feed := newTestFeed()
	m := NewOrderBookManager(feed, testOptions)
	defer shutdown(t, m)

	first, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	second, err := m.Subscribe(btcusdt)
	require.NoError(t, err)

	waitVersion(t, m, 1)
	assert.Equal(t, 1, feed.Calls("BTCUSDT"), "second subscriber reuses the refresh task")
	assert.Equal(t, 2, m.Subscribers(btcusdt))
	assert.Equal(t, 1, m.ActiveBooks())

	first.Unsubscribe()
	first.Unsubscribe()
	assert.Equal(t, 1, m.Subscribers(btcusdt), "unsubscribe is idempotent")

	second.Unsubscribe()
	assert.Equal(t, 0, m.Subscribers(btcusdt))
	assert.Equal(t, 1, m.ActiveBooks(), "state outlives the last subscriber until swept")
}

func TestOrderBookManager_IdleSweep(t *testing.T) {
	feed := &gatedFeed{Feed: newTestFeed(), gate: make(chan struct{})}
	close(feed.gate)

	m := NewOrderBookManager(feed, testOptions)
	defer shutdown(t, m)

	var evicted []string
	m.OnEvict(func(symbol *domain.MarketSymbol) { evicted = append(evicted, symbol.String()) })
	sweeps := 0
	m.OnSweep(func() { sweeps++ })

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	waitVersion(t, m, 1)
	feed.Push(btcusdt, [][]string{{"98", "1"}}, nil)
	waitVersion(t, m, 2)

	assert.Zero(t, m.Sweep(time.Now().Add(2*testOptions.IdleGrace)), "subscribed books are never swept")

	handle.Unsubscribe()
	assert.Zero(t, m.Sweep(time.Now()), "grace period not elapsed")
	assert.Equal(t, 1, m.Sweep(time.Now().Add(testOptions.IdleGrace)))
	assert.Equal(t, []string{"BTCUSDT"}, evicted)
	assert.Equal(t, 3, sweeps)

	_, err = m.Version(btcusdt)
	assert.ErrorIs(t, err, domain.ErrSymbolNotSubscribed)
	require.Eventually(t, func() bool { return feed.ActiveStreams("BTCUSDT") == 0 }, time.Second, 5*time.Millisecond)

	// the new book must not reuse the evicted one
	feed.gate = make(chan struct{})
	handle, err = m.Subscribe(btcusdt)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	version, err := m.Version(btcusdt)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version)
	view, err := m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	assert.Empty(t, view.Bids)

	close(feed.gate)
	waitVersion(t, m, 1)
}

func TestOrderBookManager_FeedFailureKeepsLastKnownBook(t *testing.T) {
	feed := newTestFeed()
	m := NewOrderBookManager(feed, testOptions)
	defer shutdown(t, m)

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	defer handle.Unsubscribe()
	waitVersion(t, m, 1)

	feed.FailNext("BTCUSDT", 3)
	feed.SetSnapshot("BTCUSDT", [][]string{{"100", "5"}}, [][]string{{"101", "5"}})
	feed.Disconnect(btcusdt)

	require.Eventually(t, func() bool {
		view, err := m.GetSnapshot(btcusdt)
		return err == nil && view.Stale
	}, time.Second, time.Millisecond)

	view, err := m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	assert.NotEmpty(t, view.Bids, "last known levels are kept")
	assert.Contains(t, view.StaleReason, domain.ErrFeedUnavailable.Error())

	require.Eventually(t, func() bool {
		view, err := m.GetSnapshot(btcusdt)
		return err == nil && !view.Stale
	}, 2*time.Second, 5*time.Millisecond, "retries recover the feed")

	assert.GreaterOrEqual(t, feed.Calls("BTCUSDT"), 5)
	view, err = m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	require.Len(t, view.Bids, 1)
	assert.Equal(t, "5", view.Bids[0].Quantity.String())
	assert.Zero(t, m.StaleBooks())
}

func TestOrderBookManager_QuietFeedIsMarkedStale(t *testing.T) {
	opts := testOptions
	opts.StaleAfter = 30 * time.Millisecond

	m := NewOrderBookManager(newTestFeed(), opts)
	defer shutdown(t, m)

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	defer handle.Unsubscribe()
	waitVersion(t, m, 1)

	require.Eventually(t, func() bool { return m.StaleBooks() == 1 }, time.Second, 5*time.Millisecond)
	version, err := m.Version(btcusdt)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version, "going stale bumps the version once")
}

func TestOrderBookManager_StartSweepsPeriodically(t *testing.T) {
	opts := testOptions
	opts.IdleGrace = 10 * time.Millisecond
	opts.SweepInterval = 5 * time.Millisecond

	m := NewOrderBookManager(newTestFeed(), opts)
	defer shutdown(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	handle.Unsubscribe()

	require.Eventually(t, func() bool { return m.ActiveBooks() == 0 }, time.Second, 5*time.Millisecond)
}

func TestOrderBookManager_Shutdown(t *testing.T) {
	m := NewOrderBookManager(newTestFeed(), testOptions)

	_, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	waitVersion(t, m, 1)

	shutdown(t, m)

	_, err = m.Subscribe(btcusdt)
	assert.ErrorIs(t, err, domain.ErrManagerStopped)
	assert.Zero(t, m.ActiveBooks())
}

func TestOrderBookManager_SilentFeedIsMarkedStaleAndRetried(t *testing.T) {
	opts := testOptions
	opts.StaleAfter = 20 * time.Millisecond

	feed := &gatedFeed{Feed: newTestFeed(), gate: make(chan struct{})}
	m := NewOrderBookManager(feed, opts)
	defer shutdown(t, m)

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	defer handle.Unsubscribe()

	require.Eventually(t, func() bool { return m.StaleBooks() == 1 }, time.Second, 5*time.Millisecond)
	view, err := m.GetSnapshot(btcusdt)
	require.NoError(t, err)
	assert.Contains(t, view.StaleReason, domain.ErrFeedUnavailable.Error())
	require.Eventually(t, func() bool { return feed.attempts.Load() >= 2 }, time.Second, 5*time.Millisecond)

	close(feed.gate)

	require.Eventually(t, func() bool {
		view, err := m.GetSnapshot(btcusdt)
		return err == nil && !view.Stale && len(view.Bids) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrderBookManager_EvictedBookStopsNotifying(t *testing.T) {
	m := NewOrderBookManager(newTestFeed(), testOptions)
	defer shutdown(t, m)

	var mu sync.Mutex
	var versions []uint64
	m.OnBookChanged(func(symbol *domain.MarketSymbol, version uint64) {
		mu.Lock()
		versions = append(versions, version)
		mu.Unlock()
	})

	handle, err := m.Subscribe(btcusdt)
	require.NoError(t, err)
	waitVersion(t, m, 1)

	old, err := m.state(btcusdt)
	require.NoError(t, err)

	handle.Unsubscribe()
	require.Equal(t, 1, m.Sweep(time.Now().Add(testOptions.IdleGrace)))

	mu.Lock()
	seen := len(versions)
	mu.Unlock()

	m.notify(old)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, versions, seen, "a swept book must not report versions")
}
