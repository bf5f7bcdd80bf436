package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

var logger = logrus.WithField("component", "orderbook-manager")

type ManagerOptions struct {
	IdleGrace     time.Duration
	SweepInterval time.Duration
	// StaleAfter marks a book stale when no update arrived for that long.
	// Zero disables the watchdog.
	StaleAfter time.Duration
	RetryMin   time.Duration
	RetryMax   time.Duration
}

func ManagerOptionsFromConfig(cfg config.ManagerConfig) ManagerOptions {
	return ManagerOptions{
		IdleGrace:     cfg.IdleGrace,
		SweepInterval: cfg.SweepInterval,
		StaleAfter:    cfg.StaleAfter,
		RetryMin:      cfg.RetryMin,
		RetryMax:      cfg.RetryMax,
	}
}

type (
	BookChangedFunc func(symbol *domain.MarketSymbol, version uint64)
	EvictFunc       func(symbol *domain.MarketSymbol)
)

type symbolState struct {
	symbol *domain.MarketSymbol
	book   *domain.RawOrderBook

	subscribers int
	idleSince   time.Time

	cancel context.CancelFunc

	// retired is set once the state leaves the symbol map. A retired state
	// stops notifying listeners.
	notifyMu sync.RWMutex
	retired  bool
}

func (s *symbolState) retire() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.retired = true
}

// OrderBookManager owns one RawOrderBook per subscribed symbol and keeps it
// fed from the depth feed. Each book carries its own lock, so symbols never
// contend with each other; mu only guards the symbol map.
type OrderBookManager struct {
	feed domain.DepthFeed
	opts ManagerOptions

	mu      sync.Mutex
	symbols map[string]*symbolState
	stopped bool

	changed []BookChangedFunc
	evicted []EvictFunc
	swept   []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderBookManager(feed domain.DepthFeed, opts ManagerOptions) *OrderBookManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &OrderBookManager{
		feed:    feed,
		opts:    opts,
		symbols: make(map[string]*symbolState),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnBookChanged registers fn to run after every version change of any book.
// Listeners run on the refresh goroutine of that symbol, outside any lock.
// Register listeners before the first Subscribe.
func (m *OrderBookManager) OnBookChanged(fn BookChangedFunc) {
	m.changed = append(m.changed, fn)
}

// OnEvict registers fn to run for every symbol removed by the idle sweep.
func (m *OrderBookManager) OnEvict(fn EvictFunc) {
	m.evicted = append(m.evicted, fn)
}

// OnSweep registers fn to run at the end of every idle sweep.
func (m *OrderBookManager) OnSweep(fn func()) {
	m.swept = append(m.swept, fn)
}

// Start runs the idle sweeper until ctx is done or the manager shuts down.
func (m *OrderBookManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case now := <-ticker.C:
				m.Sweep(now)
			}
		}
	}()
}

// Shutdown stops every refresh task and waits for them, bounded by ctx.
func (m *OrderBookManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.symbols = make(map[string]*symbolState)
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("order book manager stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for refresh tasks")
	}
}

// SubscriptionHandle releases one subscriber reference on Unsubscribe.
type SubscriptionHandle struct {
	Symbol *domain.MarketSymbol

	manager *OrderBookManager
	state   *symbolState
	once    sync.Once
}

// Unsubscribe is safe to call more than once.
func (h *SubscriptionHandle) Unsubscribe() {
	h.once.Do(func() { h.manager.release(h.state) })
}

// Subscribe adds a subscriber to symbol, creating its book and starting its
// refresh task on the first one.
func (m *OrderBookManager) Subscribe(symbol *domain.MarketSymbol) (*SubscriptionHandle, error) {
	key := symbol.String()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, domain.ErrManagerStopped
	}

	state, ok := m.symbols[key]
	if !ok {
		ctx, cancel := context.WithCancel(m.ctx)
		state = &symbolState{
			symbol: symbol,
			book:   domain.NewRawOrderBook(symbol),
			cancel: cancel,
		}
		m.symbols[key] = state

		m.wg.Add(1)
		go m.refresh(ctx, state)

		logger.WithField("symbol", key).Info("order book created")
	}
	state.subscribers++

	return &SubscriptionHandle{Symbol: symbol, manager: m, state: state}, nil
}

func (m *OrderBookManager) release(state *symbolState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.symbols[state.symbol.String()] != state || state.subscribers == 0 {
		return
	}
	state.subscribers--
	if state.subscribers == 0 {
		state.idleSince = time.Now()
	}
}

// GetSnapshot copies the full book under its read lock. It never waits on
// the feed.
func (m *OrderBookManager) GetSnapshot(symbol *domain.MarketSymbol) (domain.OrderBookView, error) {
	state, err := m.state(symbol)
	if err != nil {
		return domain.OrderBookView{}, err
	}
	return state.book.TakeSnapshot(0), nil
}

func (m *OrderBookManager) Version(symbol *domain.MarketSymbol) (uint64, error) {
	state, err := m.state(symbol)
	if err != nil {
		return 0, err
	}
	return state.book.Version(), nil
}

func (m *OrderBookManager) Subscribers(symbol *domain.MarketSymbol) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.symbols[symbol.String()]; ok {
		return state.subscribers
	}
	return 0
}

func (m *OrderBookManager) ActiveBooks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.symbols)
}

func (m *OrderBookManager) StaleBooks() int {
	m.mu.Lock()
	states := make([]*symbolState, 0, len(m.symbols))
	for _, state := range m.symbols {
		states = append(states, state)
	}
	m.mu.Unlock()

	stale := 0
	for _, state := range states {
		if state.book.IsStale() {
			stale++
		}
	}
	return stale
}

func (m *OrderBookManager) state(symbol *domain.MarketSymbol) (*symbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.symbols[symbol.String()]
	if !ok {
		return nil, errors.Wrap(domain.ErrSymbolNotSubscribed, symbol.String())
	}
	return state, nil
}

// Sweep evicts every symbol that has had no subscribers for longer than the
// idle grace period and returns how many were evicted.
func (m *OrderBookManager) Sweep(now time.Time) int {
	m.mu.Lock()
	var idle []*symbolState
	for key, state := range m.symbols {
		if state.subscribers == 0 && now.Sub(state.idleSince) >= m.opts.IdleGrace {
			delete(m.symbols, key)
			state.retire()
			state.cancel()
			idle = append(idle, state)
		}
	}
	m.mu.Unlock()

	for _, state := range idle {
		for _, fn := range m.evicted {
			fn(state.symbol)
		}
		logger.WithField("symbol", state.symbol.String()).Info("idle order book evicted")
	}
	for _, fn := range m.swept {
		fn()
	}
	return len(idle)
}

func (m *OrderBookManager) refresh(ctx context.Context, state *symbolState) {
	defer m.wg.Done()

	retry := &backoff.Backoff{
		Min:    m.opts.RetryMin,
		Max:    m.opts.RetryMax,
		Factor: 2,
		Jitter: true,
	}
	log := logger.WithField("symbol", state.symbol.String())

	for {
		err := m.consume(ctx, state, retry)
		if ctx.Err() != nil {
			return
		}

		if state.book.MarkStale(err.Error()) {
			m.notify(state)
		}

		wait := retry.Duration()
		log.WithError(err).WithFields(logrus.Fields{
			"attempt":  retry.Attempt(),
			"retry_in": wait,
		}).Warn("depth feed degraded, serving last known book")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume applies one feed stream to the book until the stream fails.
func (m *OrderBookManager) consume(ctx context.Context, state *symbolState, retry *backoff.Backoff) error {
	sub, stop, err := m.open(ctx, state.symbol)
	if err != nil {
		if errors.Is(err, domain.ErrFeedUnavailable) || ctx.Err() != nil {
			return err
		}
		return errors.Wrap(domain.ErrFeedUnavailable, err.Error())
	}
	defer stop()
	defer sub.Unsubscribe()

	var watchdog <-chan time.Time
	var timer *time.Timer
	if m.opts.StaleAfter > 0 {
		timer = time.NewTimer(m.opts.StaleAfter)
		defer timer.Stop()
		watchdog = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-sub.Stream:
			if !ok {
				return errors.Wrap(domain.ErrFeedUnavailable, "depth stream closed")
			}

			applied, err := state.book.ApplyUpdate(update)
			if err != nil {
				return errors.Wrap(err, "apply depth update")
			}
			if !applied {
				continue
			}

			retry.Reset()
			if timer != nil {
				resetTimer(timer, m.opts.StaleAfter)
			}
			m.notify(state)

		case <-watchdog:
			if state.book.MarkStale(errors.Wrapf(domain.ErrFeedUnavailable, "no updates for %s", m.opts.StaleAfter).Error()) {
				logger.WithField("symbol", state.symbol.String()).Warn("depth feed went quiet, book marked stale")
				m.notify(state)
			}
			timer.Reset(m.opts.StaleAfter)
		}
	}
}

type openResult struct {
	sub *domain.Subscription[*domain.OrderBookUpdate]
	err error
}

// open starts a feed stream for symbol. A feed that does not answer within
// StaleAfter is reported as unavailable so the caller retries.
func (m *OrderBookManager) open(ctx context.Context, symbol *domain.MarketSymbol) (*domain.Subscription[*domain.OrderBookUpdate], context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	if m.opts.StaleAfter <= 0 {
		sub, err := m.feed.DepthStream(streamCtx, symbol)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		return sub, cancel, nil
	}

	opened := make(chan openResult, 1)
	go func() {
		sub, err := m.feed.DepthStream(streamCtx, symbol)
		opened <- openResult{sub: sub, err: err}
	}()

	timer := time.NewTimer(m.opts.StaleAfter)
	defer timer.Stop()

	select {
	case res := <-opened:
		if res.err != nil {
			cancel()
			return nil, nil, res.err
		}
		return res.sub, cancel, nil
	case <-ctx.Done():
		cancel()
		go discard(opened)
		return nil, nil, ctx.Err()
	case <-timer.C:
		cancel()
		go discard(opened)
		return nil, nil, errors.Wrapf(domain.ErrFeedUnavailable, "no depth stream within %s", m.opts.StaleAfter)
	}
}

// discard releases a stream that opened after its caller gave up on it.
func discard(opened <-chan openResult) {
	if res := <-opened; res.sub != nil {
		res.sub.Unsubscribe()
	}
}

func (m *OrderBookManager) notify(state *symbolState) {
	state.notifyMu.RLock()
	defer state.notifyMu.RUnlock()

	if state.retired {
		return
	}

	version := state.book.Version()
	if config.DebugMode {
		logger.Debugf("book changed, Symbol=%s Version=%d", state.symbol.String(), version)
	}
	for _, fn := range m.changed {
		fn(state.symbol, version)
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
