package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-cryptomarkets-depthview/aggregation"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/formatting"
	"github.com/spooky-finn/go-cryptomarkets-depthview/provider/static"
	"github.com/spooky-finn/go-cryptomarkets-depthview/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	btcusdt, _ = domain.NewMarketSymbol("BTC", "USDT")
	ethusdt, _ = domain.NewMarketSymbol("ETH", "USDT")
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (s *fakeSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *fakeSender) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fail = fail
}

func (s *fakeSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *fakeSender) decoded(t *testing.T) []map[string]any {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]map[string]any, len(s.frames))
	for i, frame := range s.frames {
		require.NoError(t, json.Unmarshal(frame, &result[i]))
	}
	return result
}

func (s *fakeSender) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.frames)
}

func ofType(frames []map[string]any, frameType string) []map[string]any {
	var result []map[string]any
	for _, frame := range frames {
		if frame["type"] == frameType {
			result = append(result, frame)
		}
	}
	return result
}

type fakePrecision map[string]domain.SymbolPrecisionInfo

func (p fakePrecision) Precision(symbol *domain.MarketSymbol) (domain.SymbolPrecisionInfo, error) {
	info, ok := p[symbol.String()]
	if !ok {
		return domain.SymbolPrecisionInfo{}, errors.Errorf("unknown symbol %s", symbol)
	}
	return info, nil
}

// countingViews counts View calls per key.
type countingViews struct {
	ViewSource
	mu    sync.Mutex
	calls map[aggregation.Key]int
}

func (c *countingViews) View(ctx context.Context, symbol *domain.MarketSymbol, unit decimal.Decimal, limit int) (*aggregation.Result, error) {
	c.mu.Lock()
	c.calls[aggregation.NewKey(symbol.String(), unit, limit)]++
	c.mu.Unlock()
	return c.ViewSource.View(ctx, symbol, unit, limit)
}

func (c *countingViews) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

type harness struct {
	feed     *static.Feed
	manager  *usecase.OrderBookManager
	engine   *aggregation.Engine
	views    *countingViews
	registry *Registry
}

func newHarness(t *testing.T, wired bool) *harness {
	t.Helper()

	tick := decimal.RequireFromString("0.01")
	precision := fakePrecision{
		"BTCUSDT": {PricePrecision: 2, AmountPrecision: 4, TickSize: tick},
		"ETHUSDT": {PricePrecision: 2, AmountPrecision: 4, TickSize: tick},
	}

	feed := static.NewFeed()
	feed.SetSnapshot("BTCUSDT",
		[][]string{{"100.03", "1"}, {"100.01", "2"}, {"99.40", "3"}},
		[][]string{{"100.05", "1.5"}, {"100.70", "2"}},
	)
	feed.SetSnapshot("ETHUSDT", [][]string{{"2000.10", "4"}}, [][]string{{"2000.20", "5"}})

	manager := usecase.NewOrderBookManager(feed, usecase.ManagerOptions{
		IdleGrace:     time.Minute,
		SweepInterval: time.Hour,
		RetryMin:      5 * time.Millisecond,
		RetryMax:      20 * time.Millisecond,
	})
	engine := aggregation.NewEngine(manager, precision, formatting.NewFormatter(), aggregation.EngineOptions{
		TTL:                   2 * time.Second,
		MaxRoundingOptions:    10,
		RoundingMaxValueRatio: decimal.RequireFromString("0.01"),
	})
	views := &countingViews{ViewSource: engine, calls: make(map[aggregation.Key]int)}
	validator := NewValidationService(&ValidationServiceConfig{
		MinLimit:     1,
		MaxLimit:     500,
		DefaultLimit: 20,
		MaxRounding:  decimal.NewFromInt(100000),
	}, precision)
	registry := NewRegistry(manager, views, validator)

	if wired {
		manager.OnBookChanged(func(symbol *domain.MarketSymbol, version uint64) {
			engine.OnBookChanged(symbol, version)
			registry.Notify(symbol)
		})
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, registry.Shutdown(ctx))
		assert.NoError(t, manager.Shutdown(ctx))
	})

	return &harness{feed: feed, manager: manager, engine: engine, views: views, registry: registry}
}

func (h *harness) waitVersion(t *testing.T, symbol *domain.MarketSymbol, atLeast uint64) uint64 {
	t.Helper()

	var version uint64
	require.Eventually(t, func() bool {
		v, err := h.manager.Version(symbol)
		version = v
		return err == nil && v >= atLeast
	}, 2*time.Second, 2*time.Millisecond)
	return version
}

func intPtr(v int) *int { return &v }

func decPtr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestRegistry_OnConnect(t *testing.T) {
	h := newHarness(t, false)
	sender := &fakeSender{}

	conn, err := h.registry.OnConnect(context.Background(), sender, SubscribeMessage{
		Symbol:   "btc_usdt",
		Limit:    intPtr(10),
		Rounding: decPtr("0.05"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, conn.ID)
	assert.Equal(t, StatusActive, conn.Status())
	assert.Equal(t, 1, h.registry.Connections())
	assert.Equal(t, 1, h.manager.Subscribers(btcusdt))

	params := conn.Params()
	assert.Equal(t, "BTCUSDT", params.Symbol.String())
	assert.Equal(t, 10, params.Limit)
	assert.Equal(t, "0.05", params.Rounding.String())

	frames := sender.decoded(t)
	require.Len(t, frames, 1, "first frame is sent right away")
	assert.Equal(t, "orderbook_update", frames[0]["type"])
	assert.Equal(t, "BTCUSDT", frames[0]["symbol"])
}

func TestRegistry_OnConnectDefaultsAndClamping(t *testing.T) {
	h := newHarness(t, false)

	conn, err := h.registry.OnConnect(context.Background(), &fakeSender{}, SubscribeMessage{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	assert.Equal(t, 20, conn.Params().Limit)
	assert.Equal(t, "0.01", conn.Params().Rounding.String(), "defaults to the tick size")

	conn, err = h.registry.OnConnect(context.Background(), &fakeSender{}, SubscribeMessage{Symbol: "BTCUSDT", Rounding: decPtr("0.0001")})
	require.NoError(t, err)
	assert.Equal(t, "0.01", conn.Params().Rounding.String(), "finer than tick is raised to the tick")
}

func TestRegistry_OnConnectValidation(t *testing.T) {
	tests := []struct {
		name  string
		msg   SubscribeMessage
		field string
	}{
		{"MalformedSymbol", SubscribeMessage{Symbol: "BTC_USDT_X"}, "symbol"},
		{"UnknownSymbol", SubscribeMessage{Symbol: "DOGEUSDT"}, "symbol"},
		{"LimitTooSmall", SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(0)}, "limit"},
		{"LimitTooLarge", SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(501)}, "limit"},
		{"NegativeRounding", SubscribeMessage{Symbol: "BTCUSDT", Rounding: decPtr("-1")}, "rounding"},
		{"RoundingTooLarge", SubscribeMessage{Symbol: "BTCUSDT", Rounding: decPtr("1000000")}, "rounding"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)

			_, err := h.registry.OnConnect(context.Background(), &fakeSender{}, tt.msg)

			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Zero(t, h.registry.Connections())
			assert.Zero(t, h.manager.ActiveBooks(), "nothing is subscribed")
		})
	}
}

func TestRegistry_UpdateParamsChangesNextFrame(t *testing.T) {
	h := newHarness(t, true)
	sender := &fakeSender{}
	ctx := context.Background()

	conn, err := h.registry.OnConnect(ctx, sender, SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(20), Rounding: decPtr("0.01")})
	require.NoError(t, err)
	h.waitVersion(t, btcusdt, 1)

	stop := make(chan struct{})
	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			h.feed.Push(btcusdt, [][]string{{"99." + strconv.Itoa(10+i%80), "1"}}, nil)
		}
	}()

	require.NoError(t, h.registry.HandleMessage(ctx, conn.ID, []byte(`{"type":"update_params","limit":50,"rounding":0.5}`)))

	require.Eventually(t, func() bool {
		frames := sender.decoded(t)
		for i, frame := range frames {
			if frame["type"] == FrameTypeParamsUpdated {
				return len(ofType(frames[i+1:], "orderbook_update")) >= 3
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-pushed

	frames := sender.decoded(t)
	ackAt := -1
	for i, frame := range frames {
		if frame["type"] == FrameTypeParamsUpdated {
			ackAt = i
			break
		}
	}
	require.GreaterOrEqual(t, ackAt, 0)

	ack := frames[ackAt]
	assert.Equal(t, conn.ID, ack["connection_id"])
	assert.Equal(t, float64(50), ack["limit"])
	assert.Equal(t, 0.5, ack["rounding"])
	assert.Equal(t, "success", ack["status"])

	for _, frame := range ofType(frames[ackAt+1:], "orderbook_update") {
		assert.Equal(t, 0.5, frame["rounding"])
		info := frame["market_depth_info"].(map[string]any)
		assert.Equal(t, float64(50), info["requested_levels"])
	}

	assert.Equal(t, 1, h.registry.Connections(), "no new connection")
	assert.Equal(t, 1, h.manager.Subscribers(btcusdt), "no new subscription")
	assert.Equal(t, 1, h.feed.Calls("BTCUSDT"), "no resubscribe upstream")
	same, ok := h.registry.Connection(conn.ID)
	require.True(t, ok)
	assert.Same(t, conn, same)
}

func TestRegistry_InvalidUpdateKeepsParams(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"LimitOutOfRange", `{"type":"update_params","limit":0}`},
		{"NegativeRounding", `{"type":"update_params","rounding":-0.5}`},
		{"FractionalLimit", `{"type":"update_params","limit":2.5}`},
		{"MalformedJSON", `{"type":`},
		{"UnknownType", `{"type":"resize"}`},
		{"EmptyUpdate", `{"type":"update_params"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			sender := &fakeSender{}
			conn, err := h.registry.OnConnect(context.Background(), sender, SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(20)})
			require.NoError(t, err)
			before := conn.Params()

			err = h.registry.HandleMessage(context.Background(), conn.ID, []byte(tt.message))
			assert.True(t, domain.IsValidationError(err), "got %v", err)

			frames := sender.decoded(t)
			last := frames[len(frames)-1]
			assert.Equal(t, FrameTypeError, last["type"])
			assert.NotEmpty(t, last["message"])

			assert.Equal(t, before, conn.Params())
			assert.Equal(t, StatusActive, conn.Status())
			assert.Equal(t, 1, h.registry.Connections())
		})
	}
}

func TestRegistry_NoOpUpdates(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{"IdenticalParams", `{"type":"update_params","limit":20,"rounding":0.05}`},
		{"SameValueDifferentScale", `{"type":"update_params","limit":20,"rounding":0.050}`},
		{"FinerThanTick", `{"type":"update_params","limit":30,"rounding":0.001}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			sender := &fakeSender{}
			conn, err := h.registry.OnConnect(context.Background(), sender, SubscribeMessage{
				Symbol: "BTCUSDT", Limit: intPtr(20), Rounding: decPtr("0.05"),
			})
			require.NoError(t, err)
			before := conn.Params()
			sent := sender.count()
			computed := h.views.total()

			require.NoError(t, h.registry.HandleMessage(context.Background(), conn.ID, []byte(tt.message)))

			frames := sender.decoded(t)
			require.Len(t, frames, sent+1, "only the acknowledgment is sent")
			ack := frames[sent]
			assert.Equal(t, FrameTypeParamsUpdated, ack["type"])
			assert.Equal(t, float64(20), ack["limit"])
			assert.Equal(t, 0.05, ack["rounding"])

			assert.Equal(t, before, conn.Params())
			assert.Equal(t, computed, h.views.total())
		})
	}
}

func TestRegistry_BroadcastComputesOncePerKey(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	senders := []*fakeSender{{}, {}, {}}
	requests := []SubscribeMessage{
		{Symbol: "BTCUSDT", Limit: intPtr(20), Rounding: decPtr("0.05")},
		{Symbol: "BTCUSDT", Limit: intPtr(20), Rounding: decPtr("0.050")},
		{Symbol: "BTCUSDT", Limit: intPtr(5), Rounding: decPtr("1")},
	}
	for i, req := range requests {
		_, err := h.registry.OnConnect(ctx, senders[i], req)
		require.NoError(t, err)
	}

	version := h.waitVersion(t, btcusdt, 1)
	h.feed.Push(btcusdt, [][]string{{"100.02", "7"}}, nil)
	h.waitVersion(t, btcusdt, version+1)

	computedBefore := h.engine.Computations()
	callsBefore := h.views.total()

	result := h.registry.OnRawBookChanged(ctx, btcusdt)

	assert.Equal(t, BroadcastResult{Groups: 2, Delivered: 3}, result)
	assert.Equal(t, callsBefore+2, h.views.total(), "one view per distinct key")
	assert.Equal(t, computedBefore+2, h.engine.Computations())
	assert.Equal(t, senders[0].last(), senders[1].last(), "same key gets identical bytes")
	assert.NotEqual(t, senders[0].last(), senders[2].last())

	again := h.registry.OnRawBookChanged(ctx, btcusdt)
	assert.Equal(t, 0, again.Delivered, "an unchanged version is not sent twice")
}

func TestRegistry_DeliveryFailureIsIsolated(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	senders := []*fakeSender{{}, {}, {}}
	conns := make([]*ConnectionState, len(senders))
	for i, sender := range senders {
		conn, err := h.registry.OnConnect(ctx, sender, SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(20)})
		require.NoError(t, err)
		conns[i] = conn
	}

	version := h.waitVersion(t, btcusdt, 1)
	h.feed.Push(btcusdt, [][]string{{"100.02", "7"}}, nil)
	h.waitVersion(t, btcusdt, version+1)

	senders[1].setFail(true)
	result := h.registry.OnRawBookChanged(ctx, btcusdt)

	assert.Equal(t, 1, result.Groups)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, uint64(1), h.registry.DeliveryFailures())

	_, ok := h.registry.Connection(conns[1].ID)
	assert.False(t, ok, "failed connection is torn down")
	assert.True(t, senders[1].isClosed())
	assert.Equal(t, StatusClosed, conns[1].Status())

	for _, i := range []int{0, 2} {
		_, ok := h.registry.Connection(conns[i].ID)
		assert.True(t, ok)
		assert.False(t, senders[i].isClosed())
	}
	assert.Equal(t, 2, h.manager.Subscribers(btcusdt))
}

func TestRegistry_UnsubscribeMessage(t *testing.T) {
	h := newHarness(t, false)
	sender := &fakeSender{}
	conn, err := h.registry.OnConnect(context.Background(), sender, SubscribeMessage{Symbol: "BTCUSDT"})
	require.NoError(t, err)

	require.NoError(t, h.registry.HandleMessage(context.Background(), conn.ID, []byte(`{"type":"unsubscribe"}`)))

	assert.Zero(t, h.registry.Connections())
	assert.Zero(t, h.manager.Subscribers(btcusdt))
	assert.True(t, sender.isClosed())
	assert.ErrorIs(t, h.registry.OnDisconnect(conn.ID), domain.ErrConnectionNotFound)
}

func TestRegistry_SubscribeMovesConnection(t *testing.T) {
	h := newHarness(t, false)
	sender := &fakeSender{}
	ctx := context.Background()

	conn, err := h.registry.OnConnect(ctx, sender, SubscribeMessage{Symbol: "BTCUSDT", Limit: intPtr(15)})
	require.NoError(t, err)

	require.NoError(t, h.registry.HandleMessage(ctx, conn.ID, []byte(`{"type":"subscribe","symbol":"ETH-USDT","rounding":0.1}`)))

	params := conn.Params()
	assert.Equal(t, "ETHUSDT", params.Symbol.String())
	assert.Equal(t, 15, params.Limit, "limit is kept")
	assert.Equal(t, "0.1", params.Rounding.String())
	assert.Zero(t, h.manager.Subscribers(btcusdt))
	assert.Equal(t, 1, h.manager.Subscribers(ethusdt))

	frames := sender.decoded(t)
	acks := ofType(frames, FrameTypeParamsUpdated)
	require.Len(t, acks, 1)
	assert.Equal(t, "ETHUSDT", acks[0]["symbol"])
	assert.Equal(t, conn.ID, acks[0]["connection_id"])

	updates := ofType(frames, "orderbook_update")
	assert.Equal(t, "ETHUSDT", updates[len(updates)-1]["symbol"])
}

func TestRegistry_UnknownConnection(t *testing.T) {
	h := newHarness(t, false)

	err := h.registry.OnParamUpdate(context.Background(), "missing", UpdateParamsMessage{Limit: intPtr(10)})
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}
