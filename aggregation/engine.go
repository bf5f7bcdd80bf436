package aggregation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/go-cryptomarkets-depthview/config"
	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
	"github.com/spooky-finn/go-cryptomarkets-depthview/formatting"
	"golang.org/x/sync/singleflight"
)

var logger = logrus.WithField("component", "aggregation")

// SnapshotSource is the read side of the order book manager.
type SnapshotSource interface {
	GetSnapshot(symbol *domain.MarketSymbol) (domain.OrderBookView, error)
	Version(symbol *domain.MarketSymbol) (uint64, error)
}

type EngineOptions struct {
	TTL                   time.Duration
	MaxRoundingOptions    int
	RoundingMaxValueRatio decimal.Decimal
}

func EngineOptionsFromConfig(cfg config.AggregationConfig) (EngineOptions, error) {
	ratio, err := decimal.NewFromString(cfg.RoundingMaxValueRatio)
	if err != nil {
		return EngineOptions{}, errors.Wrap(err, "rounding max value ratio")
	}
	return EngineOptions{
		TTL:                   cfg.CacheTTL,
		MaxRoundingOptions:    cfg.MaxRoundingOptions,
		RoundingMaxValueRatio: ratio,
	}, nil
}

// Result is shared by every caller that asked for the same key and version
// and must be treated as read-only.
type Result struct {
	View   AggregatedView
	Frame  []byte
	Cached bool
}

// Engine serves aggregated views through the cache, running at most one
// computation per key and book version.
type Engine struct {
	source    SnapshotSource
	precision domain.PrecisionSource
	formatter *formatting.Formatter
	opts      EngineOptions

	cache    *Cache
	inflight singleflight.Group

	computations atomic.Uint64
	hits         atomic.Uint64
	misses       atomic.Uint64
}

func NewEngine(
	source SnapshotSource,
	precision domain.PrecisionSource,
	formatter *formatting.Formatter,
	opts EngineOptions,
) *Engine {
	if opts.MaxRoundingOptions <= 0 {
		opts.MaxRoundingOptions = 10
	}
	if !opts.RoundingMaxValueRatio.IsPositive() {
		opts.RoundingMaxValueRatio = decimal.New(1, -2)
	}

	return &Engine{
		source:    source,
		precision: precision,
		formatter: formatter,
		opts:      opts,
		cache:     NewCache(opts.TTL),
	}
}

// View returns the aggregated view of symbol for the given unit and limit.
// Cancelling ctx abandons only this caller's wait, never the computation.
func (e *Engine) View(ctx context.Context, symbol *domain.MarketSymbol, unit decimal.Decimal, limit int) (*Result, error) {
	version, err := e.source.Version(symbol)
	if err != nil {
		return nil, err
	}

	key := NewKey(symbol.String(), unit, limit)
	if entry, ok := e.cache.Get(key, version); ok {
		e.hits.Add(1)
		return &Result{View: entry.view, Frame: entry.frame, Cached: true}, nil
	}
	e.misses.Add(1)

	ch := e.inflight.DoChan(fmt.Sprintf("%s@%d", key, version), func() (interface{}, error) {
		return e.compute(key, symbol, unit, limit, version), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// compute never panics; a failure resolves to an uncached error view.
func (e *Engine) compute(key Key, symbol *domain.MarketSymbol, unit decimal.Decimal, limit int, version uint64) (res *Result) {
	if entry, ok := e.cache.Get(key, version); ok {
		return &Result{View: entry.view, Frame: entry.frame, Cached: true}
	}

	e.computations.Add(1)
	defer func() {
		if r := recover(); r != nil {
			res = e.failed(key, unit, limit, version, errors.Errorf("panic: %v", r))
		}
	}()

	info, err := e.precision.Precision(symbol)
	if err != nil {
		return e.failed(key, unit, limit, version, errors.Wrap(err, "precision"))
	}
	book, err := e.source.GetSnapshot(symbol)
	if err != nil {
		return e.failed(key, unit, limit, version, errors.Wrap(err, "snapshot"))
	}

	view := Aggregate(book, limit, unit, info, e.formatter)
	view.RoundingOptions = RoundingOptions(book, info, e.opts.MaxRoundingOptions, e.opts.RoundingMaxValueRatio)

	frame, err := EncodeFrame(view)
	if err != nil {
		return e.failed(key, unit, limit, version, errors.Wrap(err, "encode frame"))
	}
	e.cache.put(key, view, frame)

	if config.DebugMode {
		logger.Debugf("computed view %s from version %d", key, view.SourceVersion)
	}
	return &Result{View: view, Frame: frame}
}

func (e *Engine) failed(key Key, unit decimal.Decimal, limit int, version uint64, cause error) *Result {
	err := &domain.ComputationError{Key: key.String(), Cause: cause}
	logger.WithError(err).Error("aggregation failed")

	view := AggregatedView{
		Symbol:          key.Symbol,
		Bids:            []AggregatedLevel{},
		Asks:            []AggregatedLevel{},
		Rounding:        unit,
		RoundingOptions: []decimal.Decimal{},
		SourceVersion:   version,
		DepthInfo: MarketDepthInfo{
			RequestedLevels: limit,
			Error:           err.Error(),
		},
	}
	frame, encErr := EncodeFrame(view)
	if encErr != nil {
		logger.WithError(encErr).Error("encode error view")
	}
	return &Result{View: view, Frame: frame}
}

// OnBookChanged drops entries computed from versions older than version.
func (e *Engine) OnBookChanged(symbol *domain.MarketSymbol, version uint64) {
	e.cache.InvalidateSymbol(symbol.String(), version)
}

func (e *Engine) EvictSymbol(symbol *domain.MarketSymbol) {
	if n := e.cache.EvictSymbol(symbol.String()); n > 0 {
		logger.WithField("symbol", symbol.String()).Debugf("evicted %d cached views", n)
	}
}

func (e *Engine) SweepExpired() int {
	return e.cache.SweepExpired()
}

func (e *Engine) Computations() uint64 { return e.computations.Load() }
func (e *Engine) Hits() uint64         { return e.hits.Load() }
func (e *Engine) Misses() uint64       { return e.misses.Load() }
func (e *Engine) CacheSize() int       { return e.cache.Len() }
