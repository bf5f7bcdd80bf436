package domain

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const btreeDegree = 32

type OrderBookUpdate struct {
	Bids          [][]string
	Asks          [][]string
	FirstUpdateID int64
	LastUpdateID  int64
	IsSnapshot    bool
	EventTime     int64
	Symbol        *MarketSymbol
}

func NewOrderBookUpdate(bids [][]string, asks [][]string, firstUpdateID, lastUpdateID int64, symbol *MarketSymbol) *OrderBookUpdate {
	return &OrderBookUpdate{
		Bids:          bids,
		Asks:          asks,
		FirstUpdateID: firstUpdateID,
		LastUpdateID:  lastUpdateID,
		Symbol:        symbol,
	}
}

func NewOrderBookSnapshotUpdate(bids [][]string, asks [][]string, lastUpdateID int64, symbol *MarketSymbol) *OrderBookUpdate {
	return &OrderBookUpdate{
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: lastUpdateID,
		IsSnapshot:   true,
		Symbol:       symbol,
	}
}

type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBookView is a detached, read-only copy of a RawOrderBook.
type OrderBookView struct {
	Symbol      string
	Bids        []PriceLevel
	Asks        []PriceLevel
	Version     uint64
	UpdatedAt   time.Time
	Stale       bool
	StaleReason string
}

// RawOrderBook is the exchange book of one symbol: bids strictly descending,
// asks strictly ascending, no zero quantities. Only its refresh task mutates it.
type RawOrderBook struct {
	Symbol *MarketSymbol

	bids *btree.BTreeG[PriceLevel]
	asks *btree.BTreeG[PriceLevel]

	LastUpdateID int64
	updatedAt    time.Time
	stale        bool
	staleReason  string

	version atomic.Uint64
	mu      sync.RWMutex
}

func NewRawOrderBook(symbol *MarketSymbol) *RawOrderBook {
	return &RawOrderBook{
		Symbol: symbol,
		bids: btree.NewG(btreeDegree, func(a, b PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}),
		asks: btree.NewG(btreeDegree, func(a, b PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}),
	}
}

// ApplyUpdate applies a snapshot or diff and bumps the version. A diff that is
// not newer than the book is ignored and reported as not applied.
func (ob *RawOrderBook) ApplyUpdate(update *OrderBookUpdate) (bool, error) {
	updateBids, err := parsePriceLevel(update.Bids)
	if err != nil {
		return false, errors.Wrap(err, "bids")
	}
	updateAsks, err := parsePriceLevel(update.Asks)
	if err != nil {
		return false, errors.Wrap(err, "asks")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if !update.IsSnapshot && update.LastUpdateID != 0 && update.LastUpdateID <= ob.LastUpdateID {
		return false, nil
	}

	if update.IsSnapshot {
		ob.bids.Clear(false)
		ob.asks.Clear(false)
	}

	updateDepth(ob.bids, updateBids)
	updateDepth(ob.asks, updateAsks)

	if update.LastUpdateID != 0 {
		ob.LastUpdateID = update.LastUpdateID
	}
	ob.updatedAt = time.Now()
	ob.stale = false
	ob.staleReason = ""
	ob.version.Add(1)

	return true, nil
}

// MarkStale flags the book as no longer fed while keeping its levels. The
// version moves on the first transition so cached views pick up the flag.
func (ob *RawOrderBook) MarkStale(reason string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if ob.stale {
		ob.staleReason = reason
		return false
	}
	ob.stale = true
	ob.staleReason = reason
	ob.version.Add(1)
	return true
}

func (ob *RawOrderBook) IsStale() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return ob.stale
}

// Version is lock-free; it starts at 0 for a fresh book.
func (ob *RawOrderBook) Version() uint64 {
	return ob.version.Load()
}

func (ob *RawOrderBook) UpdatedAt() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return ob.updatedAt
}

// TakeSnapshot copies at most limit levels per side; limit <= 0 copies all.
func (ob *RawOrderBook) TakeSnapshot(limit int) OrderBookView {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return OrderBookView{
		Symbol:      ob.Symbol.String(),
		Bids:        limitDepth(ob.bids, limit),
		Asks:        limitDepth(ob.asks, limit),
		Version:     ob.version.Load(),
		UpdatedAt:   ob.updatedAt,
		Stale:       ob.stale,
		StaleReason: ob.staleReason,
	}
}

func (ob *RawOrderBook) Depth() (bids int, asks int) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return ob.bids.Len(), ob.asks.Len()
}

func limitDepth(side *btree.BTreeG[PriceLevel], limit int) []PriceLevel {
	size := side.Len()
	if limit > 0 && size > limit {
		size = limit
	}

	result := make([]PriceLevel, 0, size)
	side.Ascend(func(level PriceLevel) bool {
		result = append(result, level)
		return len(result) < size
	})
	return result
}

func updateDepth(side *btree.BTreeG[PriceLevel], levels []PriceLevel) {
	for _, level := range levels {
		if level.Quantity.IsZero() {
			side.Delete(level)
			continue
		}
		side.ReplaceOrInsert(level)
	}
}

func parsePriceLevel(depth [][]string) ([]PriceLevel, error) {
	result := make([]PriceLevel, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			return nil, errors.Errorf("malformed price level %v", level)
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, errors.Wrapf(err, "price %q", level[0])
		}
		quantity, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, errors.Wrapf(err, "quantity %q", level[1])
		}
		if quantity.IsNegative() {
			return nil, errors.Errorf("negative quantity %q at price %q", level[1], level[0])
		}

		result = append(result, PriceLevel{Price: price, Quantity: quantity})
	}

	return result, nil
}
