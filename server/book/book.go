// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book implements the coordinator's order book: two
// concurrent-access maps (active, historical), plus the aggregated
// price-level and fills/history query surface used by the RPC layer.
package book

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/huandu/skiplist"

	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
)

// terminalRetention is how long a terminal order remains visible to
// list_orders() after leaving the active state, per spec's "excludes
// terminal orders older than 60s".
const terminalRetention = 60 * time.Second

// Book holds the active and historical order maps. A single Book is a
// process-wide singleton, constructed explicitly and passed by
// reference — it holds no package-level mutable state.
type Book struct {
	mtx        sync.RWMutex
	activeByID map[order.ID]*order.OrderDescr
	history    map[order.ID]*order.OrderDescr
}

// New constructs an empty Book.
func New() *Book {
	return &Book{
		activeByID: make(map[order.ID]*order.OrderDescr),
		history:    make(map[order.ID]*order.OrderDescr),
	}
}

// Add inserts a new active order.
func (b *Book) Add(o *order.OrderDescr) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.activeByID[o.ID] = o
}

// Retire moves an order from active to history. Called atomically with
// a terminal state transition, per the Lifetimes invariant in spec §3.
func (b *Book) Retire(id order.ID) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	o, ok := b.activeByID[id]
	if !ok {
		return
	}
	delete(b.activeByID, id)
	b.history[id] = o
}

// Get returns the order by id, active first then historical.
func (b *Book) Get(id order.ID) (*order.OrderDescr, bool) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if o, ok := b.activeByID[id]; ok {
		return o, true
	}
	o, ok := b.history[id]
	return o, ok
}

// ListOrders returns all active orders, plus terminal orders retired
// within the last 60s.
func (b *Book) ListOrders(now time.Time) []*order.OrderDescr {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	out := make([]*order.OrderDescr, 0, len(b.activeByID))
	for _, o := range b.activeByID {
		out = append(out, o)
	}
	for _, o := range b.history {
		if now.Sub(o.Updated) < terminalRetention {
			out = append(out, o)
		}
	}
	return out
}

// IsLocalFunc reports whether an order descriptor belongs to the local
// node (by maker or taker address ownership). Supplied by the caller
// since the Book has no notion of wallet addresses.
type IsLocalFunc func(o *order.OrderDescr) bool

// MyOrders returns the union of active-local and historical-local
// (Finished|Cancelled) orders, deduplicated by id, sorted ascending by
// Updated.
func (b *Book) MyOrders(isLocal IsLocalFunc) []*order.OrderDescr {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	seen := make(map[order.ID]bool)
	var out []*order.OrderDescr
	for _, o := range b.activeByID {
		if isLocal(o) && !seen[o.ID] {
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	for _, o := range b.history {
		if !isLocal(o) || seen[o.ID] {
			continue
		}
		if o.State == order.Finished || o.State == order.Cancelled {
			seen[o.ID] = true
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.Before(out[j].Updated) })
	return out
}

// Fills returns historical Finished orders for the (maker, taker) pair.
// When combined, the inverse-direction pair is also included. Sorted
// descending by Updated.
func (b *Book) Fills(maker, taker string, combined bool) []*order.OrderDescr {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	var out []*order.OrderDescr
	for _, o := range b.history {
		if o.State != order.Finished {
			continue
		}
		direct := o.FromCurrency == maker && o.ToCurrency == taker
		inverse := combined && o.FromCurrency == taker && o.ToCurrency == maker
		if direct || inverse {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out
}

// FlushedOrder describes one cancelled order dropped by FlushCancelled.
type FlushedOrder struct {
	ID       order.ID
	Updated  time.Time
	UseCount int
}

// FlushCancelled drops cancelled orders from history whose Updated is
// older than minAge, returning the flushed id/txtime/use_count tuples.
func (b *Book) FlushCancelled(minAge time.Duration, now time.Time) []FlushedOrder {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	var flushed []FlushedOrder
	for id, o := range b.history {
		if o.State != order.Cancelled {
			continue
		}
		if now.Sub(o.Updated) < minAge {
			continue
		}
		flushed = append(flushed, FlushedOrder{ID: id, Updated: o.Updated, UseCount: o.UseCount})
		delete(b.history, id)
	}
	return flushed
}

// DetailLevel selects the order_book query's response shape.
type DetailLevel int

const (
	Level1 DetailLevel = iota + 1
	Level2
	Level3
	Level4
)

// ValidDetailLevel reports whether lvl is one of {1,2,3,4}.
func ValidDetailLevel(lvl int) bool {
	return lvl >= int(Level1) && lvl <= int(Level4)
}

// PriceLevel is one aggregated row of an order_book response: a price
// and the orders (or summed size) at that price.
type PriceLevel struct {
	Price    float64
	Size     calc.Amount
	Count    int
	OrderIDs []order.ID // ids of the orders merged into this level
}

// OrderBookSide is one side (asks or bids) of an order_book response at
// the requested detail level.
type OrderBookSide struct {
	Best   *PriceLevel   // Level 1/4
	Levels []*PriceLevel // Level 2/3
}

// priceLevelComparable orders PriceLevel entries descending by price, as
// required for both the asks and bids sort in spec §4.4 ("sorted
// descending by ask/bid price"). Grounded on the reference
// market-maker's rate-ordered skiplist comparable for price-level
// aggregation.
type priceLevelComparable struct{}

func (priceLevelComparable) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(*PriceLevel), rhs.(*PriceLevel)
	switch {
	case l.Price > r.Price:
		return -1
	case l.Price < r.Price:
		return 1
	default:
		// Equal prices reach the skiplist as separate levels only at
		// level 3; order them by first order id so neither replaces
		// the other.
		return bytes.Compare(l.OrderIDs[0][:], r.OrderIDs[0][:])
	}
}

func (priceLevelComparable) CalcScore(key interface{}) float64 {
	return -key.(*PriceLevel).Price
}

// OrderBook builds the (asks, bids) response for pair (maker, taker) at
// the given detail level, considering up to maxOrders orders per side.
func (b *Book) OrderBook(maker, taker string, level DetailLevel, maxOrders int) (asks, bids *OrderBookSide) {
	b.mtx.RLock()
	active := make([]*order.OrderDescr, 0, len(b.activeByID))
	for _, o := range b.activeByID {
		active = append(active, o)
	}
	b.mtx.RUnlock()

	aggregated := level != Level3
	askList := aggregate(active, maker, taker, maxOrders, aggregated, false)
	bidList := aggregate(active, taker, maker, maxOrders, aggregated, true)

	// Both lists are sorted descending by price. Bids' best (the
	// highest price) sits at the head; asks' best (the lowest price)
	// sits at the tail, per spec's "best ask is the lowest price -> at
	// the tail of that sorted vector".
	return buildSide(askList, level, false), buildSide(bidList, level, true)
}

// aggregate groups pending orders with (from, to) into a descending
// price-sorted skiplist of PriceLevels. When combine is true, orders at
// the same price (epsilon comparison) are merged into one level, as
// required for detail levels 1/2/4; when false (level 3), one
// PriceLevel per order is produced, still price-sorted. When invert is
// true (the bid side), each order's price is its inverse price.
func aggregate(active []*order.OrderDescr, from, to string, maxOrders int, combine, invert bool) []*PriceLevel {
	sl := skiplist.New(priceLevelComparable{})
	n := 0
	for _, o := range active {
		if o.State != order.Pending && o.State != order.PendingBroadcast {
			continue
		}
		if o.FromCurrency != from || o.ToCurrency != to {
			continue
		}
		if o.FromAmount <= 0 || o.ToAmount <= 0 {
			continue
		}
		if maxOrders > 0 && n >= maxOrders {
			break
		}
		n++
		price := calc.Price(o.FromAmount, o.ToAmount)
		if invert {
			price = calc.InversePrice(o.FromAmount, o.ToAmount)
		}

		merged := false
		if combine {
			for el := sl.Front(); el != nil; el = el.Next() {
				lvl := el.Value.(*PriceLevel)
				if calc.PricesEqual(lvl.Price, price) {
					lvl.Size += o.FromAmount
					lvl.Count++
					lvl.OrderIDs = append(lvl.OrderIDs, o.ID)
					merged = true
					break
				}
			}
		}
		if !merged {
			lvl := &PriceLevel{Price: price, Size: o.FromAmount, Count: 1, OrderIDs: []order.ID{o.ID}}
			sl.Set(lvl, lvl)
		}
	}

	out := make([]*PriceLevel, 0, sl.Len())
	for el := sl.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key().(*PriceLevel))
	}
	return out
}

func buildSide(levels []*PriceLevel, level DetailLevel, bestAtHead bool) *OrderBookSide {
	side := &OrderBookSide{}
	if len(levels) == 0 {
		return side
	}
	best := levels[0]
	if !bestAtHead {
		best = levels[len(levels)-1]
	}
	switch level {
	case Level1:
		side.Best = best
	case Level2:
		side.Levels = levels
	case Level3:
		side.Levels = levels // caller flattens OrderIDs into one row per order if desired
	case Level4:
		side.Best = best
	}
	return side
}
