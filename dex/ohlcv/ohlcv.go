// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ohlcv builds bucketed open-high-low-close-volume series from a
// stream of completed orders, on demand, for the dxGetOrderHistory RPC.
// Unlike the reference candle cache this package is not a live-append
// structure: it re-buckets whatever slice of historical trades the
// caller (the order book's history store) hands it for each query.
package ohlcv

import (
	"fmt"
	"sort"
	"time"

	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
)

// SupportedGranularities are the only granularity_seconds values the
// aggregator accepts, matching the reference's fixed bucket-size table.
var SupportedGranularities = map[int64]bool{
	60: true, 300: true, 900: true, 3600: true, 21600: true, 86400: true,
}

// IntervalTimestamp selects whether a bucket reports timeEnd-granularity
// ("at_start") or timeEnd itself ("at_end").
type IntervalTimestamp string

const (
	AtStart IntervalTimestamp = "at_start"
	AtEnd   IntervalTimestamp = "at_end"
)

// DefaultLimit and MaxLimit bound the number of buckets a single query
// may return.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Trade is one completed order as consumed by the aggregator: the
// minimal fields needed for bucketing and price calculation.
type Trade struct {
	OrderID      order.ID
	Time         time.Time
	FromCurrency string
	FromAmount   calc.Amount
	ToCurrency   string
	ToAmount     calc.Amount
}

// Query parameters for one dxGetOrderHistory call.
type Query struct {
	Maker             string
	Taker             string
	GranularitySecs   int64
	Start             time.Time
	End               time.Time
	WithTxIDs         bool
	WithInverse       bool
	Limit             int
	IntervalTimestamp IntervalTimestamp
}

// Bucket is one OHLCV observation.
type Bucket struct {
	TimeEnd    time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	FromVolume calc.Amount
	ToVolume   calc.Amount
	OrderIDs   []order.ID
}

// ErrUnsupportedGranularity is returned for a granularity not in
// SupportedGranularities.
var ErrUnsupportedGranularity = fmt.Errorf("unsupported granularity")

// Aggregate buckets trades (assumed already filtered to the (maker,
// taker) pair, optionally folded with the inverse pair if q.WithInverse)
// according to q. Buckets are aligned to q.Start, not to the Unix
// epoch: an order completing at
// time t falls in bucket floor((t-start)/granularity) when
// start <= t < end. Empty buckets are omitted. Results are ordered by
// bucket start time ascending, then capped to q.Limit.
func Aggregate(trades []Trade, q Query) ([]Bucket, error) {
	if !SupportedGranularities[q.GranularitySecs] {
		return nil, ErrUnsupportedGranularity
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	granularity := time.Duration(q.GranularitySecs) * time.Second
	buckets := make(map[int64]*Bucket)
	var order_ []int64

	// Open/close within a bucket depend on chronological order, but
	// callers (e.g. the order book's Fills, sorted descending by
	// Updated) make no such guarantee. Sort a copy ascending by time
	// before bucketing.
	trades = append([]Trade(nil), trades...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].Time.Before(trades[j].Time) })

	for _, tr := range trades {
		if tr.Time.Before(q.Start) || !tr.Time.Before(q.End) {
			continue
		}
		price := calc.Price(tr.FromAmount, tr.ToAmount)
		fromVol, toVol := tr.FromAmount, tr.ToAmount
		matches := (tr.FromCurrency == q.Maker && tr.ToCurrency == q.Taker)
		inverse := false
		if !matches && q.WithInverse && tr.FromCurrency == q.Taker && tr.ToCurrency == q.Maker {
			matches = true
			inverse = true
		}
		if !matches {
			continue
		}
		if inverse {
			price = calc.InversePrice(tr.FromAmount, tr.ToAmount)
			fromVol, toVol = tr.ToAmount, tr.FromAmount
		}

		idx := int64(tr.Time.Sub(q.Start) / granularity)
		b, ok := buckets[idx]
		if !ok {
			b = &Bucket{Open: price, High: price, Low: price, Close: price}
			buckets[idx] = b
			order_ = append(order_, idx)
		} else {
			b.Close = price
			if price > b.High {
				b.High = price
			}
			if price < b.Low {
				b.Low = price
			}
		}
		b.FromVolume += fromVol
		b.ToVolume += toVol
		if q.WithTxIDs {
			b.OrderIDs = append(b.OrderIDs, tr.OrderID)
		}
		b.TimeEnd = q.Start.Add(time.Duration(idx+1) * granularity)
	}

	sort.Slice(order_, func(i, j int) bool { return order_[i] < order_[j] })

	out := make([]Bucket, 0, len(order_))
	for _, idx := range order_ {
		b := *buckets[idx]
		if q.IntervalTimestamp == AtStart {
			b.TimeEnd = b.TimeEnd.Add(-granularity)
		}
		out = append(out, b)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
