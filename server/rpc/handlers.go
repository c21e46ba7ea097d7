// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/ohlcv"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/tradingdata"
	"github.com/xswap-coordinator/xswapd/server/xcerr"
)

// orderJSON is the wire shape of an order returned by every dx* command
// that surfaces a descriptor, matching spec.md §6's dxGetOrders column
// list plus the refund_tx field dxCancelOrder adds.
type orderJSON struct {
	ID         string `json:"id"`
	Maker      string `json:"maker"`
	MakerSize  string `json:"maker_size"`
	Taker      string `json:"taker"`
	TakerSize  string `json:"taker_size"`
	UpdatedAt  string `json:"updated_at"`
	CreatedAt  string `json:"created_at"`
	Status     string `json:"status"`
	RefundTx   string `json:"refund_tx,omitempty"`
}

func toOrderJSON(o *order.OrderDescr) orderJSON {
	return orderJSON{
		ID:        o.ID.String(),
		Maker:     o.FromCurrency,
		MakerSize: calc.DecimalFromAmount(o.FromAmount),
		Taker:     o.ToCurrency,
		TakerSize: calc.DecimalFromAmount(o.ToAmount),
		UpdatedAt: o.Updated.UTC().Format(time.RFC3339),
		CreatedAt: o.Created.UTC().Format(time.RFC3339),
		Status:    o.State.String(),
		RefundTx:  o.RefundTx,
	}
}

// zeroOrderJSON is the dry-run placeholder dxTakeOrder returns: a
// "filled" status with the all-zero order id, per spec.md §8 scenario 2.
func zeroOrderJSON(o *order.OrderDescr) orderJSON {
	j := toOrderJSON(o)
	j.ID = (order.ID{}).String()
	j.Status = "filled"
	return j
}

func unmarshalParam(params []json.RawMessage, idx int, v interface{}) *xcerr.Error {
	if idx >= len(params) {
		return xcerr.Newf(xcerr.InvalidParameters, "missing parameter %d", idx)
	}
	if err := json.Unmarshal(params[idx], v); err != nil {
		return xcerr.Newf(xcerr.InvalidParameters, "parameter %d: %v", idx, err)
	}
	return nil
}

func optionalBool(params []json.RawMessage, idx int, def bool) bool {
	if idx >= len(params) {
		return def
	}
	var v bool
	if json.Unmarshal(params[idx], &v) != nil {
		return def
	}
	return v
}

func optionalInt(params []json.RawMessage, idx int, def int) int {
	if idx >= len(params) {
		return def
	}
	var v int
	if json.Unmarshal(params[idx], &v) != nil {
		return def
	}
	return v
}

// --- token / wallet commands ---

func (s *Server) dxGetLocalTokens(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	tags := make([]string, 0, len(s.wallets))
	for tag := range s.wallets {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// dxGetNetworkTokens mirrors dxGetLocalTokens: with no real peer
// discovery in this core, the coordinator's own configured currencies
// are the best-effort answer (a concrete P2P transport could expand
// this, but the core does not depend on one to answer the query).
func (s *Server) dxGetNetworkTokens(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	return s.dxGetLocalTokens(ctx, params)
}

func (s *Server) dxGetNewTokenAddress(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	var ticker string
	if xerr := unmarshalParam(params, 0, &ticker); xerr != nil {
		return nil, xerr
	}
	wallet, ok := s.wallets[ticker]
	if !ok {
		return nil, xcerr.Newf(xcerr.InvalidCurrency, "unknown currency %q", ticker)
	}
	addr, err := wallet.NewAddress(ctx)
	if err != nil {
		return nil, xcerr.Newf(xcerr.Unknown, "new address: %v", err)
	}
	return []string{addr}, nil
}

func (s *Server) dxLoadXBridgeConf(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	if s.reload == nil {
		return true, nil
	}
	if err := s.reload(); err != nil {
		return nil, xcerr.Newf(xcerr.Unknown, "reloading configuration: %v", err)
	}
	return true, nil
}

func (s *Server) dxGetTokenBalances(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	out := make(map[string]string, len(s.wallets))
	for tag, wallet := range s.wallets {
		excluded := s.ledger.AllReserved()
		bal, err := wallet.AvailableBalance(ctx, excluded)
		if err != nil {
			return nil, xcerr.Newf(xcerr.Unknown, "balance for %s: %v", tag, err)
		}
		out[tag] = calc.DecimalFromAmount(bal)
	}
	return out, nil
}

// --- order lifecycle commands ---

func (s *Server) dxGetOrders(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	var out []orderJSON
	for _, o := range s.exchange.PendingSnapshot() {
		out = append(out, toOrderJSON(o))
	}
	for _, o := range s.exchange.AcceptedSnapshot() {
		out = append(out, toOrderJSON(o))
	}
	return out, nil
}

func (s *Server) dxGetOrder(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	id, xerr := parseOrderID(params, 0)
	if xerr != nil {
		return nil, xerr
	}
	o, ok := s.book.Get(id)
	if !ok {
		return nil, xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	return toOrderJSON(o), nil
}

func parseOrderID(params []json.RawMessage, idx int) (order.ID, *xcerr.Error) {
	var hexStr string
	if xerr := unmarshalParam(params, idx, &hexStr); xerr != nil {
		return order.ID{}, xerr
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 32 {
		return order.ID{}, xcerr.Newf(xcerr.InvalidParameters, "invalid order id %q", hexStr)
	}
	var id order.ID
	copy(id[:], raw)
	return id, nil
}

// dxMakeOrder params: maker, maker_size, maker_address, taker,
// taker_size, taker_address, type, [dryrun].
func (s *Server) dxMakeOrder(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	if len(params) < 6 {
		return nil, xcerr.New(xcerr.InvalidParameters, "dxMakeOrder requires at least 6 parameters")
	}
	var maker, makerAddr, taker, takerAddr, makerSizeStr, takerSizeStr string
	for i, dst := range []*string{&maker, &makerSizeStr, &makerAddr, &taker, &takerSizeStr, &takerAddr} {
		if xerr := unmarshalParam(params, i, dst); xerr != nil {
			return nil, xerr
		}
	}
	dryrun := optionalBool(params, 7, false)

	if !calc.ValidPrecision(makerSizeStr) || !calc.ValidPrecision(takerSizeStr) {
		return nil, xcerr.New(xcerr.InvalidAmount, "amount precision exceeds 8 fractional digits")
	}
	makerSize, err := calc.AmountFromDecimal(makerSizeStr)
	if err != nil {
		return nil, xcerr.Newf(xcerr.InvalidAmount, "%v", err)
	}
	takerSize, err := calc.AmountFromDecimal(takerSizeStr)
	if err != nil {
		return nil, xcerr.Newf(xcerr.InvalidAmount, "%v", err)
	}
	if !calc.ValidAmount(makerSize) || !calc.ValidAmount(takerSize) {
		return nil, xcerr.New(xcerr.InvalidParameters, "amount exceeds MAX_COIN")
	}
	if makerAddr == takerAddr {
		return nil, xcerr.New(xcerr.InvalidParameters, "maker_address equals taker_address")
	}

	o, oerr := order.NewOrder(maker, makerSize, makerAddr, taker, takerSize, takerAddr, time.Now())
	if oerr != nil {
		return nil, xcerr.Newf(xcerr.InvalidParameters, "%v", oerr)
	}

	if dryrun {
		return toOrderJSON(o), nil
	}

	if err := s.exchange.CreateTransaction(o, nil, time.Now()); err != nil {
		if xe, ok := xcerr.As(err); ok {
			return nil, xe
		}
		return nil, xcerr.Newf(xcerr.Unknown, "%v", err)
	}
	return toOrderJSON(o), nil
}

// dxTakeOrder params: id, from_address, to_address, [dryrun].
func (s *Server) dxTakeOrder(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	id, xerr := parseOrderID(params, 0)
	if xerr != nil {
		return nil, xerr
	}
	var fromAddr, toAddr string
	if xerr := unmarshalParam(params, 1, &fromAddr); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 2, &toAddr); xerr != nil {
		return nil, xerr
	}
	dryrun := optionalBool(params, 3, false)

	maker, ok := s.exchange.Pending(id)
	if !ok {
		return nil, xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	if fromAddr == maker.FromAddress {
		return nil, xcerr.New(xcerr.InvalidParameters, "unable to accept your own order")
	}

	now := time.Now()
	taker, oerr := maker.AcceptedView(fromAddr, toAddr, now)
	if oerr != nil {
		return nil, xcerr.Newf(xcerr.InvalidParameters, "%v", oerr)
	}

	if dryrun {
		return zeroOrderJSON(taker), nil
	}

	joined, err := s.exchange.AcceptTransaction(id, taker, nil, now)
	if err != nil {
		if xe, ok := xcerr.As(err); ok {
			return nil, xe
		}
		return nil, xcerr.Newf(xcerr.Unknown, "%v", err)
	}
	if s.driver != nil {
		if err := s.driver.Negotiate(ctx, joined, taker, now); err != nil {
			return nil, xcerr.Newf(xcerr.Unknown, "negotiating swap: %v", err)
		}
	}
	return toOrderJSON(taker), nil
}

func (s *Server) dxCancelOrder(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	id, xerr := parseOrderID(params, 0)
	if xerr != nil {
		return nil, xerr
	}
	o, err := s.exchange.CancelOrder(id, time.Now())
	if err != nil {
		if xe, ok := xcerr.As(err); ok {
			return nil, xe
		}
		return nil, xcerr.Newf(xcerr.Unknown, "%v", err)
	}
	return toOrderJSON(o), nil
}

type flushResult struct {
	AgeMillis       int64            `json:"ageMillis"`
	Now             int64            `json:"now"`
	DurationMicrosec int64           `json:"durationMicrosec"`
	FlushedOrders   []flushedOrderJS `json:"flushedOrders"`
}

type flushedOrderJS struct {
	ID       string `json:"id"`
	TxTime   int64  `json:"txtime"`
	UseCount int    `json:"use_count"`
}

func (s *Server) dxFlushCancelledOrders(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	ageMillis := int64(s.defaultFlushAge / time.Millisecond)
	if len(params) >= 1 {
		if xerr := unmarshalParam(params, 0, &ageMillis); xerr != nil {
			return nil, xerr
		}
	}
	start := time.Now()
	flushed := s.book.FlushCancelled(time.Duration(ageMillis)*time.Millisecond, start)
	elapsed := time.Since(start)

	out := make([]flushedOrderJS, 0, len(flushed))
	for _, f := range flushed {
		out = append(out, flushedOrderJS{
			ID:       f.ID.String(),
			TxTime:   f.Updated.UnixMilli(),
			UseCount: f.UseCount,
		})
	}
	return flushResult{
		AgeMillis:        ageMillis,
		Now:              start.UnixMilli(),
		DurationMicrosec: elapsed.Microseconds(),
		FlushedOrders:    out,
	}, nil
}

// --- order book / history / fills ---

func (s *Server) dxGetOrderBook(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	var level int
	if xerr := unmarshalParam(params, 0, &level); xerr != nil {
		return nil, xerr
	}
	if !book.ValidDetailLevel(level) {
		return nil, xcerr.Newf(xcerr.InvalidDetailLevel, "level %d not in {1,2,3,4}", level)
	}
	var maker, taker string
	if xerr := unmarshalParam(params, 1, &maker); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 2, &taker); xerr != nil {
		return nil, xerr
	}
	maxOrders := optionalInt(params, 3, 50)
	if maxOrders < 1 {
		maxOrders = 1
	}
	if maxOrders > 50 {
		maxOrders = 50
	}

	asks, bids := s.book.OrderBook(maker, taker, book.DetailLevel(level), maxOrders)

	return map[string]interface{}{
		"detail": level,
		"maker":  maker,
		"taker":  taker,
		"asks":   formatSide(asks, book.DetailLevel(level)),
		"bids":   formatSide(bids, book.DetailLevel(level)),
	}, nil
}

func formatSide(side *book.OrderBookSide, level book.DetailLevel) interface{} {
	switch level {
	case book.Level1:
		if side.Best == nil {
			return []interface{}{}
		}
		return []interface{}{[]string{
			calc.DecimalFromAmount(calc.Amount(side.Best.Price * calc.CoinScale)),
			calc.DecimalFromAmount(side.Best.Size),
			itoa(side.Best.Count),
		}}
	case book.Level2:
		rows := make([][]string, 0, len(side.Levels))
		for _, lvl := range side.Levels {
			rows = append(rows, []string{priceStr(lvl.Price), calc.DecimalFromAmount(lvl.Size)})
		}
		return rows
	case book.Level3:
		rows := make([][]string, 0, len(side.Levels))
		for _, lvl := range side.Levels {
			for _, id := range lvl.OrderIDs {
				rows = append(rows, []string{priceStr(lvl.Price), calc.DecimalFromAmount(lvl.Size), id.String()})
			}
		}
		return rows
	case book.Level4:
		if side.Best == nil {
			return map[string]interface{}{}
		}
		ids := make([]string, 0, len(side.Best.OrderIDs))
		for _, id := range side.Best.OrderIDs {
			ids = append(ids, id.String())
		}
		return map[string]interface{}{
			"price":    priceStr(side.Best.Price),
			"size":     calc.DecimalFromAmount(side.Best.Size),
			"count":    side.Best.Count,
			"order_id": ids,
		}
	default:
		return nil
	}
}

func priceStr(p float64) string {
	return calc.DecimalFromAmount(calc.Amount(p * calc.CoinScale))
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

// dxGetOrderHistory params (9 positional, per SPEC_FULL.md §9(a)):
// maker, taker, start, end, granularity, [order_ids=false],
// [with_inverse=false], [limit], [interval_timestamp].
func (s *Server) dxGetOrderHistory(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	if len(params) < 5 || len(params) > 9 {
		return nil, xcerr.Newf(xcerr.InvalidParameters, "dxGetOrderHistory expects 5-9 parameters, got %d", len(params))
	}
	var maker, taker string
	var startUnix, endUnix int64
	var granularity int64
	if xerr := unmarshalParam(params, 0, &maker); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 1, &taker); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 2, &startUnix); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 3, &endUnix); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 4, &granularity); xerr != nil {
		return nil, xerr
	}
	withTxIDs := optionalBool(params, 5, false)
	withInverse := optionalBool(params, 6, false)
	limit := optionalInt(params, 7, ohlcv.DefaultLimit)
	intervalTS := ohlcv.AtEnd
	if len(params) > 8 {
		var its string
		if xerr := unmarshalParam(params, 8, &its); xerr != nil {
			return nil, xerr
		}
		if its == string(ohlcv.AtStart) {
			intervalTS = ohlcv.AtStart
		}
	}

	q := ohlcv.Query{
		Maker:             maker,
		Taker:             taker,
		GranularitySecs:   granularity,
		Start:             time.Unix(startUnix, 0),
		End:               time.Unix(endUnix, 0),
		WithTxIDs:         withTxIDs,
		WithInverse:       withInverse,
		Limit:             limit,
		IntervalTimestamp: intervalTS,
	}

	finished := s.book.Fills(maker, taker, withInverse)
	trades := make([]ohlcv.Trade, 0, len(finished))
	for _, o := range finished {
		trades = append(trades, ohlcv.Trade{
			OrderID:      o.ID,
			Time:         o.Updated,
			FromCurrency: o.FromCurrency,
			FromAmount:   o.FromAmount,
			ToCurrency:   o.ToCurrency,
			ToAmount:     o.ToAmount,
		})
	}

	buckets, err := ohlcv.Aggregate(trades, q)
	if err != nil {
		return nil, xcerr.Newf(xcerr.InvalidParameters, "%v", err)
	}
	return bucketsJSON(buckets), nil
}

type bucketJSON struct {
	Time       int64    `json:"time"`
	Open       float64  `json:"open"`
	High       float64  `json:"high"`
	Low        float64  `json:"low"`
	Close      float64  `json:"close"`
	FromVolume string   `json:"fromVolume"`
	ToVolume   string   `json:"toVolume"`
	OrderIDs   []string `json:"order_ids,omitempty"`
}

func bucketsJSON(buckets []ohlcv.Bucket) []bucketJSON {
	out := make([]bucketJSON, 0, len(buckets))
	for _, b := range buckets {
		var ids []string
		for _, id := range b.OrderIDs {
			ids = append(ids, id.String())
		}
		out = append(out, bucketJSON{
			Time:       b.TimeEnd.Unix(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			FromVolume: calc.DecimalFromAmount(b.FromVolume),
			ToVolume:   calc.DecimalFromAmount(b.ToVolume),
			OrderIDs:   ids,
		})
	}
	return out
}

func (s *Server) dxGetOrderFills(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	var maker, taker string
	if xerr := unmarshalParam(params, 0, &maker); xerr != nil {
		return nil, xerr
	}
	if xerr := unmarshalParam(params, 1, &taker); xerr != nil {
		return nil, xerr
	}
	combined := optionalBool(params, 2, true)
	fills := s.book.Fills(maker, taker, combined)
	out := make([]orderJSON, 0, len(fills))
	for _, o := range fills {
		out = append(out, toOrderJSON(o))
	}
	return out, nil
}

func (s *Server) dxGetMyOrders(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	isLocal := s.localFn
	if isLocal == nil {
		isLocal = func(*order.OrderDescr) bool { return false }
	}
	mine := s.book.MyOrders(isLocal)
	out := make([]orderJSON, 0, len(mine))
	for _, o := range mine {
		out = append(out, toOrderJSON(o))
	}
	return out, nil
}

func (s *Server) dxGetLockedUtxos(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	if len(params) == 0 {
		var out []map[string]interface{}
		for _, u := range s.ledger.AllReserved() {
			out = append(out, utxoJSON(u))
		}
		return out, nil
	}
	id, xerr := parseOrderID(params, 0)
	if xerr != nil {
		return nil, xerr
	}
	if _, ok := s.book.Get(id); !ok {
		return nil, xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	utxos := s.ledger.ReservedFor(id)
	if len(utxos) == 0 {
		return nil, xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	out := make([]map[string]interface{}, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, utxoJSON(u))
	}
	return out, nil
}

func utxoJSON(u order.UtxoEntry) map[string]interface{} {
	return map[string]interface{}{
		"txid":          u.TxID,
		"vout":          u.Vout,
		"amount":        calc.DecimalFromAmount(u.Amount),
		"address":       u.Address,
		"confirmations": u.Confirmations,
	}
}

// --- settlement reporting ---

func (s *Server) gettradingdata(ctx context.Context, params []json.RawMessage) (interface{}, *xcerr.Error) {
	maxBlocks := optionalInt(params, 0, -1) // negative means "no limit"
	showErrors := optionalBool(params, 1, false)

	if s.blocks == nil {
		return []interface{}{}, nil
	}
	blocks, err := s.blocks.RecentBlocks(ctx, maxBlocks)
	if err != nil {
		return nil, xcerr.Newf(xcerr.Unknown, "reading blocks: %v", err)
	}

	netParams := s.chainParams
	if netParams == nil {
		netParams = &chaincfg.MainNetParams
	}

	var coordinatorHash [32]byte
	if s.snode != nil {
		if h, err := s.snode.PubKeyHash(); err == nil {
			coordinatorHash = h
		}
	}

	var records []map[string]interface{}
	for _, blk := range blocks {
		for _, tx := range blk.Txs {
			rec := tradingdata.Extract(tx.VOut, netParams, coordinatorHash)
			switch rec.Tag {
			case tradingdata.Valid:
				records = append(records, map[string]interface{}{
					"timestamp":     blk.Time.Unix(),
					"txid":          tx.TxID,
					"to":            rec.SnodePubKey,
					"xid":           rec.XID,
					"from":          rec.FromCurrency,
					"fromAmount":    calc.DecimalFromAmount(calc.Amount(rec.FromAmount)),
					"toCcy":         rec.ToCurrency,
					"toAmount":      calc.DecimalFromAmount(calc.Amount(rec.ToAmount)),
					"isCoordinator": rec.IsCoordinator,
				})
			case tradingdata.Error:
				if showErrors {
					records = append(records, map[string]interface{}{
						"timestamp": blk.Time.Unix(),
						"txid":      tx.TxID,
						"xid":       rec.ErrorReason,
					})
				}
			}
		}
	}
	return records, nil
}
