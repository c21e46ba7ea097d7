// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/exchange"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
	"github.com/xswap-coordinator/xswapd/server/xcerr"
)

func newTestServer() *Server {
	b := book.New()
	ledger := utxolock.New(nil)
	ex := exchange.New(b, ledger, nil)
	return NewServer(Config{
		Book:     b,
		Exchange: ex,
		Ledger:   ledger,
	})
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func call(t *testing.T, s *Server, method string, params ...interface{}) (interface{}, *xcerr.Error) {
	t.Helper()
	h, ok := s.Route(method)
	if !ok {
		t.Fatalf("no route for %s", method)
	}
	var raws []json.RawMessage
	for _, p := range params {
		raws = append(raws, raw(t, p))
	}
	return h(context.Background(), raws)
}

func TestMakeThenCancelOrder(t *testing.T) {
	s := newTestServer()

	res, xerr := call(t, s, "dxMakeOrder", "BLOCK", "1.0", "maker-from-addr", "LTC", "2.0", "maker-to-addr", "exact")
	if xerr != nil {
		t.Fatalf("dxMakeOrder: %v", xerr)
	}
	made := res.(orderJSON)
	if len(made.ID) != 64 {
		t.Fatalf("expected 64-hex id, got %q", made.ID)
	}
	if made.Status != order.Pending.String() {
		t.Fatalf("expected pending status, got %q", made.Status)
	}

	cancelRes, xerr := call(t, s, "dxCancelOrder", made.ID)
	if xerr != nil {
		t.Fatalf("dxCancelOrder: %v", xerr)
	}
	cancelled := cancelRes.(orderJSON)
	if cancelled.Status != order.Cancelled.String() {
		t.Fatalf("expected cancelled status, got %q", cancelled.Status)
	}

	if _, xerr := call(t, s, "dxGetLockedUtxos", made.ID); xerr == nil || xerr.Code != xcerr.TransactionNotFound {
		t.Fatalf("expected TransactionNotFound after cancel, got %v", xerr)
	}
}

func TestTakeOrderDryRun(t *testing.T) {
	s := newTestServer()

	res, xerr := call(t, s, "dxMakeOrder", "BLOCK", "1.0", "maker-from-addr", "LTC", "2.0", "maker-to-addr", "exact")
	if xerr != nil {
		t.Fatalf("dxMakeOrder: %v", xerr)
	}
	made := res.(orderJSON)

	takeRes, xerr := call(t, s, "dxTakeOrder", made.ID, "taker-from-addr", "taker-to-addr", true)
	if xerr != nil {
		t.Fatalf("dxTakeOrder dryrun: %v", xerr)
	}
	taken := takeRes.(orderJSON)
	if taken.Status != "filled" {
		t.Fatalf("expected filled status on dryrun, got %q", taken.Status)
	}
	if taken.ID != (order.ID{}).String() {
		t.Fatalf("expected all-zero id on dryrun, got %q", taken.ID)
	}

	// The original order must remain untouched: still pending, still
	// retrievable by its real id.
	origRes, xerr := call(t, s, "dxGetOrder", made.ID)
	if xerr != nil {
		t.Fatalf("dxGetOrder: %v", xerr)
	}
	orig := origRes.(orderJSON)
	if orig.Status != order.Pending.String() {
		t.Fatalf("expected original order still pending, got %q", orig.Status)
	}
}

func TestTakeOrderRefusesSelfTrade(t *testing.T) {
	s := newTestServer()

	res, xerr := call(t, s, "dxMakeOrder", "BLOCK", "1.0", "same-addr", "LTC", "2.0", "maker-to-addr", "exact")
	if xerr != nil {
		t.Fatalf("dxMakeOrder: %v", xerr)
	}
	made := res.(orderJSON)

	_, xerr = call(t, s, "dxTakeOrder", made.ID, "same-addr", "taker-to-addr")
	if xerr == nil || xerr.Code != xcerr.InvalidParameters {
		t.Fatalf("expected InvalidParameters for self-trade, got %v", xerr)
	}
}

func TestGetOrderBookLevel1(t *testing.T) {
	s := newTestServer()

	orders := []struct {
		fromAmt, toAmt string
	}{
		{"1.0", "0.0010"},
		{"1.0", "0.0010"},
		{"1.0", "0.0012"},
	}
	for i, o := range orders {
		addr := "maker-addr-" + string(rune('a'+i))
		if _, xerr := call(t, s, "dxMakeOrder", "BLOCK", o.fromAmt, addr, "LTC", o.toAmt, addr+"-to", "exact"); xerr != nil {
			t.Fatalf("dxMakeOrder %d: %v", i, xerr)
		}
	}

	res, xerr := call(t, s, "dxGetOrderBook", 1, "BLOCK", "LTC")
	if xerr != nil {
		t.Fatalf("dxGetOrderBook: %v", xerr)
	}
	payload := res.(map[string]interface{})
	asks := payload["asks"].([]interface{})
	if len(asks) != 1 {
		t.Fatalf("expected single aggregated ask level, got %d", len(asks))
	}
	row := asks[0].([]string)
	if row[2] != "2" {
		t.Fatalf("expected best-ask count 2 (the lowest price of the three), got %s", row[2])
	}
}

func TestFlushCancelledOrdersRespectsAge(t *testing.T) {
	s := newTestServer()

	res, xerr := call(t, s, "dxMakeOrder", "BLOCK", "1.0", "maker-from-addr", "LTC", "2.0", "maker-to-addr", "exact")
	if xerr != nil {
		t.Fatalf("dxMakeOrder: %v", xerr)
	}
	made := res.(orderJSON)
	if _, xerr := call(t, s, "dxCancelOrder", made.ID); xerr != nil {
		t.Fatalf("dxCancelOrder: %v", xerr)
	}

	// Immediate flush with a long min age finds nothing yet.
	flushRes, xerr := call(t, s, "dxFlushCancelledOrders", int64(3600_000))
	if xerr != nil {
		t.Fatalf("dxFlushCancelledOrders: %v", xerr)
	}
	if len(flushRes.(flushResult).FlushedOrders) != 0 {
		t.Fatalf("expected no flushed orders with a 1h min age")
	}

	// A zero min age flushes it immediately.
	flushRes, xerr = call(t, s, "dxFlushCancelledOrders", int64(0))
	if xerr != nil {
		t.Fatalf("dxFlushCancelledOrders: %v", xerr)
	}
	flushed := flushRes.(flushResult).FlushedOrders
	if len(flushed) != 1 || flushed[0].ID != made.ID {
		t.Fatalf("expected the cancelled order to flush, got %+v", flushed)
	}

	// A second immediate flush finds nothing left.
	flushRes, xerr = call(t, s, "dxFlushCancelledOrders", int64(0))
	if xerr != nil {
		t.Fatalf("dxFlushCancelledOrders: %v", xerr)
	}
	if len(flushRes.(flushResult).FlushedOrders) != 0 {
		t.Fatalf("expected nothing left to flush")
	}
}

func TestGetOrderHistoryBucketing(t *testing.T) {
	s := newTestServer()
	now := time.Now()

	o1, err := order.NewOrder("BLOCK", 100000000, "a1", "LTC", 200000000, "a2", now)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	o1.SetState(order.Finished, now)
	s.book.Add(o1)
	s.book.Retire(o1.ID)

	o2, err := order.NewOrder("BLOCK", 150000000, "a3", "LTC", 330000000, "a4", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	o2.SetState(order.Finished, now.Add(30*time.Second))
	s.book.Add(o2)
	s.book.Retire(o2.ID)

	start := now.Add(-time.Minute).Unix()
	end := now.Add(time.Minute).Unix()
	res, xerr := call(t, s, "dxGetOrderHistory", "BLOCK", "LTC", start, end, int64(300))
	if xerr != nil {
		t.Fatalf("dxGetOrderHistory: %v", xerr)
	}
	buckets := res.([]bucketJSON)
	if len(buckets) != 1 {
		t.Fatalf("expected a single 5-minute bucket, got %d", len(buckets))
	}
	b := buckets[0]
	if b.Open != 2.0 {
		t.Fatalf("expected open price 2.0, got %v", b.Open)
	}
	if b.Close <= 2.0 {
		t.Fatalf("expected close price above open (second trade priced higher), got %v", b.Close)
	}
}
