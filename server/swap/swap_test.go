// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package swap

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xswap-coordinator/xswapd/dex"
	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/exchange"
	"github.com/xswap-coordinator/xswapd/server/snode"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
)

// fakeWallet is the in-memory WalletConnector the driver tests run
// against in place of a concrete chain adapter.
type fakeWallet struct {
	mtx           sync.Mutex
	confs         map[string]uint32
	txOut         map[string]*order.UtxoEntry
	requiredConfs uint32
	lockTime      time.Duration
	broadcasts    []string
}

func newFakeWallet(requiredConfs uint32, lockTime time.Duration) *fakeWallet {
	return &fakeWallet{
		confs:         make(map[string]uint32),
		txOut:         make(map[string]*order.UtxoEntry),
		requiredConfs: requiredConfs,
		lockTime:      lockTime,
	}
}

func (w *fakeWallet) ListUnspent(ctx context.Context) ([]order.UtxoEntry, error) { return nil, nil }
func (w *fakeWallet) ValidateAddress(addr string) bool                          { return true }
func (w *fakeWallet) NewAddress(ctx context.Context) (string, error)            { return "new-addr", nil }

func (w *fakeWallet) BuildHTLC(ctx context.Context, params HTLCParams) ([]byte, error) {
	return []byte("contract"), nil
}

func (w *fakeWallet) Sign(ctx context.Context, tx []byte) ([]byte, error) { return tx, nil }

func (w *fakeWallet) Broadcast(ctx context.Context, tx []byte) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.broadcasts = append(w.broadcasts, string(tx))
	return "broadcast-txid", nil
}

func (w *fakeWallet) GetTxOut(ctx context.Context, txid string, vout uint32) (*order.UtxoEntry, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	u, ok := w.txOut[txid]
	if !ok {
		return nil, errNoSuchOutput
	}
	return u, nil
}

func (w *fakeWallet) Confirmations(ctx context.Context, txid string) (uint32, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.confs[txid], nil
}

func (w *fakeWallet) RequiredConfirmations() uint32 { return w.requiredConfs }
func (w *fakeWallet) LockTime() time.Duration       { return w.lockTime }

func (w *fakeWallet) setConfirmations(txid string, n uint32) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.confs[txid] = n
}

func (w *fakeWallet) setTxOut(txid string, u *order.UtxoEntry) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.txOut[txid] = u
}

func (w *fakeWallet) broadcastCount() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.broadcasts)
}

// errNoSuchOutput stands in for a chain adapter's "no such output" error.
var errNoSuchOutput = errors.New("utxo not found")

// fakeTransport is the in-memory Transport used in place of server/p2p
// for driver tests: Send/Broadcast append to a log, and messages pushed
// onto inbound are what Dispatch/dispatchLoop consume.
type fakeTransport struct {
	mtx     sync.Mutex
	sent    []Message
	inbound chan Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan Message, 16)}
}

func (tr *fakeTransport) Broadcast(ctx context.Context, msg Message) error {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.sent = append(tr.sent, msg)
	return nil
}

func (tr *fakeTransport) Send(ctx context.Context, peer string, msg Message) error {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.sent = append(tr.sent, msg)
	return nil
}

func (tr *fakeTransport) Inbound() <-chan Message { return tr.inbound }

func (tr *fakeTransport) sentCount() int {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return len(tr.sent)
}

func testLogger() dex.Logger {
	return dex.Disabled
}

func newTestDriver(makerWallet, takerWallet *fakeWallet, tr *fakeTransport) (*Driver, *exchange.Exchange) {
	ledger := utxolock.New(nil)
	ex := exchange.New(book.New(), ledger, exchange.DustMinimums{})
	wallets := map[string]WalletConnector{"BLOCK": makerWallet, "LTC": takerWallet}
	d := New(ex, ledger, wallets, tr, testLogger())
	return d, ex
}

func joinedOrders(t *testing.T, ex *exchange.Exchange, now time.Time) (*order.OrderDescr, *order.OrderDescr) {
	t.Helper()
	maker, err := order.NewOrder("BLOCK", 1*calc.CoinScale, "maker-addr", "LTC", 2*calc.CoinScale, "maker-to", now)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := ex.CreateTransaction(maker, nil, now); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	taker, err := maker.AcceptedView("taker-addr", "taker-to", now)
	if err != nil {
		t.Fatalf("AcceptedView: %v", err)
	}
	if _, err := ex.AcceptTransaction(maker.ID, taker, nil, now); err != nil {
		t.Fatalf("AcceptTransaction: %v", err)
	}
	return maker, taker
}

func TestNegotiateArmsMatchAndSendsHold(t *testing.T) {
	now := time.Now()
	tr := newFakeTransport()
	makerWallet := newFakeWallet(1, time.Hour)
	takerWallet := newFakeWallet(1, 30*time.Minute)
	d, ex := newTestDriver(makerWallet, takerWallet, tr)

	maker, taker := joinedOrders(t, ex, now)
	if err := d.Negotiate(context.Background(), maker, taker, now); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	gotMaker, gotTaker, ok := d.Match(maker.ID)
	if !ok {
		t.Fatal("expected live match after Negotiate")
	}
	if gotMaker.ID != maker.ID || gotTaker.ID != taker.ID {
		t.Fatal("Match returned the wrong descriptors")
	}
	if len(maker.SharedSecretHash) == 0 || len(taker.SharedSecretHash) == 0 {
		t.Fatal("expected a shared secret hash to be set on both sides")
	}
	if tr.sentCount() != 2 {
		t.Fatalf("expected 2 hold messages sent, got %d", tr.sentCount())
	}
}

func TestAckAdvancesOnBothParties(t *testing.T) {
	now := time.Now()
	tr := newFakeTransport()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), tr)
	maker, taker := joinedOrders(t, ex, now)
	if err := d.Negotiate(context.Background(), maker, taker, now); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := d.Ack(ctx, maker.ID, order.EventHoldApply, maker.FromAddress, now); err != nil {
		t.Fatal(err)
	}
	if maker.State != order.Accepting {
		t.Fatalf("state should not advance on a single ack, got %v", maker.State)
	}
	if err := d.Ack(ctx, maker.ID, order.EventHoldApply, taker.FromAddress, now); err != nil {
		t.Fatal(err)
	}
	if maker.State != order.Hold || taker.State != order.Hold {
		t.Fatalf("expected both sides Hold, got maker=%v taker=%v", maker.State, taker.State)
	}
}

func TestAckUnknownOrderFails(t *testing.T) {
	d, _ := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	var oid order.ID
	oid[0] = 7
	if err := d.Ack(context.Background(), oid, order.EventHoldApply, "addr", time.Now()); err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestRecordPayInAdvancesToCreatedOnBothLegs(t *testing.T) {
	now := time.Now()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	ctx := context.Background()
	if err := d.Negotiate(ctx, maker, taker, now); err != nil {
		t.Fatal(err)
	}
	maker.State = order.Initialized
	taker.State = order.Initialized

	if err := d.RecordPayIn(ctx, maker.ID, order.Maker, []byte("maker-contract"), "maker-txid", now); err != nil {
		t.Fatalf("RecordPayIn maker: %v", err)
	}
	if maker.State != order.Initialized {
		t.Fatalf("should not advance until both legs report, got %v", maker.State)
	}
	if err := d.RecordPayIn(ctx, maker.ID, order.Taker, []byte("taker-contract"), "taker-txid", now); err != nil {
		t.Fatalf("RecordPayIn taker: %v", err)
	}
	if maker.State != order.Created || taker.State != order.Created {
		t.Fatalf("expected both sides Created, got maker=%v taker=%v", maker.State, taker.State)
	}
}

func TestRevealSecretRejectsWrongSecret(t *testing.T) {
	now := time.Now()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	if err := d.Negotiate(context.Background(), maker, taker, now); err != nil {
		t.Fatal(err)
	}
	err := d.RevealSecret(context.Background(), maker.ID, []byte("not-the-secret"), "redeem-txid", now)
	if err == nil {
		t.Fatal("expected error for mismatched secret")
	}
	if _, _, ok := d.Match(maker.ID); !ok {
		t.Fatal("match should remain live after a rejected reveal")
	}
}

func TestRevealSecretFinishesAndTerminatesMatch(t *testing.T) {
	now := time.Now()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	if err := d.Negotiate(context.Background(), maker, taker, now); err != nil {
		t.Fatal(err)
	}

	secret := append([]byte(nil), maker.Preimage...)
	if err := d.RevealSecret(context.Background(), maker.ID, secret, "redeem-txid", now); err != nil {
		t.Fatalf("RevealSecret: %v", err)
	}
	if maker.State != order.Finished || taker.State != order.Finished {
		t.Fatalf("expected both sides Finished, got maker=%v taker=%v", maker.State, taker.State)
	}
	if _, _, ok := d.Match(maker.ID); ok {
		t.Fatal("match should be dropped once the swap finishes")
	}
	if _, ok := ex.Accepted(taker.ID); ok {
		t.Fatal("taker order should have been retired alongside the maker")
	}
}

func TestRefundDrivesStateToRolledBackAndBroadcasts(t *testing.T) {
	now := time.Now()
	makerWallet := newFakeWallet(1, time.Hour)
	d, ex := newTestDriver(makerWallet, newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	if err := d.Negotiate(context.Background(), maker, taker, now); err != nil {
		t.Fatal(err)
	}
	mt, ok := d.lookup(maker.ID)
	if !ok {
		t.Fatal("expected a live match")
	}
	mt.makerLeg.setPayIn("maker-txid", []byte("maker-contract"), now)

	d.refund(context.Background(), mt, order.Maker)

	if maker.State != order.RolledBack || taker.State != order.RolledBack {
		t.Fatalf("expected RolledBack, got maker=%v taker=%v", maker.State, taker.State)
	}
	if makerWallet.broadcastCount() != 1 {
		t.Fatalf("expected one refund broadcast, got %d", makerWallet.broadcastCount())
	}
	if _, _, ok := d.Match(maker.ID); ok {
		t.Fatal("match should be dropped after refund")
	}
}

func TestStartConfirmationWatchAcksOnceConfirmed(t *testing.T) {
	now := time.Now()
	old := recheckInterval
	recheckInterval = 5 * time.Millisecond
	defer func() { recheckInterval = old }()

	makerWallet := newFakeWallet(2, time.Hour)
	d, ex := newTestDriver(makerWallet, newFakeWallet(2, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Negotiate(ctx, maker, taker, now); err != nil {
		t.Fatal(err)
	}
	mt, _ := d.lookup(maker.ID)
	mt.makerLeg.setPayIn("maker-txid", []byte("maker-contract"), now)

	go d.latencyQ.Run(ctx)
	d.startConfirmationWatch(ctx, mt, order.Maker)

	makerWallet.setConfirmations("maker-txid", 2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !mt.makerLeg.confirmedTime().IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mt.makerLeg.confirmedTime().IsZero() {
		t.Fatal("expected the maker leg to be marked confirmed")
	}
}

func TestRevalidateUtxosCancelsOnMissingOutput(t *testing.T) {
	now := time.Now()
	makerWallet := newFakeWallet(1, time.Hour)
	d, ex := newTestDriver(makerWallet, newFakeWallet(1, time.Hour), newFakeTransport())

	maker, err := order.NewOrder("BLOCK", 1*calc.CoinScale, "maker-addr", "LTC", 2*calc.CoinScale, "maker-to", now)
	if err != nil {
		t.Fatal(err)
	}
	utxos := []order.UtxoEntry{{TxID: "gone", Vout: 0}}
	if err := ex.CreateTransaction(maker, utxos, now); err != nil {
		t.Fatal(err)
	}
	// makerWallet.txOut has no entry for "gone", so GetTxOut fails.

	d.revalidateUtxos(context.Background(), now.Add(utxolock.DefaultRecheckInterval+time.Second))

	if _, ok := ex.Pending(maker.ID); ok {
		t.Fatal("order with a missing utxo should have been cancelled")
	}
}

func TestRevalidateUtxosLeavesPendingWhenUtxoPresent(t *testing.T) {
	now := time.Now()
	makerWallet := newFakeWallet(1, time.Hour)
	d, ex := newTestDriver(makerWallet, newFakeWallet(1, time.Hour), newFakeTransport())

	maker, err := order.NewOrder("BLOCK", 1*calc.CoinScale, "maker-addr", "LTC", 2*calc.CoinScale, "maker-to", now)
	if err != nil {
		t.Fatal(err)
	}
	utxos := []order.UtxoEntry{{TxID: "still-here", Vout: 0}}
	if err := ex.CreateTransaction(maker, utxos, now); err != nil {
		t.Fatal(err)
	}
	makerWallet.setTxOut("still-here", &order.UtxoEntry{TxID: "still-here", Vout: 0})

	d.revalidateUtxos(context.Background(), now.Add(utxolock.DefaultRecheckInterval+time.Second))

	if _, ok := ex.Pending(maker.ID); !ok {
		t.Fatal("order with a still-spendable utxo should remain pending")
	}
}

func TestDispatchRoutesAckPayInAndRedeem(t *testing.T) {
	now := time.Now()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	ctx := context.Background()
	if err := d.Negotiate(ctx, maker, taker, now); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(ackPayload{Event: order.EventHoldApply})
	if err := d.Dispatch(ctx, Message{Type: "ack", OrderID: maker.ID, Sender: maker.FromAddress, Payload: payload}); err != nil {
		t.Fatalf("dispatch ack (maker): %v", err)
	}
	if err := d.Dispatch(ctx, Message{Type: "ack", OrderID: maker.ID, Sender: taker.FromAddress, Payload: payload}); err != nil {
		t.Fatalf("dispatch ack (taker): %v", err)
	}
	if maker.State != order.Hold {
		t.Fatalf("expected Hold after both acks dispatched, got %v", maker.State)
	}

	if err := d.Dispatch(ctx, Message{Type: "unknown", OrderID: maker.ID}); err == nil {
		t.Fatal("expected error for unknown message type")
	}
	if err := d.Dispatch(ctx, Message{Type: "ack", OrderID: maker.ID, Payload: []byte("not json")}); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestDispatchRegistersPubKeyAndRejectsForgedSignature(t *testing.T) {
	now := time.Now()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), newFakeTransport())
	maker, taker := joinedOrders(t, ex, now)
	ctx := context.Background()
	if err := d.Negotiate(ctx, maker, taker, now); err != nil {
		t.Fatal(err)
	}

	makerID := snode.New(true)
	makerPubHex, err := makerID.PubKeyHex()
	if err != nil {
		t.Fatal(err)
	}
	makerPub, err := hex.DecodeString(makerPubHex)
	if err != nil {
		t.Fatal(err)
	}

	// The maker's Initialized ack announces its pubkey. Nothing has
	// been pinned yet, so this first message needs no signature.
	makerInit, _ := json.Marshal(ackPayload{Event: order.EventInitialized, PubKey: makerPub})
	if err := d.Dispatch(ctx, Message{Type: "ack", OrderID: maker.ID, Sender: maker.FromAddress, Payload: makerInit}); err != nil {
		t.Fatalf("maker initialized ack: %v", err)
	}
	takerInit, _ := json.Marshal(ackPayload{Event: order.EventInitialized})
	if err := d.Dispatch(ctx, Message{Type: "ack", OrderID: maker.ID, Sender: taker.FromAddress, Payload: takerInit}); err != nil {
		t.Fatalf("taker initialized ack: %v", err)
	}
	if len(maker.MakerPubKey) == 0 {
		t.Fatal("expected the maker's announced pubkey to be pinned on the descriptor")
	}

	payinPayload, _ := json.Marshal(payInPayload{Role: order.Maker, Contract: []byte("contract"), TxID: "maker-txid"})
	sig, err := makerID.Sign(payinPayload)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(ctx, Message{Type: "payin", OrderID: maker.ID, Sender: maker.FromAddress, Payload: payinPayload, Sig: sig}); err != nil {
		t.Fatalf("correctly signed payin rejected: %v", err)
	}

	attacker := snode.New(true)
	forgedPayload, _ := json.Marshal(payInPayload{Role: order.Maker, Contract: []byte("evil"), TxID: "evil-txid"})
	forgedSig, err := attacker.Sign(forgedPayload)
	if err != nil {
		t.Fatal(err)
	}
	err = d.Dispatch(ctx, Message{Type: "payin", OrderID: maker.ID, Sender: maker.FromAddress, Payload: forgedPayload, Sig: forgedSig})
	if err == nil {
		t.Fatal("expected a payin signed by the wrong key to be rejected once a pubkey is pinned")
	}
}

func TestDispatchLoopDrainsInboundUntilCancelled(t *testing.T) {
	now := time.Now()
	tr := newFakeTransport()
	d, ex := newTestDriver(newFakeWallet(1, time.Hour), newFakeWallet(1, time.Hour), tr)
	maker, taker := joinedOrders(t, ex, now)
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Negotiate(ctx, maker, taker, now); err != nil {
		t.Fatal(err)
	}

	go d.dispatchLoop(ctx)

	payload, _ := json.Marshal(ackPayload{Event: order.EventHoldApply})
	tr.inbound <- Message{Type: "ack", OrderID: maker.ID, Sender: maker.FromAddress, Payload: payload}
	tr.inbound <- Message{Type: "ack", OrderID: maker.ID, Sender: taker.FromAddress, Payload: payload}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if maker.State == order.Hold {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if maker.State != order.Hold {
		t.Fatalf("expected Hold after inbound acks drained, got %v", maker.State)
	}
	cancel()
}
