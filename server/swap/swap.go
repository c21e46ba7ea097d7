// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package swap implements the cross-chain HTLC swap driver: it sequences
// the paired maker/taker descriptors through hold, init, pay-in,
// confirmation, redemption and refund, polling wallets and relaying
// peer messages along the way. Grounded on the reference Swapper's
// matchTracker/swapStatus/step/processInit/processRedeem pipeline,
// adapted from a match-based two-asset settlement pipeline to a
// descriptor-based cross-chain HTLC pipeline with no epochs or
// order-book matching of its own.
package swap

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xswap-coordinator/xswapd/dex"
	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/encode"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/dex/wait"
	"github.com/xswap-coordinator/xswapd/server/exchange"
	"github.com/xswap-coordinator/xswapd/server/snode"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
	"github.com/xswap-coordinator/xswapd/server/xcerr"
)

// recheckInterval is how often the latency queue's waiters are
// re-tried: pay-in expiration, confirmation polling and refund timers.
// The maker-UTXO re-validation sweep runs on its own ticker
// (utxolock.DefaultRecheckInterval).
var recheckInterval = 3 * time.Second

// payInExpiration bounds how long the driver waits for both pay-ins to
// be reported before cancelling the match.
var payInExpiration = 30 * time.Minute

// WalletConnector is the chain-facing collaborator the driver uses to
// build, broadcast and observe HTLC transactions. Concrete chain
// adapters are out of scope; the driver only depends on this shape.
type WalletConnector interface {
	ListUnspent(ctx context.Context) ([]order.UtxoEntry, error)
	ValidateAddress(addr string) bool
	NewAddress(ctx context.Context) (string, error)
	BuildHTLC(ctx context.Context, params HTLCParams) (contract []byte, err error)
	Sign(ctx context.Context, tx []byte) ([]byte, error)
	Broadcast(ctx context.Context, tx []byte) (txid string, err error)
	GetTxOut(ctx context.Context, txid string, vout uint32) (*order.UtxoEntry, error)
	Confirmations(ctx context.Context, txid string) (uint32, error)
	RequiredConfirmations() uint32
	LockTime() time.Duration // offered relative locktime for a leg built on this chain
}

// HTLCParams describes one leg of a cross-chain HTLC: the shared hash,
// the recipient/refund addresses, the amount and the absolute refund
// time.
type HTLCParams struct {
	Hash       [32]byte
	Amount     calc.Amount
	RecipAddr  string
	RefundAddr string
	RefundTime time.Time
}

// Transport is the peer-message collaborator: broadcast to observers,
// unicast to a known peer, and the channel of messages received from
// peers. server/p2p provides the in-process implementation used by
// tests and single-coordinator deployments.
type Transport interface {
	Broadcast(ctx context.Context, msg Message) error
	Send(ctx context.Context, peer string, msg Message) error
	Inbound() <-chan Message
}

// Message is one wire event the driver emits or consumes: an order
// broadcast, a Hold/Initialized/Created/Confirmed ack, or the final
// secret reveal. Payload's encoding is named by Type; see ackPayload,
// payInPayload and redeemPayload for the inbound shapes Dispatch
// understands. Sig is the sender's signature over Payload under the
// pubkey it has announced for this order (see ackPayload.PubKey);
// Dispatch verifies it via snode.Verify once a pubkey is on file.
type Message struct {
	Type    string
	OrderID order.ID
	Sender  string
	Payload []byte
	Sig     []byte
}

// ackPayload is the Payload shape for a "ack" message: a counterparty's
// acknowledgement of one protocol event. PubKey is only meaningful on
// the EventInitialized ack: it announces the pubkey this party will
// sign every subsequent message with, pinned onto the descriptor for
// Dispatch to verify against from then on.
type ackPayload struct {
	Event  order.ProtocolEvent `json:"event"`
	PubKey []byte              `json:"pub_key,omitempty"`
}

// payInPayload is the Payload shape for a "payin" message: a party
// reporting its own HTLC contract and broadcast txid.
type payInPayload struct {
	Role     order.Role `json:"role"`
	Contract []byte     `json:"contract"`
	TxID     string     `json:"txid"`
}

// redeemPayload is the Payload shape for a "redeem" message: the maker
// reporting the secret it exposed by redeeming the taker's pay-in.
type redeemPayload struct {
	Secret     []byte `json:"secret"`
	RedeemTxID string `json:"redeem_txid"`
}

// legStatus tracks one party's leg of a match: their HTLC contract,
// pay-in txid, and confirmation/redemption sightings. Mirrors the
// reference's swapStatus, one per party instead of one per asset leg.
type legStatus struct {
	mtx         sync.RWMutex
	contract    []byte
	payInTxID   string
	payInTime   time.Time
	confirmedAt time.Time
	redeemTxID  string
	redeemTime  time.Time
}

func (ls *legStatus) setPayIn(txid string, contract []byte, now time.Time) {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	ls.payInTxID = txid
	ls.contract = contract
	ls.payInTime = now
}

func (ls *legStatus) setConfirmed(now time.Time) {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	ls.confirmedAt = now
}

func (ls *legStatus) confirmedTime() time.Time {
	ls.mtx.RLock()
	defer ls.mtx.RUnlock()
	return ls.confirmedAt
}

func (ls *legStatus) setRedeemed(txid string, now time.Time) {
	ls.mtx.Lock()
	defer ls.mtx.Unlock()
	ls.redeemTxID = txid
	ls.redeemTime = now
}

// matchTracker holds the live negotiation state for one paired
// maker/taker descriptor: the shared secret hash (and, maker-side
// only, the preimage), each party's leg status, and the chain
// connectors for each currency.
type matchTracker struct {
	maker *order.OrderDescr
	taker *order.OrderDescr

	hash   [32]byte
	secret []byte // known only by the maker until redeem

	makerLeg *legStatus
	takerLeg *legStatus

	makerWallet WalletConnector // chain of maker's fromCurrency (= taker's toCurrency)
	takerWallet WalletConnector // chain of taker's fromCurrency (= maker's toCurrency)
}

// Driver sequences all live matches. A single Driver is a process-wide
// singleton, constructed with its collaborators and run with Run until
// ctx is cancelled.
type Driver struct {
	log      dex.Logger
	exchange *exchange.Exchange
	ledger   *utxolock.Ledger
	wallets  map[string]WalletConnector // currency tag -> connector
	transport Transport

	mtx     sync.RWMutex
	matches map[order.ID]*matchTracker

	latencyQ *wait.TickerQueue
}

// New constructs a Driver. wallets maps each supported currency tag to
// its WalletConnector.
func New(ex *exchange.Exchange, ledger *utxolock.Ledger, wallets map[string]WalletConnector, transport Transport, log dex.Logger) *Driver {
	return &Driver{
		log:       log,
		exchange:  ex,
		ledger:    ledger,
		wallets:   wallets,
		transport: transport,
		matches:   make(map[order.ID]*matchTracker),
		latencyQ:  wait.NewTickerQueue(recheckInterval, log),
	}
}

// Run drives the latency queue (confirmation polling, pay-in waiters,
// periodic UTXO re-validation) and the inbound peer-message dispatch
// loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	go d.reconfirmLoop(ctx)
	go d.dispatchLoop(ctx)
	d.latencyQ.Run(ctx)
}

// dispatchLoop drains the transport's inbound channel and routes each
// message to Dispatch, logging (rather than dropping silently) any
// message that fails to decode or apply.
func (d *Driver) dispatchLoop(ctx context.Context) {
	inbound := d.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if err := d.Dispatch(ctx, msg); err != nil {
				d.log.Warnf("dispatching %s message for order %s: %v", msg.Type, msg.OrderID, err)
			}
		}
	}
}

// Dispatch applies one inbound peer message to the match it names. It
// is the single entry point a Transport's consumer calls for every
// message received from a peer; dispatchLoop is the production caller,
// and tests may call it directly with synthetic messages.
func (d *Driver) Dispatch(ctx context.Context, msg Message) error {
	now := time.Now()
	switch msg.Type {
	case "ack":
		var p ackPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("swap: decoding ack payload: %w", err)
		}
		if err := d.verifySender(msg.OrderID, msg.Sender, msg.Payload, msg.Sig); err != nil {
			return err
		}
		if p.Event == order.EventInitialized && len(p.PubKey) > 0 {
			d.registerPubKey(msg.OrderID, msg.Sender, p.PubKey)
		}
		return d.Ack(ctx, msg.OrderID, p.Event, msg.Sender, now)
	case "payin":
		var p payInPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("swap: decoding payin payload: %w", err)
		}
		if err := d.verifySender(msg.OrderID, msg.Sender, msg.Payload, msg.Sig); err != nil {
			return err
		}
		return d.RecordPayIn(ctx, msg.OrderID, p.Role, p.Contract, p.TxID, now)
	case "redeem":
		var p redeemPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("swap: decoding redeem payload: %w", err)
		}
		if err := d.verifySender(msg.OrderID, msg.Sender, msg.Payload, msg.Sig); err != nil {
			return err
		}
		return d.RevealSecret(ctx, msg.OrderID, p.Secret, p.RedeemTxID, now)
	default:
		return fmt.Errorf("swap: unknown message type %q", msg.Type)
	}
}

// verifySender checks msg's Sig against the pubkey oid's sender has
// already announced (via an EventInitialized ack's PubKey field), if
// any. Before a pubkey is on file, including the HoldApply ack that
// negotiation starts with, there is nothing to verify against, so the
// message is accepted on the same sender-address trust the counted-ack
// path already relies on. sender must name one of the order's two
// known parties.
func (d *Driver) verifySender(oid order.ID, sender string, payload, sig []byte) error {
	mt, ok := d.lookup(oid)
	if !ok {
		return nil // let the caller's own lookup report TransactionNotFound
	}
	var pubKey []byte
	switch sender {
	case mt.maker.FromAddress:
		pubKey = mt.maker.MakerPubKey
	case mt.taker.FromAddress:
		pubKey = mt.taker.TakerPubKey
	default:
		return xcerr.Newf(xcerr.Unauthorized, "sender %q is not a party to order %s", sender, oid)
	}
	if len(pubKey) == 0 {
		return nil
	}
	if !snode.Verify(pubKey, payload, sig) {
		return xcerr.Newf(xcerr.Unauthorized, "signature verification failed for order %s", oid)
	}
	return nil
}

// registerPubKey pins sender's announced pubkey onto the matching side
// of oid's descriptor pair, so future messages from that address are
// signature-checked rather than merely address-matched.
func (d *Driver) registerPubKey(oid order.ID, sender string, pubKey []byte) {
	mt, ok := d.lookup(oid)
	if !ok {
		return
	}
	switch sender {
	case mt.maker.FromAddress:
		mt.maker.MakerPubKey = pubKey
	case mt.taker.FromAddress:
		mt.taker.TakerPubKey = pubKey
	}
}

// reconfirmLoop periodically re-validates every pending order's
// reserved UTXOs are still unspent, per spec's 900s default recheck.
// A missing output is treated as a fatal defect and cancels the order.
func (d *Driver) reconfirmLoop(ctx context.Context) {
	ticker := time.NewTicker(utxolock.DefaultRecheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.revalidateUtxos(ctx, now)
		}
	}
}

func (d *Driver) revalidateUtxos(ctx context.Context, now time.Time) {
	for _, o := range d.exchange.PendingSnapshot() {
		if !d.ledger.DueForRecheck(o.ID, utxolock.DefaultRecheckInterval, now) {
			continue
		}
		wallet, ok := d.wallets[o.FromCurrency]
		if !ok {
			continue
		}
		for _, u := range o.ReservedUtxos {
			if _, err := wallet.GetTxOut(ctx, u.TxID, u.Vout); err != nil {
				d.log.Warnf("utxo %s:%d for order %s no longer available, cancelling: %v", u.TxID, u.Vout, o.ID, err)
				if _, cerr := d.exchange.CancelOrder(o.ID, now); cerr != nil {
					d.log.Errorf("cancel %s after missing utxo: %v", o.ID, cerr)
				}
				break
			}
		}
	}
}

// Negotiate begins driving a freshly joined maker/taker pair: it mints
// the shared secret, registers the match tracker, and sends Hold to
// both parties. Called by server/rpc's dxTakeOrder handler immediately
// after a successful AcceptTransaction.
func (d *Driver) Negotiate(ctx context.Context, maker, taker *order.OrderDescr, now time.Time) error {
	makerWallet, ok := d.wallets[maker.FromCurrency]
	if !ok {
		return xcerr.Newf(xcerr.InvalidCurrency, "no wallet connector for %s", maker.FromCurrency)
	}
	takerWallet, ok := d.wallets[taker.FromCurrency]
	if !ok {
		return xcerr.Newf(xcerr.InvalidCurrency, "no wallet connector for %s", taker.FromCurrency)
	}

	secret := encode.RandomBytes(32)
	hash := sha256.Sum256(secret)
	maker.SharedSecretHash = hash[:]
	taker.SharedSecretHash = hash[:]
	maker.Preimage = secret // cleared once redeemed; taker never receives this field

	mt := &matchTracker{
		maker:       maker,
		taker:       taker,
		hash:        hash,
		secret:      secret,
		makerLeg:    &legStatus{},
		takerLeg:    &legStatus{},
		makerWallet: makerWallet,
		takerWallet: takerWallet,
	}

	d.mtx.Lock()
	d.matches[maker.ID] = mt
	d.mtx.Unlock()

	if err := d.transport.Send(ctx, maker.FromAddress, Message{Type: "hold", OrderID: maker.ID}); err != nil {
		d.log.Warnf("sending hold to maker: %v", err)
	}
	if err := d.transport.Send(ctx, taker.FromAddress, Message{Type: "hold", OrderID: maker.ID}); err != nil {
		d.log.Warnf("sending hold to taker: %v", err)
	}
	return nil
}

func (d *Driver) lookup(oid order.ID) (*matchTracker, bool) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	mt, ok := d.matches[oid]
	return mt, ok
}

// Ack processes a counterparty acknowledgement of a protocol event and
// advances the descriptor when both parties have acked. Each phase's
// downstream action (confirming pubkeys, expecting pay-ins, arming the
// refund timer) is triggered here once the advance actually happens.
func (d *Driver) Ack(ctx context.Context, oid order.ID, event order.ProtocolEvent, sender string, now time.Time) error {
	mt, ok := d.lookup(oid)
	if !ok {
		return xcerr.New(xcerr.TransactionNotFound, oid.String())
	}
	advanced := mt.maker.Ack(event, sender, mt.maker.FromAddress, mt.taker.FromAddress, now)
	if !advanced {
		return nil
	}
	mt.taker.SetState(mt.maker.State, now)

	switch event {
	case order.EventHoldApply:
		d.log.Infof("order %s: both parties acked hold, awaiting pubkey exchange", oid)
	case order.EventInitialized:
		d.armPayInExpiration(ctx, mt, now)
	case order.EventCreated:
		d.startConfirmationWatch(ctx, mt, order.Maker)
		d.startConfirmationWatch(ctx, mt, order.Taker)
	case order.EventConfirmed:
		d.armRedeemWatch(ctx, mt)
	}
	return nil
}

// armPayInExpiration registers a waiter that cancels the match unless
// both pay-ins have been recorded (state Created) by payInExpiration.
// The match ends Cancelled; no refund is broadcast for a pay-in that
// was already reported.
func (d *Driver) armPayInExpiration(ctx context.Context, mt *matchTracker, now time.Time) {
	d.latencyQ.Wait(&wait.Waiter{
		Expiration: now.Add(payInExpiration),
		TryFunc: func() wait.TryDirective {
			if mt.maker.State >= order.Created {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			d.log.Warnf("order %s: no pay-in within expiration, cancelling", mt.maker.ID)
			d.terminate(mt, order.Cancelled, time.Now())
		},
	})
}

// RecordPayIn records a party's pay-in contract/txid and, once both
// legs have reported, advances the descriptor to Created via the
// counted-ack path (both parties implicitly "ack" Created by each
// publishing their own pay-in).
func (d *Driver) RecordPayIn(ctx context.Context, oid order.ID, role order.Role, contract []byte, txid string, now time.Time) error {
	mt, ok := d.lookup(oid)
	if !ok {
		return xcerr.New(xcerr.TransactionNotFound, oid.String())
	}
	leg, sender := mt.makerLeg, mt.maker.FromAddress
	if role == order.Taker {
		leg, sender = mt.takerLeg, mt.taker.FromAddress
	}
	leg.setPayIn(txid, contract, now)
	return d.Ack(ctx, oid, order.EventCreated, sender, now)
}

// startConfirmationWatch polls watcherRole's own pay-in, on that leg's
// chain, until it reaches the wallet's required confirmation count,
// then acks Confirmed in that party's name. Confirmed is reached once
// both legs' watches have acked.
func (d *Driver) startConfirmationWatch(ctx context.Context, mt *matchTracker, watcherRole order.Role) {
	leg, wallet, sender := mt.makerLeg, mt.makerWallet, mt.maker.FromAddress
	if watcherRole == order.Taker {
		leg, wallet, sender = mt.takerLeg, mt.takerWallet, mt.taker.FromAddress
	}
	d.latencyQ.Wait(&wait.Waiter{
		Expiration: time.Now().Add(payInExpiration),
		TryFunc: func() wait.TryDirective {
			leg.mtx.RLock()
			txid := leg.payInTxID
			leg.mtx.RUnlock()
			if txid == "" {
				return wait.TryAgain
			}
			confs, err := wallet.Confirmations(ctx, txid)
			if err != nil {
				return wait.TryAgain
			}
			if confs < wallet.RequiredConfirmations() {
				return wait.TryAgain
			}
			leg.setConfirmed(time.Now())
			d.Ack(ctx, mt.maker.ID, order.EventConfirmed, sender, time.Now())
			return wait.DontTryAgain
		},
		ExpireFunc: func() {
			d.log.Warnf("order %s: pay-in %v confirmation wait expired", mt.maker.ID, watcherRole)
		},
	})
}

// armRedeemWatch, once both pay-ins are confirmed, arms the refund
// timers for each leg: a leg is refunded if the match has neither
// finished nor rolled back once its own chain's LockTime has elapsed.
// The taker leg's timer fires first only when the taker chain's
// LockTime (T_B) is shorter than the maker chain's (T_A); the driver
// does not check that ordering.
func (d *Driver) armRedeemWatch(ctx context.Context, mt *matchTracker) {
	takerRefundBy := time.Now().Add(mt.takerWallet.LockTime())
	makerRefundBy := time.Now().Add(mt.makerWallet.LockTime())

	d.latencyQ.Wait(&wait.Waiter{
		Expiration: takerRefundBy,
		TryFunc: func() wait.TryDirective {
			if mt.maker.State == order.Finished || mt.maker.State == order.RolledBack {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			d.log.Warnf("order %s: taker leg unredeemed past refund time, refunding", mt.maker.ID)
			d.refund(ctx, mt, order.Taker)
		},
	})
	d.latencyQ.Wait(&wait.Waiter{
		Expiration: makerRefundBy,
		TryFunc: func() wait.TryDirective {
			if mt.maker.State == order.Finished || mt.maker.State == order.RolledBack {
				return wait.DontTryAgain
			}
			return wait.TryAgain
		},
		ExpireFunc: func() {
			d.log.Warnf("order %s: maker leg unredeemed past refund time, refunding", mt.maker.ID)
			d.refund(ctx, mt, order.Maker)
		},
	})
}

// RevealSecret is called once the maker has redeemed the taker's
// pay-in (thereby exposing x on-chain). It validates x against the
// agreed hash, records the maker's redemption txid on the taker leg,
// relays x to the taker, and advances both descriptors to Finished.
// The taker's own redemption of the maker's pay-in is not tracked.
func (d *Driver) RevealSecret(ctx context.Context, oid order.ID, secret []byte, makerRedeemTxID string, now time.Time) error {
	mt, ok := d.lookup(oid)
	if !ok {
		return xcerr.New(xcerr.TransactionNotFound, oid.String())
	}
	gotHash := sha256.Sum256(secret)
	if gotHash != mt.hash {
		return xcerr.New(xcerr.InvalidParameters, "revealed secret does not match agreed hash")
	}
	mt.takerLeg.setRedeemed(makerRedeemTxID, now)

	if err := d.transport.Send(ctx, mt.taker.FromAddress, Message{Type: "secret", OrderID: oid, Payload: secret}); err != nil {
		d.log.Warnf("relaying secret to taker: %v", err)
	}
	mt.maker.SetState(order.Finished, now)
	mt.taker.SetState(order.Finished, now)
	encode.ClearBytes(mt.secret)
	d.terminate(mt, order.Finished, now)
	return nil
}

// refund drives leg to RolledBack after its refund timer has expired
// unredeemed.
func (d *Driver) refund(ctx context.Context, mt *matchTracker, leg order.Role) {
	wallet := mt.makerWallet
	if leg == order.Taker {
		wallet = mt.takerWallet
	}
	legStatus := mt.makerLeg
	if leg == order.Taker {
		legStatus = mt.takerLeg
	}
	legStatus.mtx.RLock()
	contract := legStatus.contract
	legStatus.mtx.RUnlock()
	if contract == nil {
		d.log.Warnf("order %s: no contract recorded to refund for %v leg", mt.maker.ID, leg)
	} else if _, err := wallet.Broadcast(ctx, contract); err != nil {
		d.log.Errorf("order %s: refund broadcast failed: %v", mt.maker.ID, err)
	}
	now := time.Now()
	mt.maker.SetState(order.RolledBack, now)
	mt.taker.SetState(order.RolledBack, now)
	d.terminate(mt, order.RolledBack, now)
}

// terminate retires the pair from the order book, releases their UTXO
// reservations, and drops the live match tracker.
func (d *Driver) terminate(mt *matchTracker, final order.State, now time.Time) {
	mt.maker.SetState(final, now)
	mt.taker.SetState(final, now)
	d.ledger.Release(mt.maker.ID)
	d.ledger.Release(mt.taker.ID)
	d.exchange.Retire(mt.maker.ID, mt.taker.ID)

	d.mtx.Lock()
	delete(d.matches, mt.maker.ID)
	d.mtx.Unlock()
}

// Match returns the live tracker for an order, for inspection by the
// RPC layer (e.g. to report swap-phase detail). Returned pointer must
// not be mutated by the caller.
func (d *Driver) Match(oid order.ID) (maker, taker *order.OrderDescr, ok bool) {
	mt, ok := d.lookup(oid)
	if !ok {
		return nil, nil, false
	}
	return mt.maker, mt.taker, true
}
