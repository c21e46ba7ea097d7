// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package exchange holds the coordinator's pending/accepted order maps,
// the maker/taker join logic, per-chain dust minimums, and the expiry
// sweep. It is grounded directly on the reference coordinator's
// Exchange::Impl (pending transactions, transactions, utxo maps) and its
// four-lock-domain concurrency model.
package exchange

import (
	"sync"
	"time"

	"github.com/xswap-coordinator/xswapd/dex/calc"
	"github.com/xswap-coordinator/xswapd/dex/order"
	"github.com/xswap-coordinator/xswapd/server/book"
	"github.com/xswap-coordinator/xswapd/server/utxolock"
	"github.com/xswap-coordinator/xswapd/server/xcerr"
)

// minTTLUpdateInterval bounds how often a pending order's TTL may be
// refreshed, rejecting updates that arrive "too soon" to prevent TTL
// extension flooding, per the reference's updateTooSoon guard.
const minTTLUpdateInterval = 15 * time.Second

// defaultTTL is how long a pending order lives before TTL expiry, absent
// a block-height expiry signal.
const defaultTTL = 2 * time.Hour

// DustMinimums maps a currency tag to its wallet's configured minimum
// tradable amount (WalletParam.MinimumAmount / dustAmount).
type DustMinimums map[string]calc.Amount

// Exchange holds the two order maps (pending, accepted) and the UTXO
// ledger. Lock domains follow spec §5: PendingTxLock and TxLock each may
// be held while acquiring UtxoLock, never the reverse.
type Exchange struct {
	pendingMtx sync.RWMutex // PendingTxLock
	pending    map[order.ID]*order.OrderDescr

	acceptedMtx sync.RWMutex // TxLock
	accepted    map[order.ID]*order.OrderDescr
	pairOf      map[order.ID]order.ID // maker.ID <-> taker.ID, both directions

	ledger *utxolock.Ledger // UtxoLock, internal to Ledger
	book   *book.Book

	dust DustMinimums
}

// New constructs an Exchange over the given book, ledger, and per-chain
// dust minimums.
func New(b *book.Book, ledger *utxolock.Ledger, dust DustMinimums) *Exchange {
	return &Exchange{
		pending:  make(map[order.ID]*order.OrderDescr),
		accepted: make(map[order.ID]*order.OrderDescr),
		pairOf:   make(map[order.ID]order.ID),
		ledger:   ledger,
		book:     b,
		dust:     dust,
	}
}

func (e *Exchange) dustOK(ccy string, amt calc.Amount) bool {
	min, ok := e.dust[ccy]
	if !ok {
		return true // unconfigured currency: no minimum enforced
	}
	return amt >= min
}

// CreateTransaction validates and registers a new maker order as
// pending, reserving its UTXOs. Mirrors
// Exchange::Impl::createTransaction: validates both legs' dust minimums,
// rejects duplicate/conflicting/blocked UTXOs, and either inserts a new
// pending entry or refreshes an existing one's timestamp (replacing it
// if expired).
func (e *Exchange) CreateTransaction(o *order.OrderDescr, utxos []order.UtxoEntry, now time.Time) error {
	if !e.dustOK(o.FromCurrency, o.FromAmount) || !e.dustOK(o.ToCurrency, o.ToAmount) {
		return xcerr.New(xcerr.InvalidAmount, "amount below configured minimum")
	}
	if err := e.ledger.TryReserve(o.ID, utxos); err != nil {
		return xcerr.Newf(xcerr.InsufficientFunds, "%v", err)
	}
	o.ReservedUtxos = utxos

	e.pendingMtx.Lock()
	defer e.pendingMtx.Unlock()
	if existing, ok := e.pending[o.ID]; ok {
		if isExpired(existing, now) {
			e.pending[o.ID] = o
			e.book.Add(o)
			return nil
		}
		if now.Sub(existing.Updated) < minTTLUpdateInterval {
			return xcerr.New(xcerr.InvalidState, "order refreshed too soon")
		}
		existing.Updated = now
		existing.UseCount++
		return nil
	}
	o.SetState(order.Pending, now)
	e.pending[o.ID] = o
	e.book.Add(o)
	return nil
}

// AcceptTransaction attempts to join an inbound taker descriptor against
// the pending order identified by makerID. Mirrors
// Exchange::Impl::acceptTransaction + Transaction::tryJoin: the join
// fails if the taker's (from,to) is not the exact counter-orientation of
// the maker's (from,to), if the maker order already expired, or if
// either party's UTXOs conflict in the ledger. On success the order
// moves from pending to accepted and the taker's reservations are added,
// never overwriting the maker's.
func (e *Exchange) AcceptTransaction(makerID order.ID, taker *order.OrderDescr, takerUtxos []order.UtxoEntry, now time.Time) (*order.OrderDescr, error) {
	if !e.dustOK(taker.FromCurrency, taker.FromAmount) || !e.dustOK(taker.ToCurrency, taker.ToAmount) {
		return nil, xcerr.New(xcerr.InvalidAmount, "amount below configured minimum")
	}

	e.pendingMtx.Lock()
	maker, ok := e.pending[makerID]
	if !ok {
		e.pendingMtx.Unlock()
		return nil, xcerr.New(xcerr.TransactionNotFound, makerID.String())
	}
	if isExpired(maker, now) {
		delete(e.pending, makerID)
		e.pendingMtx.Unlock()
		e.ledger.Release(makerID)
		return nil, xcerr.New(xcerr.TransactionNotFound, "order expired")
	}
	if !tryJoin(maker, taker) {
		e.pendingMtx.Unlock()
		return nil, xcerr.New(xcerr.InvalidParameters, "taker does not match maker order")
	}
	delete(e.pending, makerID)
	e.pendingMtx.Unlock()

	if err := e.ledger.TryReserve(taker.ID, takerUtxos); err != nil {
		// Roll back: restore the maker order to pending since the join
		// did not complete.
		e.pendingMtx.Lock()
		e.pending[makerID] = maker
		e.pendingMtx.Unlock()
		return nil, xcerr.Newf(xcerr.InsufficientFunds, "%v", err)
	}
	taker.ReservedUtxos = takerUtxos
	maker.SetState(order.Accepting, now)
	taker.SetState(order.Accepting, now)

	e.acceptedMtx.Lock()
	e.accepted[makerID] = maker
	e.accepted[taker.ID] = taker
	e.pairOf[makerID] = taker.ID
	e.pairOf[taker.ID] = makerID
	e.acceptedMtx.Unlock()
	e.book.Add(taker)

	return maker, nil
}

// tryJoin reports whether taker exactly matches the counter-values of
// maker: maker.(fromCurrency,fromAmount) == taker.(toCurrency,toAmount)
// and maker.(toCurrency,toAmount) == taker.(fromCurrency,fromAmount).
func tryJoin(maker, taker *order.OrderDescr) bool {
	return maker.FromCurrency == taker.ToCurrency &&
		maker.FromAmount == taker.ToAmount &&
		maker.ToCurrency == taker.FromCurrency &&
		maker.ToAmount == taker.FromAmount
}

// isExpired reports whether o's pending TTL has elapsed since its last
// refresh (Updated). Block-height
// expiry (not modeled here, since the core has no block reader) would be
// fatal and unconditional; this TTL check is the only expiry signal the
// in-memory core evaluates on its own.
func isExpired(o *order.OrderDescr, now time.Time) bool {
	return now.Sub(o.Updated) > defaultTTL
}

// EraseExpiredTransactions walks the pending map and removes entries
// that have expired by TTL, releasing their UTXO reservations. Mirrors
// Exchange::Impl::eraseExpiredTransactions. blockExpired additionally
// identifies orders whose associated block height has definitively
// passed (fatal, unconditional); the caller supplies that check since
// block height is external to this package.
func (e *Exchange) EraseExpiredTransactions(now time.Time, blockExpired func(*order.OrderDescr) bool) []order.ID {
	e.pendingMtx.Lock()
	defer e.pendingMtx.Unlock()

	var erased []order.ID
	for id, o := range e.pending {
		fatal := blockExpired != nil && blockExpired(o)
		if fatal || isExpired(o, now) {
			delete(e.pending, id)
			e.ledger.Release(id)
			o.SetState(order.Expired, now)
			e.book.Retire(id)
			erased = append(erased, id)
		}
	}
	return erased
}

// UpdateTimestampOrRemoveExpired refreshes a pending order's TTL unless
// either it has expired (in which case it is removed) or the refresh
// arrives before minTTLUpdateInterval has elapsed since the last update
// (in which case it is rejected as a flood-prevention measure).
func (e *Exchange) UpdateTimestampOrRemoveExpired(id order.ID, now time.Time) error {
	e.pendingMtx.Lock()
	defer e.pendingMtx.Unlock()

	o, ok := e.pending[id]
	if !ok {
		return xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	if isExpired(o, now) {
		delete(e.pending, id)
		e.ledger.Release(id)
		o.SetState(order.Expired, now)
		e.book.Retire(id)
		return xcerr.New(xcerr.TransactionNotFound, "order expired")
	}
	if now.Sub(o.Updated) < minTTLUpdateInterval {
		return xcerr.New(xcerr.InvalidState, "update arrived too soon")
	}
	o.Updated = now
	o.UseCount++
	return nil
}

// CancelOrder cancels a pending or accepted order, releasing its
// reservations synchronously. Only permitted while the order's state is
// cancellable (strictly before Created).
func (e *Exchange) CancelOrder(id order.ID, now time.Time) (*order.OrderDescr, error) {
	e.pendingMtx.Lock()
	if o, ok := e.pending[id]; ok {
		if !o.State.IsCancellable() {
			e.pendingMtx.Unlock()
			return nil, xcerr.New(xcerr.InvalidState, "order is no longer cancellable")
		}
		delete(e.pending, id)
		e.pendingMtx.Unlock()
		e.ledger.Release(id)
		o.SetState(order.Cancelled, now)
		e.book.Retire(id)
		return o, nil
	}
	e.pendingMtx.Unlock()

	e.acceptedMtx.Lock()
	o, ok := e.accepted[id]
	if !ok {
		e.acceptedMtx.Unlock()
		return nil, xcerr.New(xcerr.TransactionNotFound, id.String())
	}
	if !o.State.IsCancellable() {
		e.acceptedMtx.Unlock()
		return nil, xcerr.New(xcerr.InvalidState, "order is no longer cancellable")
	}
	delete(e.accepted, id)
	counterpart, hasPair := e.pairOf[id]
	if hasPair {
		delete(e.accepted, counterpart)
		delete(e.pairOf, counterpart)
		delete(e.pairOf, id)
	}
	e.acceptedMtx.Unlock()

	e.ledger.Release(id)
	o.SetState(order.Cancelled, now)
	e.book.Retire(id)
	if hasPair {
		e.ledger.Release(counterpart)
		if cp, ok := e.book.Get(counterpart); ok {
			cp.SetState(order.Cancelled, now)
		}
		e.book.Retire(counterpart)
	}
	return o, nil
}

// Pending returns the pending order by id, if any.
func (e *Exchange) Pending(id order.ID) (*order.OrderDescr, bool) {
	e.pendingMtx.RLock()
	defer e.pendingMtx.RUnlock()
	o, ok := e.pending[id]
	return o, ok
}

// Accepted returns the accepted order by id, if any.
func (e *Exchange) Accepted(id order.ID) (*order.OrderDescr, bool) {
	e.acceptedMtx.RLock()
	defer e.acceptedMtx.RUnlock()
	o, ok := e.accepted[id]
	return o, ok
}

// PendingSnapshot returns a snapshot slice of all pending orders, used by
// the RPC layer to answer dxGetOrders without holding the map lock while
// serializing.
func (e *Exchange) PendingSnapshot() []*order.OrderDescr {
	e.pendingMtx.RLock()
	defer e.pendingMtx.RUnlock()
	out := make([]*order.OrderDescr, 0, len(e.pending))
	for _, o := range e.pending {
		out = append(out, o)
	}
	return out
}

// AcceptedSnapshot returns a snapshot slice of all accepted (paired)
// orders, used by the RPC layer to answer dxGetOrders alongside pending.
func (e *Exchange) AcceptedSnapshot() []*order.OrderDescr {
	e.acceptedMtx.RLock()
	defer e.acceptedMtx.RUnlock()
	out := make([]*order.OrderDescr, 0, len(e.accepted))
	for _, o := range e.accepted {
		out = append(out, o)
	}
	return out
}

// Retire moves an accepted order out of the live map and into the order
// book's history, matching a terminal state transition (Finished or
// RolledBack) driven by the swap driver rather than by RPC cancel or
// expiry sweep. Both the maker and taker sides of a joined pair carry
// their own entries in accepted/book and must each be retired.
func (e *Exchange) Retire(ids ...order.ID) {
	e.acceptedMtx.Lock()
	for _, id := range ids {
		delete(e.accepted, id)
		delete(e.pairOf, id)
	}
	e.acceptedMtx.Unlock()
	for _, id := range ids {
		e.book.Retire(id)
	}
}
