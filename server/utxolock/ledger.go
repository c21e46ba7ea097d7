// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package utxolock implements the process-wide UTXO reservation ledger:
// a set of outpoints reserved against concurrent reuse by other orders,
// indexed both globally and per order.
package utxolock

import (
	"sync"
	"time"

	"github.com/xswap-coordinator/xswapd/dex/order"
)

// DefaultRecheckInterval is the default spacing between maker-UTXO
// re-validation passes, matching the reference coordinator's
// orderinputscheck default.
const DefaultRecheckInterval = 900 * time.Second

// BadFundsChecker reports whether a txid appears on a chain-level
// blocklist of known-bad funds. A nil checker admits everything.
type BadFundsChecker func(txid string) (blocked bool)

// ErrConflict is returned by TryReserve when one or more outpoints are
// already reserved by a different order.
type ErrConflict struct {
	Key string
}

func (e *ErrConflict) Error() string {
	return "utxo already reserved: " + e.Key
}

// ErrBadFunds is returned by TryReserve when an outpoint's txid is on the
// bad-funds blocklist.
type ErrBadFunds struct {
	TxID string
}

func (e *ErrBadFunds) Error() string {
	return "blocked funds: " + e.TxID
}

// entry pairs a reserved UTXO with the order that holds it.
type entry struct {
	owner order.ID
}

// Ledger is the process-wide, in-memory UTXO reservation ledger. It is a
// process-wide singleton with explicit construction, per spec's
// "forbid hidden global mutable state" design note.
type Ledger struct {
	mtx       sync.Mutex
	reserved  map[string]entry
	byOrder   map[order.ID][]order.UtxoEntry
	lastCheck map[order.ID]time.Time
	badFunds  BadFundsChecker
}

// New constructs an empty Ledger. badFunds may be nil.
func New(badFunds BadFundsChecker) *Ledger {
	return &Ledger{
		reserved:  make(map[string]entry),
		byOrder:   make(map[order.ID][]order.UtxoEntry),
		lastCheck: make(map[order.ID]time.Time),
		badFunds:  badFunds,
	}
}

// TryReserve attempts to reserve every utxo in utxos for oid. It is
// atomic: either every outpoint becomes reserved, or none do. An
// outpoint already reserved by oid itself is idempotently kept (matching
// the reference Exchange::checkUtxoItems/lockUtxos behavior); an
// outpoint reserved by a different order, or blocked by the bad-funds
// checker, aborts the whole reservation.
func (l *Ledger) TryReserve(oid order.ID, utxos []order.UtxoEntry) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	for _, u := range utxos {
		if l.badFunds != nil && l.badFunds(u.TxID) {
			return &ErrBadFunds{TxID: u.TxID}
		}
		key := u.Key()
		if e, ok := l.reserved[key]; ok && e.owner != oid {
			return &ErrConflict{Key: key}
		}
	}

	existing := make(map[string]bool, len(l.byOrder[oid]))
	for _, u := range l.byOrder[oid] {
		existing[u.Key()] = true
	}
	for _, u := range utxos {
		key := u.Key()
		l.reserved[key] = entry{owner: oid}
		if !existing[key] {
			l.byOrder[oid] = append(l.byOrder[oid], u)
			existing[key] = true
		}
	}
	return nil
}

// Release drops every reservation held by oid.
func (l *Ledger) Release(oid order.ID) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	for _, u := range l.byOrder[oid] {
		delete(l.reserved, u.Key())
	}
	delete(l.byOrder, oid)
	delete(l.lastCheck, oid)
}

// ReservedFor returns the utxos reserved by oid.
func (l *Ledger) ReservedFor(oid order.ID) []order.UtxoEntry {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	out := make([]order.UtxoEntry, len(l.byOrder[oid]))
	copy(out, l.byOrder[oid])
	return out
}

// AllReserved returns every reserved utxo across all orders.
func (l *Ledger) AllReserved() []order.UtxoEntry {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	var out []order.UtxoEntry
	for _, utxos := range l.byOrder {
		out = append(out, utxos...)
	}
	return out
}

// DueForRecheck reports whether oid's maker UTXOs have not been
// re-validated within interval, and if so updates the last-check
// timestamp to now. Mirrors the reference's
// makerUtxosAreStillValid(tx)'s "(now - utxoCheckTime) >= orderinputscheck"
// gate.
func (l *Ledger) DueForRecheck(oid order.ID, interval time.Duration, now time.Time) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	last, ok := l.lastCheck[oid]
	if ok && now.Sub(last) < interval {
		return false
	}
	l.lastCheck[oid] = now
	return true
}
