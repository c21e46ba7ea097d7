// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the exchange's order descriptor and the HTLC
// lifecycle state machine that drives it from creation through
// settlement or cancellation.
package order

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/crypto/blake256"

	"github.com/xswap-coordinator/xswapd/dex/calc"
)

// ID is the 256-bit order identifier, the blake256 digest of the order's
// canonical serialization.
type ID [32]byte

// String returns the hex representation of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero ID, used as the placeholder
// id returned by dry-run RPC calls.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Role identifies which side of a swap an OrderDescr's local party plays.
type Role uint8

const (
	Maker Role = iota
	Taker
)

func (r Role) String() string {
	if r == Taker {
		return "taker"
	}
	return "maker"
}

// State is a discrete point in the HTLC lifecycle. Values below are
// ordered; a descriptor's state only advances to a larger value, except
// for the three terminal sinks.
type State uint8

const (
	New State = iota
	PendingBroadcast
	Pending
	Accepting
	Hold
	Initialized
	Created
	Signed
	Committed
	Finished
	Cancelled
	Expired
	RolledBack
)

var stateNames = [...]string{
	"new", "pending_broadcast", "pending", "accepting", "hold",
	"initialized", "created", "signed", "committed", "finished",
	"cancelled", "expired", "rolled_back",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsTerminal reports whether s is one of the monotone sinks.
func (s State) IsTerminal() bool {
	return s == Finished || s == Cancelled || s == Expired || s == RolledBack
}

// IsCancellable reports whether an RPC cancel is accepted while in state
// s: only states strictly before Created.
func (s State) IsCancellable() bool {
	return s < Created
}

// ProtocolEvent names one of the four counterparty-acked messages that
// advance the state machine.
type ProtocolEvent string

const (
	EventHoldApply   ProtocolEvent = "HoldApply"
	EventInitialized ProtocolEvent = "Initialized"
	EventCreated     ProtocolEvent = "Created"
	EventConfirmed   ProtocolEvent = "Confirmed"
)

// eventTarget is the state a protocol event advances a descriptor to,
// once both participants have acknowledged it.
var eventTarget = map[ProtocolEvent]State{
	EventHoldApply:   Hold,
	EventInitialized: Initialized,
	EventCreated:     Created,
	EventConfirmed:   Committed,
}

// UtxoEntry identifies a single unspent transaction output. Equality and
// ordering are by (TxID, Vout) only, per the reference wallet's UtxoEntry.
type UtxoEntry struct {
	TxID          string
	Vout          uint32
	Amount        calc.Amount
	Address       string
	ScriptPubKey  string
	Confirmations uint32
	RawAddress    []byte
	Signature     []byte
}

// Key returns the (txid, vout) composite used for set membership and
// equality, matching the reference UtxoEntry::operator==.
func (u UtxoEntry) Key() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// OrderDescr is the per-order record holding parties, amounts, addresses,
// keys, timestamps and the current state.
type OrderDescr struct {
	ID   ID
	Role Role

	FromCurrency string
	FromAmount   calc.Amount
	FromAddress  string

	ToCurrency string
	ToAmount   calc.Amount
	ToAddress  string

	State   State
	Created time.Time
	Updated time.Time

	MakerPubKey      []byte
	TakerPubKey      []byte
	SharedSecretHash []byte // h = H(x)
	Preimage         []byte // x, revealed only at redeem time
	RefundTx         string

	ReservedUtxos []UtxoEntry
	LastUtxoCheck time.Time
	BlockHash     string

	// acks records, per protocol event, the distinct sender addresses
	// that have acknowledged it. A descriptor advances past an event
	// once both the maker and taker addresses are present.
	acks map[ProtocolEvent]map[string]bool

	// UseCount is incremented on every TTL refresh; surfaced by
	// dxFlushCancelledOrders per the reference RPC's flushedOrders tuple.
	UseCount int
}

// NewOrder constructs an OrderDescr at state New. The caller is the
// maker; the id is derived from the descriptor's identity fields.
func NewOrder(fromCcy string, fromAmt calc.Amount, fromAddr, toCcy string, toAmt calc.Amount, toAddr string, now time.Time) (*OrderDescr, error) {
	if fromCcy == toCcy {
		return nil, fmt.Errorf("fromCurrency equals toCurrency")
	}
	if fromAddr == toAddr {
		return nil, fmt.Errorf("fromAddress equals toAddress")
	}
	if !calc.ValidAmount(fromAmt) || !calc.ValidAmount(toAmt) {
		return nil, fmt.Errorf("amount out of range")
	}
	o := &OrderDescr{
		Role:         Maker,
		FromCurrency: fromCcy,
		FromAmount:   fromAmt,
		FromAddress:  fromAddr,
		ToCurrency:   toCcy,
		ToAmount:     toAmt,
		ToAddress:    toAddr,
		State:        New,
		Created:      now,
		Updated:      now,
		acks:         make(map[ProtocolEvent]map[string]bool),
	}
	o.seal()
	return o, nil
}

// seal (re)computes the order ID from the descriptor's identity fields.
// Called once at creation; the ID never changes afterward even as other
// fields (state, acks, reservations) mutate.
func (o *OrderDescr) seal() {
	h := blake256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%d|%s|%d", o.FromCurrency, o.FromAmount, o.FromAddress,
		o.ToCurrency, o.ToAmount, o.ToAddress, o.Created.UnixNano())
	var id ID
	copy(id[:], h.Sum(nil))
	o.ID = id
}

// Price returns toAmount/fromAmount, this order's exchange rate.
func (o *OrderDescr) Price() float64 {
	return calc.Price(o.FromAmount, o.ToAmount)
}

// AcceptedView returns a new descriptor representing the taker's side of
// a swap against maker order o, with currencies and amounts already in
// the taker's orientation (taker sends o.ToCurrency, receives
// o.FromCurrency). o itself is never mutated: this replaces the
// reference implementation's destructive in-place from/to swap with a
// non-destructive view, so there is no revert-on-failure path to get
// wrong.
func (o *OrderDescr) AcceptedView(takerFromAddr, takerToAddr string, now time.Time) (*OrderDescr, error) {
	view, err := NewOrder(o.ToCurrency, o.ToAmount, takerFromAddr, o.FromCurrency, o.FromAmount, takerToAddr, now)
	if err != nil {
		return nil, err
	}
	view.Role = Taker
	return view, nil
}

// Ack records that sender has acknowledged event for this descriptor,
// and reports whether the descriptor just advanced to the event's target
// state (both participants having now acked it). An ack for a phase
// already passed, or a duplicate ack from the same sender, is a no-op
// returning false, matching the reference coordinator's idempotent ack
// counting.
func (o *OrderDescr) Ack(event ProtocolEvent, sender, makerAddr, takerAddr string, now time.Time) (advanced bool) {
	target, ok := eventTarget[event]
	if !ok {
		return false
	}
	if o.State >= target || o.State.IsTerminal() {
		return false // already past this phase, or terminal
	}
	if o.acks[event] == nil {
		o.acks[event] = make(map[string]bool)
	}
	o.acks[event][sender] = true
	if o.acks[event][makerAddr] && o.acks[event][takerAddr] {
		o.State = target
		o.Updated = now
		return true
	}
	return false
}

// SetState forces a state transition for local actions (broadcast,
// accept, cancel, refund-detected) that are not counterparty-acked
// protocol events.
func (o *OrderDescr) SetState(s State, now time.Time) {
	o.State = s
	o.Updated = now
}

// Clone returns a deep-enough copy of o for snapshotting under a lock,
// so callers can release the descriptor lock before serializing or
// sending the result over RPC.
func (o *OrderDescr) Clone() *OrderDescr {
	c := *o
	c.ReservedUtxos = append([]UtxoEntry(nil), o.ReservedUtxos...)
	c.acks = nil // acks are internal bookkeeping, not part of any snapshot contract
	return &c
}
