// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package tradingdata parses a completed settlement transaction's
// outputs to recover the canonical cross-chain trade record the
// coordinator stamped into it at redemption time: a multisig output
// whose data-bearing "pubkey" slots (or, alternatively, a null-data
// output) carry a JSON-encoded 5-tuple describing the swap. Grounded on
// the original TxOutToCurrencyPair / gettradingdata RPC handler; every
// parse failure is tagged rather than thrown, matching the spec's
// two-layer script-then-JSON extraction design note.
package tradingdata

import (
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/crypto/blake256"
)

// Tag identifies the shape of an extraction result.
type Tag int

const (
	// Empty means no settlement payload was found in the outputs at
	// all (not every transaction is a settlement transaction).
	Empty Tag = iota
	// Valid means a well-formed 5-tuple payload was recovered.
	Valid
	// Error means a payload-shaped script was found but failed to
	// parse as the expected JSON tuple.
	Error
)

func (t Tag) String() string {
	switch t {
	case Valid:
		return "valid"
	case Error:
		return "error"
	default:
		return "empty"
	}
}

// TxOut is the minimal output shape the extractor consumes: value and
// the output's locking script. Callers adapt whatever wallet-connector
// or block-reader representation they have into this shape.
type TxOut struct {
	Value    int64
	PkScript []byte
}

// Record is the recovered settlement record, or an error/empty tag with
// no payload.
type Record struct {
	Tag Tag

	XID          string
	FromCurrency string
	FromAmount   uint64
	ToCurrency   string
	ToAmount     uint64

	// SnodePubKey is the coordinator's recovered address: for a
	// multisig payload it is slot 1 of the solution vector; for a
	// null-data payload it is the destination of the second output.
	SnodePubKey string

	// IsCoordinator reports whether the multisig slot-1 pubkey's
	// blake256 hash matched the coordinatorHash passed to
	// Extract, i.e. this settlement was stamped by our own service
	// node rather than a counterparty's. Always false for a null-data
	// payload, which carries no multisig slot to match.
	IsCoordinator bool

	// ErrorReason carries the parse failure's explanation when
	// Tag == Error.
	ErrorReason string
}

func errRecord(format string, args ...interface{}) Record {
	return Record{Tag: Error, ErrorReason: fmt.Sprintf(format, args...)}
}

// Extract inspects vout (in transaction order) and recovers the
// settlement record, if any. params selects the address encoding used
// when deriving the coordinator's pubkey-hash address. coordinatorHash
// is the coordinator's own snode.Identity.PubKeyHash(); pass the zero
// value to skip IsCoordinator matching (e.g. when the local node is not
// an exchange coordinator).
func Extract(vout []TxOut, params *chaincfg.Params, coordinatorHash [32]byte) Record {
	if len(vout) == 0 {
		return Record{Tag: Empty}
	}

	var (
		payload       []byte
		snodePubKey   string
		isCoordinator bool
		foundOpData   bool
	)

	for _, out := range vout {
		if len(out.PkScript) == 0 {
			continue
		}

		switch txscript.GetScriptClass(out.PkScript) {
		case txscript.MultiSigTy:
			solutions, err := txscript.PushedData(out.PkScript)
			if err != nil || len(solutions) < 4 {
				continue
			}
			if addr, err := btcutil.NewAddressPubKey(solutions[1], params); err == nil {
				snodePubKey = addr.AddressPubKeyHash().EncodeAddress()
			}
			if coordinatorHash != [32]byte{} && blake256.Sum256(solutions[1]) == coordinatorHash {
				isCoordinator = true
			}
			for i := 2; i < len(solutions)-1; i++ {
				sol := solutions[i]
				if len(sol) != 65 {
					break
				}
				payload = append(payload, sol[1:65]...)
			}

		case txscript.NullDataTy:
			// Only the first null-data payload is used.
			if foundOpData || out.Value != 0 || !txscript.IsUnspendable(out.PkScript) {
				continue
			}
			data, err := txscript.PushedData(out.PkScript)
			if err != nil {
				continue
			}
			for _, d := range data {
				if len(d) != 0 {
					payload = append(payload, d...)
					foundOpData = true
					break
				}
			}
		}
	}

	if len(payload) == 0 {
		return Record{Tag: Empty}
	}

	if foundOpData && len(vout) >= 2 {
		if _, addrs, _, err := txscript.ExtractPkScriptAddrs(vout[1].PkScript, params); err == nil && len(addrs) > 0 {
			snodePubKey = addrs[0].EncodeAddress()
		}
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(payload, &tuple); err != nil {
		return errRecord("unknown chain data, json error: %v", err)
	}
	if len(tuple) != 5 {
		return errRecord("unknown chain data, bad records count")
	}

	var xid, fromCcy, toCcy string
	var fromAmt, toAmt uint64
	if err := json.Unmarshal(tuple[0], &xid); err != nil {
		return errRecord("bad id")
	}
	if err := json.Unmarshal(tuple[1], &fromCcy); err != nil {
		return errRecord("bad from currency")
	}
	if err := json.Unmarshal(tuple[2], &fromAmt); err != nil {
		return errRecord("bad from amount")
	}
	if err := json.Unmarshal(tuple[3], &toCcy); err != nil {
		return errRecord("bad to currency")
	}
	if err := json.Unmarshal(tuple[4], &toAmt); err != nil {
		return errRecord("bad to amount")
	}

	return Record{
		Tag:           Valid,
		XID:           xid,
		FromCurrency:  fromCcy,
		FromAmount:    fromAmt,
		ToCurrency:    toCcy,
		ToAmount:      toAmt,
		SnodePubKey:   snodePubKey,
		IsCoordinator: isCoordinator,
	}
}
