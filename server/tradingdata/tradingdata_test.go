// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package tradingdata

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

func nullDataScript(t *testing.T, payload []byte) []byte {
	t.Helper()
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
	if err != nil {
		t.Fatalf("building null-data script: %v", err)
	}
	return script
}

func TestExtractValidNullData(t *testing.T) {
	payload := []byte(`["xid123","BLOCK",100000000,"LTC",2500000000]`)
	vout := []TxOut{
		{Value: 0, PkScript: nullDataScript(t, payload)},
		{Value: 0, PkScript: nullDataScript(t, []byte("ignored"))},
	}
	rec := Extract(vout, &chaincfg.MainNetParams, [32]byte{})
	if rec.Tag != Valid {
		t.Fatalf("expected Valid, got %v (%s)", rec.Tag, rec.ErrorReason)
	}
	if rec.XID != "xid123" || rec.FromCurrency != "BLOCK" || rec.FromAmount != 100000000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ToCurrency != "LTC" || rec.ToAmount != 2500000000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestExtractEmptyOnNoPayload(t *testing.T) {
	rec := Extract(nil, &chaincfg.MainNetParams, [32]byte{})
	if rec.Tag != Empty {
		t.Fatalf("expected Empty, got %v", rec.Tag)
	}
}

func TestExtractErrorOnBadJSON(t *testing.T) {
	vout := []TxOut{
		{Value: 0, PkScript: nullDataScript(t, []byte("not json at all"))},
	}
	rec := Extract(vout, &chaincfg.MainNetParams, [32]byte{})
	if rec.Tag != Error {
		t.Fatalf("expected Error, got %v", rec.Tag)
	}
}

func TestExtractErrorOnWrongArity(t *testing.T) {
	vout := []TxOut{
		{Value: 0, PkScript: nullDataScript(t, []byte(`["xid","BLOCK",1]`))},
	}
	rec := Extract(vout, &chaincfg.MainNetParams, [32]byte{})
	if rec.Tag != Error {
		t.Fatalf("expected Error for wrong arity, got %v", rec.Tag)
	}
}
