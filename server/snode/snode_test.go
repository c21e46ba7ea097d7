// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package snode

import (
	"encoding/hex"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	id := New(true)
	msg := []byte("HoldApply:abc123")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pubHex, err := id.PubKeyHex()
	if err != nil {
		t.Fatalf("PubKeyHex: %v", err)
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		t.Fatalf("decoding pubkey hex: %v", err)
	}
	if !Verify(pubBytes, msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(pubBytes, []byte("different message"), sig) {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestDisabledNodeRefuses(t *testing.T) {
	id := New(false)
	if _, err := id.Sign([]byte("x")); err != ErrNotExchangeNode {
		t.Fatalf("expected ErrNotExchangeNode, got %v", err)
	}
}
