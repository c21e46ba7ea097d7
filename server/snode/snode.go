// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package snode holds the coordinator's own service-node identity: a
// secp256k1 keypair used to sign and verify protocol acks, and to
// recognize the coordinator's own pubkey-hash in settlement outputs.
package snode

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Identity holds the coordinator's keypair, lazily initialized on first
// use and re-initialized if found invalid, matching the reference
// Exchange::Impl::initKeyPair.
type Identity struct {
	mtx     sync.RWMutex
	priv    *secp256k1.PrivateKey
	enabled bool
}

// New constructs an Identity. enabled mirrors the reference's
// settings().isExchangeEnabled() gate: when false, Sign/PubKey report
// NotExchangeNode.
func New(enabled bool) *Identity {
	return &Identity{enabled: enabled}
}

// ErrNotExchangeNode is returned when the coordinator role is disabled.
var ErrNotExchangeNode = fmt.Errorf("this node is not running as an exchange coordinator")

// init lazily generates the keypair on first access. Called with mtx
// held for write.
func (id *Identity) init() error {
	if id.priv != nil {
		return nil
	}
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generating service-node keypair: %w", err)
	}
	id.priv = priv
	return nil
}

// PubKeyHash returns the blake256 hash of the compressed service-node
// public key, used as the identifying slot-1 value in multisig
// settlement outputs.
func (id *Identity) PubKeyHash() ([32]byte, error) {
	if !id.enabled {
		return [32]byte{}, ErrNotExchangeNode
	}
	id.mtx.Lock()
	defer id.mtx.Unlock()
	if err := id.init(); err != nil {
		return [32]byte{}, err
	}
	return blake256.Sum256(id.priv.PubKey().SerializeCompressed()), nil
}

// PubKeyHex returns the hex-encoded compressed public key.
func (id *Identity) PubKeyHex() (string, error) {
	if !id.enabled {
		return "", ErrNotExchangeNode
	}
	id.mtx.Lock()
	defer id.mtx.Unlock()
	if err := id.init(); err != nil {
		return "", err
	}
	return hex.EncodeToString(id.priv.PubKey().SerializeCompressed()), nil
}

// Sign signs msg's blake256 digest with the service-node private key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if !id.enabled {
		return nil, ErrNotExchangeNode
	}
	id.mtx.Lock()
	defer id.mtx.Unlock()
	if err := id.init(); err != nil {
		return nil, err
	}
	digest := blake256.Sum256(msg)
	sig := ecdsa.Sign(id.priv, digest[:])
	return sig.Serialize(), nil
}

// Verify checks sig against msg's blake256 digest under pubKey.
func Verify(pubKey, msg, sig []byte) bool {
	pk, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := blake256.Sum256(msg)
	return parsedSig.Verify(digest[:], pk)
}

// Reinit discards the current keypair so the next call to PubKeyHash,
// PubKeyHex, or Sign regenerates it, mirroring the reference's
// re-initialization on a detected-invalid keypair.
func (id *Identity) Reinit() {
	id.mtx.Lock()
	defer id.mtx.Unlock()
	id.priv = nil
}
